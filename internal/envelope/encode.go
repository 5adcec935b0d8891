package envelope

import (
	"fmt"

	"github.com/goccy/go-json"
)

type authWire struct {
	Type Type   `json:"type"`
	Key  string `json:"key"`
}

type authResponseWire struct {
	Type    Type   `json:"type"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

type mqttWire struct {
	Type    Type      `json:"type"`
	Topic   string    `json:"topic"`
	Payload Telemetry `json:"payload"`
}

// Encode produces the wire form of m.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Auth:
		return json.Marshal(authWire{Type: TypeAuth, Key: v.Key})
	case AuthResponse:
		return json.Marshal(authResponseWire{Type: TypeAuthResponse, Status: v.Status, Message: v.Message})
	case MQTT:
		return json.Marshal(mqttWire{Type: TypeMQTT, Topic: v.Topic, Payload: v.Payload})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, m)
	}
}
