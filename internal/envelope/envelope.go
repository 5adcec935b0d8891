// Package envelope implements the wire codec for the bridge protocol.
//
// Every frame exchanged with a client is a JSON object with a top-level
// "type" discriminator. Each type decodes into its own Go variant, so the
// fields of one variant can never be observed on another.
package envelope

// Type is the value of the "type" discriminator.
type Type string

const (
	TypeAuth         Type = "auth"
	TypeAuthResponse Type = "auth_response"
	TypeMQTT         Type = "mqtt"
)

// Status is the outcome carried by an auth_response.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Message is one decoded envelope. The concrete type is one of Auth,
// AuthResponse or MQTT.
type Message interface {
	Type() Type
	isMessage()
}

// Auth is sent by a client to present its key.
type Auth struct {
	Key string
}

// AuthResponse is sent back after an auth attempt or a rejected frame.
type AuthResponse struct {
	Status Status
	// Message is optional.
	Message string
}

// MQTT carries one telemetry record together with the topic it was
// published on.
type MQTT struct {
	Topic   string
	Payload Telemetry
}

func (Auth) Type() Type         { return TypeAuth }
func (AuthResponse) Type() Type { return TypeAuthResponse }
func (MQTT) Type() Type         { return TypeMQTT }

func (Auth) isMessage()         {}
func (AuthResponse) isMessage() {}
func (MQTT) isMessage()         {}

// Telemetry is a single sensor reading from one device.
type Telemetry struct {
	DeviceID   string  `json:"deviceId"`
	TS         int64   `json:"ts"`
	Seq        uint64  `json:"seq"`
	TempC      float64 `json:"tempC"`
	HumPct     float64 `json:"humPct"`
	BatteryPct float64 `json:"batteryPct"`
	Topic      string  `json:"topic"`
}

// Plausible sensor ranges. Readings outside them are rejected.
const (
	MinTempC = -40.0
	MaxTempC = 85.0
	MinPct   = 0.0
	MaxPct   = 100.0
)
