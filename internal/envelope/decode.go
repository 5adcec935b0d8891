package envelope

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/goccy/go-json"
)

type fields map[string]json.RawMessage

// Decode parses one raw envelope. It never mutates shared state.
func Decode(raw []byte) (Message, error) {
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil || f == nil {
		return nil, invalid("envelope", "must be a JSON object")
	}

	rawType, ok := f.get("type")
	if !ok {
		return nil, fmt.Errorf("%w: type is missing", ErrUnknownMessageType)
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return nil, invalid("type", "must be a string")
	}

	switch Type(typ) {
	case TypeAuth:
		key, err := f.string("key")
		if err != nil {
			return nil, err
		}
		return Auth{Key: key}, nil

	case TypeAuthResponse:
		status, err := f.string("status")
		if err != nil {
			return nil, err
		}
		switch Status(status) {
		case StatusSuccess, StatusFailure:
		default:
			return nil, invalid("status", fmt.Sprintf("%q is not one of success, failure", status))
		}
		var msg string
		if _, ok := f.get("message"); ok {
			if msg, err = f.string("message"); err != nil {
				return nil, err
			}
		}
		return AuthResponse{Status: Status(status), Message: msg}, nil

	case TypeMQTT:
		topic, err := f.nonEmptyString("topic", "topic")
		if err != nil {
			return nil, err
		}
		rawPayload, ok := f.get("payload")
		if !ok {
			return nil, missing("payload")
		}
		payload, err := decodeTelemetry(rawPayload, topic)
		if err != nil {
			return nil, err
		}
		if payload.Topic != topic {
			return nil, invalid("payload.topic", fmt.Sprintf("%q does not match envelope topic %q", payload.Topic, topic))
		}
		return MQTT{Topic: topic, Payload: payload}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, typ)
	}
}

// DecodeTelemetry decodes a bare telemetry payload as published on the
// broker. When the payload carries no topic, the topic it arrived on is used.
func DecodeTelemetry(topic string, payload []byte) (Telemetry, error) {
	return decodeTelemetry(payload, topic)
}

func decodeTelemetry(raw json.RawMessage, fallbackTopic string) (Telemetry, error) {
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil || f == nil {
		return Telemetry{}, invalid("payload", "must be a JSON object")
	}

	var (
		t   Telemetry
		err error
	)
	if t.DeviceID, err = f.nonEmptyString("deviceId", "payload.deviceId"); err != nil {
		return Telemetry{}, err
	}
	if t.TS, err = f.int64("ts", "payload.ts"); err != nil {
		return Telemetry{}, err
	}
	if t.TS < 0 {
		return Telemetry{}, invalid("payload.ts", "must not be negative")
	}
	if t.Seq, err = f.uint64("seq", "payload.seq"); err != nil {
		return Telemetry{}, err
	}
	if t.TempC, err = f.float("tempC", "payload.tempC", MinTempC, MaxTempC); err != nil {
		return Telemetry{}, err
	}
	if t.HumPct, err = f.float("humPct", "payload.humPct", MinPct, MaxPct); err != nil {
		return Telemetry{}, err
	}
	if t.BatteryPct, err = f.float("batteryPct", "payload.batteryPct", MinPct, MaxPct); err != nil {
		return Telemetry{}, err
	}

	if _, ok := f.get("topic"); !ok && fallbackTopic != "" {
		t.Topic = fallbackTopic
	} else if t.Topic, err = f.nonEmptyString("topic", "payload.topic"); err != nil {
		return Telemetry{}, err
	}
	return t, nil
}

// get treats an explicit null the same as an absent key.
func (f fields) get(name string) (json.RawMessage, bool) {
	raw, ok := f[name]
	if !ok {
		return nil, false
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}
	return raw, true
}

func (f fields) string(name string) (string, error) {
	raw, ok := f.get(name)
	if !ok {
		return "", missing(name)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", invalid(name, "must be a string")
	}
	return s, nil
}

func (f fields) nonEmptyString(name, label string) (string, error) {
	raw, ok := f.get(name)
	if !ok {
		return "", missing(label)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", invalid(label, "must be a string")
	}
	if s == "" {
		return "", invalid(label, "must not be empty")
	}
	return s, nil
}

func (f fields) number(name, label string) (string, error) {
	raw, ok := f.get(name)
	if !ok {
		return "", missing(label)
	}
	if c := raw[0]; c != '-' && (c < '0' || c > '9') {
		return "", invalid(label, "must be a number")
	}
	return string(raw), nil
}

func (f fields) int64(name, label string) (int64, error) {
	s, err := f.number(name, label)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, invalid(label, "must be an integer")
	}
	return n, nil
}

func (f fields) uint64(name, label string) (uint64, error) {
	s, err := f.number(name, label)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, invalid(label, "must be a non-negative integer")
	}
	return n, nil
}

func (f fields) float(name, label string, lo, hi float64) (float64, error) {
	s, err := f.number(name, label)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, invalid(label, "must be a finite number")
	}
	if v < lo || v > hi {
		return 0, invalid(label, fmt.Sprintf("%g out of range (must be %g..%g)", v, lo, hi))
	}
	return v, nil
}
