package protocol

import (
	"encoding/json"
	"errors"
)

// Dashboard-facing event types beyond the mirrored agent messages.
const (
	TypeMachineUpdated = "machine_updated"
	TypeAlertFired     = "alert_fired"
)

// Event is a cloud -> dashboard envelope fanned out on an owner's
// channel. On the wire it is the same flat tagged object the other
// directions use; Payload stays raw so relays forward it without
// re-decoding.
type Event struct {
	Type    string
	Payload json.RawMessage
}

// NewEvent builds an event from any payload value. The payload must
// marshal to a JSON object (or null).
func NewEvent(eventType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Payload: raw}, nil
}

// Encode serializes the event as a flat JSON object: the payload's
// members spliced in beside the type tag.
func (e Event) Encode() ([]byte, error) {
	head, err := json.Marshal(struct {
		Type string `json:"type"`
	}{e.Type})
	if err != nil {
		return nil, err
	}
	body := string(e.Payload)
	if body == "" || body == "null" || body == "{}" {
		return head, nil
	}
	if e.Payload[0] != '{' {
		return nil, errors.New("protocol: event payload is not a JSON object")
	}
	out := make([]byte, 0, len(head)+len(e.Payload))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, e.Payload[1:]...)
	return out, nil
}

// DecodeEvent parses a flat event frame. The full object is kept as the
// payload; the redundant type member is harmless to consumers.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Event{}, err
	}
	if head.Type == "" {
		return Event{}, ErrMissingType
	}
	return Event{Type: head.Type, Payload: append(json.RawMessage(nil), data...)}, nil
}

// MachineUpdate is the machine_updated payload body.
type MachineUpdate struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
}

// MachineUpdated wraps the update under a "machine" key, mirroring the
// dashboard wire shape.
func MachineUpdated(m MachineUpdate) (Event, error) {
	return NewEvent(TypeMachineUpdated, struct {
		Machine MachineUpdate `json:"machine"`
	}{m})
}

// Alert is the alert_fired payload body.
type Alert struct {
	AlertID  string `json:"alertId"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func AlertFired(a Alert) (Event, error) {
	return NewEvent(TypeAlertFired, a)
}
