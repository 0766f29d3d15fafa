// Package protocol defines the JSON message envelopes relayed between
// agents, the gateway, and dashboards. Each direction is an explicit
// tagged union; unknown tags decode to ErrUnknownType so callers can
// ignore them without closing the connection.
package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrUnknownType = errors.New("protocol: unknown message type")
	ErrMissingType = errors.New("protocol: missing type field")
)

// Agent -> cloud message types.
const (
	TypeRegister       = "register"
	TypeHeartbeat      = "heartbeat"
	TypeSessionStarted = "session_started"
	TypeSessionStopped = "session_stopped"
	TypeSessionCrashed = "session_crashed"
	TypeSessionOutput  = "session_output"
)

type Register struct {
	MachineID string `json:"machineId"`
	Name      string `json:"name"`
	OS        string `json:"os"` // windows, macos, linux
	Hostname  string `json:"hostname"`
	Version   string `json:"version"`
}

type Heartbeat struct {
	MachineID    string  `json:"machineId"`
	CPU          float64 `json:"cpu"`
	Memory       float64 `json:"memory"`
	Disk         float64 `json:"disk"`
	SessionCount int     `json:"sessionCount"`
}

type SessionInfo struct {
	ID          string    `json:"id"`
	PID         int       `json:"pid"`
	ProcessName string    `json:"processName"`
	Workdir     string    `json:"workdir"`
	StartedAt   time.Time `json:"startedAt"`
}

type SessionStarted struct {
	Session SessionInfo `json:"session"`
}

type SessionStopped struct {
	SessionID string `json:"sessionId"`
	ExitCode  *int   `json:"exitCode"`
}

type SessionCrashed struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

// SessionOutput carries opaque terminal bytes. encoding/json transports
// Data as base64, matching the wire format.
type SessionOutput struct {
	SessionID string `json:"sessionId"`
	Data      []byte `json:"data"`
}

// AgentMessage is the decoded agent -> cloud envelope. Exactly one of the
// payload pointers is non-nil, matching Type.
type AgentMessage struct {
	Type           string
	Register       *Register
	Heartbeat      *Heartbeat
	SessionStarted *SessionStarted
	SessionStopped *SessionStopped
	SessionCrashed *SessionCrashed
	SessionOutput  *SessionOutput
}

// DecodeAgentMessage parses a raw agent frame. Unknown types return
// ErrUnknownType; the caller drops the frame and keeps reading.
func DecodeAgentMessage(data []byte) (*AgentMessage, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	if head.Type == "" {
		return nil, ErrMissingType
	}

	msg := &AgentMessage{Type: head.Type}
	switch head.Type {
	case TypeRegister:
		msg.Register = &Register{}
		return msg, json.Unmarshal(data, msg.Register)
	case TypeHeartbeat:
		msg.Heartbeat = &Heartbeat{}
		return msg, json.Unmarshal(data, msg.Heartbeat)
	case TypeSessionStarted:
		msg.SessionStarted = &SessionStarted{}
		return msg, json.Unmarshal(data, msg.SessionStarted)
	case TypeSessionStopped:
		msg.SessionStopped = &SessionStopped{}
		return msg, json.Unmarshal(data, msg.SessionStopped)
	case TypeSessionCrashed:
		msg.SessionCrashed = &SessionCrashed{}
		return msg, json.Unmarshal(data, msg.SessionCrashed)
	case TypeSessionOutput:
		msg.SessionOutput = &SessionOutput{}
		return msg, json.Unmarshal(data, msg.SessionOutput)
	default:
		return nil, ErrUnknownType
	}
}
