package protocol

import "encoding/json"

// Cloud -> agent command types. Dashboards submit the same envelopes
// (minus ping), with start_session additionally addressed to a machine.
const (
	TypePing          = "ping"
	TypeStartSession  = "start_session"
	TypeStopSession   = "stop_session"
	TypePauseSession  = "pause_session"
	TypeResumeSession = "resume_session"
	TypeSessionInput  = "session_input"
	TypeResize        = "resize"
)

// Dashboard -> cloud only: ring buffer backfill request, never forwarded
// to an agent.
const TypeSessionHistory = "session_history"

type StartSession struct {
	RequestID string            `json:"requestId"`
	MachineID string            `json:"machineId,omitempty"`
	Command   string            `json:"command"`
	Workdir   string            `json:"workdir"`
	Env       map[string]string `json:"env,omitempty"`
}

type StopSession struct {
	SessionID string `json:"sessionId"`
	Force     bool   `json:"force,omitempty"`
}

type PauseSession struct {
	SessionID string `json:"sessionId"`
}

type ResumeSession struct {
	SessionID string `json:"sessionId"`
}

type SessionInput struct {
	SessionID string `json:"sessionId"`
	Data      []byte `json:"data"`
}

type Resize struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type SessionHistory struct {
	SessionID string `json:"sessionId"`
	Offset    int64  `json:"offset,omitempty"`
	Limit     int64  `json:"limit,omitempty"`
}

// Command is the decoded cloud -> agent (or dashboard -> cloud) envelope.
type Command struct {
	Type           string
	StartSession   *StartSession
	StopSession    *StopSession
	PauseSession   *PauseSession
	ResumeSession  *ResumeSession
	SessionInput   *SessionInput
	Resize         *Resize
	SessionHistory *SessionHistory
}

// SessionID returns the session the command addresses, or "" for
// commands that target a machine (start_session) or nothing (ping).
func (c *Command) SessionID() string {
	switch c.Type {
	case TypeStopSession:
		return c.StopSession.SessionID
	case TypePauseSession:
		return c.PauseSession.SessionID
	case TypeResumeSession:
		return c.ResumeSession.SessionID
	case TypeSessionInput:
		return c.SessionInput.SessionID
	case TypeResize:
		return c.Resize.SessionID
	case TypeSessionHistory:
		return c.SessionHistory.SessionID
	}
	return ""
}

// DecodeCommand parses a raw command frame. Unknown types return
// ErrUnknownType.
func DecodeCommand(data []byte) (*Command, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	if head.Type == "" {
		return nil, ErrMissingType
	}

	cmd := &Command{Type: head.Type}
	switch head.Type {
	case TypePing:
		return cmd, nil
	case TypeStartSession:
		cmd.StartSession = &StartSession{}
		return cmd, json.Unmarshal(data, cmd.StartSession)
	case TypeStopSession:
		cmd.StopSession = &StopSession{}
		return cmd, json.Unmarshal(data, cmd.StopSession)
	case TypePauseSession:
		cmd.PauseSession = &PauseSession{}
		return cmd, json.Unmarshal(data, cmd.PauseSession)
	case TypeResumeSession:
		cmd.ResumeSession = &ResumeSession{}
		return cmd, json.Unmarshal(data, cmd.ResumeSession)
	case TypeSessionInput:
		cmd.SessionInput = &SessionInput{}
		return cmd, json.Unmarshal(data, cmd.SessionInput)
	case TypeResize:
		cmd.Resize = &Resize{}
		return cmd, json.Unmarshal(data, cmd.Resize)
	case TypeSessionHistory:
		cmd.SessionHistory = &SessionHistory{}
		return cmd, json.Unmarshal(data, cmd.SessionHistory)
	default:
		return nil, ErrUnknownType
	}
}

// Encode serializes the command as a flat JSON object with the type tag.
func (c *Command) Encode() ([]byte, error) {
	switch c.Type {
	case TypePing:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{c.Type})
	case TypeStartSession:
		return json.Marshal(struct {
			Type string `json:"type"`
			*StartSession
		}{c.Type, c.StartSession})
	case TypeStopSession:
		return json.Marshal(struct {
			Type string `json:"type"`
			*StopSession
		}{c.Type, c.StopSession})
	case TypePauseSession:
		return json.Marshal(struct {
			Type string `json:"type"`
			*PauseSession
		}{c.Type, c.PauseSession})
	case TypeResumeSession:
		return json.Marshal(struct {
			Type string `json:"type"`
			*ResumeSession
		}{c.Type, c.ResumeSession})
	case TypeSessionInput:
		return json.Marshal(struct {
			Type string `json:"type"`
			*SessionInput
		}{c.Type, c.SessionInput})
	case TypeResize:
		return json.Marshal(struct {
			Type string `json:"type"`
			*Resize
		}{c.Type, c.Resize})
	case TypeSessionHistory:
		return json.Marshal(struct {
			Type string `json:"type"`
			*SessionHistory
		}{c.Type, c.SessionHistory})
	default:
		return nil, ErrUnknownType
	}
}
