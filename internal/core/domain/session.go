package domain

import "time"

type SessionStatus string

const (
	SessionStatusRunning SessionStatus = "running"
	SessionStatusStopped SessionStatus = "stopped"
	SessionStatusCrashed SessionStatus = "crashed"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusStopped || s == SessionStatusCrashed
}

// Session is the durable record for a terminal session on a machine.
// Status moves running -> {stopped, crashed} only.
type Session struct {
	ID          string        `json:"id" gorm:"primaryKey"`
	MachineID   string        `json:"machine_id" gorm:"index"`
	ProcessName string        `json:"process_name"`
	Workdir     string        `json:"workdir"`
	PID         int           `json:"pid"`
	Status      SessionStatus `json:"status"`
	ExitCode    *int          `json:"exit_code"`
	ErrorText   string        `json:"error_text"`
	StartedAt   time.Time     `json:"started_at"`
	StoppedAt   *time.Time    `json:"stopped_at"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func (Session) TableName() string {
	return "sessions"
}
