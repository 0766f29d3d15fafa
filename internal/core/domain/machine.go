package domain

import "time"

type MachineStatus string

const (
	MachineStatusOnline  MachineStatus = "online"
	MachineStatusOffline MachineStatus = "offline"
)

type MachineOS string

const (
	OSWindows MachineOS = "windows"
	OSMacOS   MachineOS = "macos"
	OSLinux   MachineOS = "linux"
)

// Machine is the durable record for a managed machine. The live socket is
// the source of truth for reachability; this row is a trailing projection.
type Machine struct {
	ID           string        `json:"id" gorm:"primaryKey"`
	OwnerID      string        `json:"owner_id" gorm:"index"`
	Name         string        `json:"name"`
	OS           MachineOS     `json:"os"`
	Hostname     string        `json:"hostname"`
	AgentVersion string        `json:"agent_version"`
	Status       MachineStatus `json:"status"`
	LastSeenAt   time.Time     `json:"last_seen_at"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func (Machine) TableName() string {
	return "machines"
}

// TelemetrySample is the short-TTL cache entry refreshed by each heartbeat.
// Never required for correctness of machine status.
type TelemetrySample struct {
	MachineID    string    `json:"machine_id"`
	CPU          float64   `json:"cpu"`
	Memory       float64   `json:"memory"`
	Disk         float64   `json:"disk"`
	SessionCount int       `json:"session_count"`
	CapturedAt   time.Time `json:"captured_at"`
}
