package domain

import "time"

// APIKey is the durable record for an agent bearer key. Only the SHA-256
// of the raw key is stored; the plaintext never touches the database.
type APIKey struct {
	ID         string     `json:"id" gorm:"primaryKey"`
	OwnerID    string     `json:"owner_id" gorm:"index"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-" gorm:"uniqueIndex"`
	ExpiresAt  *time.Time `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (APIKey) TableName() string {
	return "api_keys"
}
