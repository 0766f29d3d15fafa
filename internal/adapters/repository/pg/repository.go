package pg

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fleetdeck.gateway/internal/core/domain"
	"fleetdeck.gateway/internal/core/ports"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(dsn string) (*Repository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&domain.Machine{}, &domain.Session{}, &domain.APIKey{}); err != nil {
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Machine methods

func (r *Repository) Upsert(ctx context.Context, machine *domain.Machine) error {
	// Reconnects replay register with the same machine id; the row is
	// refreshed in place, never duplicated.
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"owner_id", "name", "os", "hostname", "agent_version",
			"status", "last_seen_at", "updated_at",
		}),
	}).Create(machine).Error
}

func (r *Repository) RefreshHeartbeat(ctx context.Context, machineID string) error {
	return r.db.WithContext(ctx).Model(&domain.Machine{}).Where("id = ?", machineID).
		Updates(map[string]interface{}{
			"status":       domain.MachineStatusOnline,
			"last_seen_at": gorm.Expr("NOW()"),
			"updated_at":   gorm.Expr("NOW()"),
		}).Error
}

func (r *Repository) MarkOffline(ctx context.Context, machineID string) (bool, error) {
	// Conditional on the current status so a racing watchdog tick and
	// socket close yield exactly one transition.
	result := r.db.WithContext(ctx).Model(&domain.Machine{}).
		Where("id = ? AND status <> ?", machineID, domain.MachineStatusOffline).
		Updates(map[string]interface{}{
			"status":     domain.MachineStatusOffline,
			"updated_at": gorm.Expr("NOW()"),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *Repository) GetMachine(ctx context.Context, machineID string) (*domain.Machine, error) {
	var machine domain.Machine
	if err := r.db.WithContext(ctx).First(&machine, "id = ?", machineID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ports.ErrNotFound
		}
		return nil, err
	}
	return &machine, nil
}

// Session methods

func (r *Repository) Create(ctx context.Context, session *domain.Session) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(session).Error
}

func (r *Repository) MarkStopped(ctx context.Context, sessionID string, exitCode *int) (bool, error) {
	result := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("id = ? AND status = ?", sessionID, domain.SessionStatusRunning).
		Updates(map[string]interface{}{
			"status":     domain.SessionStatusStopped,
			"exit_code":  exitCode,
			"stopped_at": time.Now(),
			"updated_at": gorm.Expr("NOW()"),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *Repository) MarkCrashed(ctx context.Context, sessionID string, errorText string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("id = ? AND status = ?", sessionID, domain.SessionStatusRunning).
		Updates(map[string]interface{}{
			"status":     domain.SessionStatusCrashed,
			"error_text": errorText,
			"stopped_at": time.Now(),
			"updated_at": gorm.Expr("NOW()"),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *Repository) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	if err := r.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ports.ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

// API key methods

func (r *Repository) GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	var key domain.APIKey
	if err := r.db.WithContext(ctx).Where("key_hash = ?", keyHash).First(&key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ports.ErrNotFound
		}
		return nil, err
	}
	return &key, nil
}

func (r *Repository) TouchLastUsed(ctx context.Context, keyID string) error {
	return r.db.WithContext(ctx).Model(&domain.APIKey{}).Where("id = ?", keyID).
		Update("last_used_at", gorm.Expr("NOW()")).Error
}

// DB returns the underlying gorm DB instance
func (r *Repository) DB() *gorm.DB {
	return r.db
}
