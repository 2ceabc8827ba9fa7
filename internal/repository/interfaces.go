// internal/repository/interfaces.go
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"lab-bench/internal/model"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// DeviceRepository defines identified device data access operations
type DeviceRepository interface {
	// Upsert records a device under its target, keeping first_seen
	Upsert(ctx context.Context, record *model.DeviceRecord) error
	GetByTarget(ctx context.Context, target string) (*model.DeviceRecord, error)
	List(ctx context.Context, filter *DeviceFilter) ([]*model.DeviceRecord, error)
	Delete(ctx context.Context, target string) error
}

// MatchRunRepository defines match run data access operations
type MatchRunRepository interface {
	Create(ctx context.Context, run *model.MatchRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.MatchRun, error)
	MarkReleased(ctx context.Context, id uuid.UUID, releasedAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
	ListActive(ctx context.Context) ([]*model.MatchRun, error)
}

// DeviceFilter represents device filtering options
type DeviceFilter struct {
	Protocol *model.ProtocolType
	Name     *string
	Limit    int
}
