// internal/repository/memory_repository.go
package repository

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"lab-bench/internal/model"
)

// memoryDeviceRepository keeps device records in process when the database is disabled
type memoryDeviceRepository struct {
	records *xsync.MapOf[string, model.DeviceRecord]
}

// NewMemoryDeviceRepository creates an in-process device repository
func NewMemoryDeviceRepository() DeviceRepository {
	return &memoryDeviceRepository{records: xsync.NewMapOf[string, model.DeviceRecord]()}
}

func (r *memoryDeviceRepository) Upsert(_ context.Context, record *model.DeviceRecord) error {
	r.records.Compute(record.Target, func(old model.DeviceRecord, loaded bool) (model.DeviceRecord, bool) {
		updated := *record
		updated.Extra = maps.Clone(record.Extra)
		updated.FirstSeen = record.LastSeen
		if loaded {
			updated.FirstSeen = old.FirstSeen
		}
		return updated, false
	})
	return nil
}

func (r *memoryDeviceRepository) GetByTarget(_ context.Context, target string) (*model.DeviceRecord, error) {
	record, ok := r.records.Load(target)
	if !ok {
		return nil, fmt.Errorf("%w: device %s", ErrNotFound, target)
	}
	return &record, nil
}

func (r *memoryDeviceRepository) List(_ context.Context, filter *DeviceFilter) ([]*model.DeviceRecord, error) {
	records := []*model.DeviceRecord{}
	r.records.Range(func(_ string, record model.DeviceRecord) bool {
		if filter != nil && filter.Protocol != nil && record.Protocol != *filter.Protocol {
			return true
		}
		if filter != nil && filter.Name != nil &&
			!strings.Contains(strings.ToLower(record.Name), strings.ToLower(*filter.Name)) {
			return true
		}
		records = append(records, &record)
		return true
	})

	slices.SortFunc(records, func(a, b *model.DeviceRecord) int {
		return b.LastSeen.Compare(a.LastSeen)
	})
	if filter != nil && filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records, nil
}

func (r *memoryDeviceRepository) Delete(_ context.Context, target string) error {
	if _, ok := r.records.LoadAndDelete(target); !ok {
		return fmt.Errorf("%w: device %s", ErrNotFound, target)
	}
	return nil
}

// memoryMatchRunRepository keeps match runs in process when the database is disabled
type memoryMatchRunRepository struct {
	runs *xsync.MapOf[uuid.UUID, model.MatchRun]
}

// NewMemoryMatchRunRepository creates an in-process match run repository
func NewMemoryMatchRunRepository() MatchRunRepository {
	return &memoryMatchRunRepository{runs: xsync.NewMapOf[uuid.UUID, model.MatchRun]()}
}

func (r *memoryMatchRunRepository) Create(_ context.Context, run *model.MatchRun) error {
	if _, loaded := r.runs.LoadOrStore(run.ID, *run); loaded {
		return fmt.Errorf("match run %s already exists", run.ID)
	}
	return nil
}

func (r *memoryMatchRunRepository) GetByID(_ context.Context, id uuid.UUID) (*model.MatchRun, error) {
	run, ok := r.runs.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: match run %s", ErrNotFound, id)
	}
	return &run, nil
}

func (r *memoryMatchRunRepository) MarkReleased(_ context.Context, id uuid.UUID, releasedAt time.Time) error {
	return r.update(id, func(run *model.MatchRun) {
		run.Status = model.MatchRunReleased
		run.ReleasedAt = &releasedAt
	})
}

func (r *memoryMatchRunRepository) MarkFailed(_ context.Context, id uuid.UUID, message string) error {
	return r.update(id, func(run *model.MatchRun) {
		run.Status = model.MatchRunFailed
		run.Message = message
	})
}

func (r *memoryMatchRunRepository) ListActive(_ context.Context) ([]*model.MatchRun, error) {
	runs := []*model.MatchRun{}
	r.runs.Range(func(_ uuid.UUID, run model.MatchRun) bool {
		if run.Status == model.MatchRunActive {
			runs = append(runs, &run)
		}
		return true
	})
	slices.SortFunc(runs, func(a, b *model.MatchRun) int {
		return cmp.Compare(b.CreatedAt.UnixNano(), a.CreatedAt.UnixNano())
	})
	return runs, nil
}

func (r *memoryMatchRunRepository) update(id uuid.UUID, fn func(run *model.MatchRun)) error {
	found := false
	r.runs.Compute(id, func(run model.MatchRun, loaded bool) (model.MatchRun, bool) {
		if !loaded {
			return run, true
		}
		found = true
		fn(&run)
		return run, false
	})
	if !found {
		return fmt.Errorf("%w: match run %s", ErrNotFound, id)
	}
	return nil
}
