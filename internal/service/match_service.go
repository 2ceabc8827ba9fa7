// internal/service/match_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lab-bench/internal/events"
	"lab-bench/internal/inventory"
	"lab-bench/internal/matcher"
	"lab-bench/internal/model"
	"lab-bench/internal/repository"
	"lab-bench/internal/utils"
)

// ErrRunNotActive is returned when releasing a run that holds no devices
var ErrRunNotActive = errors.New("match run is not active")

// Matcher resolves requirement lists into claimed devices
type Matcher interface {
	Match(ctx context.Context, requirements []model.Requirement, acceptors matcher.Acceptors) (*matcher.Result, error)
}

// HandleFactory hands out the call surface of claimed devices
type HandleFactory interface {
	Handle(runID, deviceID uuid.UUID) *inventory.Handle
}

// MatchRequest is a test's device requirement list
type MatchRequest struct {
	Requirements []model.Requirement `json:"requirements" binding:"required,min=1"`
	// Acceptance maps a protocol to identity field rules, e.g. {"scpi": {"serial": "^SN"}}
	Acceptance map[model.ProtocolType]map[string]string `json:"acceptance,omitempty"`
}

// MatchService runs the matcher and tracks the runs holding devices
type MatchService struct {
	matcher   Matcher
	inventory DeviceInventory
	handles   HandleFactory
	runRepo   repository.MatchRunRepository
	bus       *events.Bus
	logger    *utils.ServiceLogger
}

// NewMatchService creates a new match service instance
func NewMatchService(
	matcher Matcher,
	inventory DeviceInventory,
	handles HandleFactory,
	runRepo repository.MatchRunRepository,
	bus *events.Bus,
	logger *zap.Logger,
) *MatchService {
	return &MatchService{
		matcher:   matcher,
		inventory: inventory,
		handles:   handles,
		runRepo:   runRepo,
		bus:       bus,
		logger:    utils.NewServiceLogger(logger, "match-service"),
	}
}

// Match resolves the requirements and records the run.
// The result is returned alongside the error so callers can report shortfalls.
func (s *MatchService) Match(ctx context.Context, req *MatchRequest) (*matcher.Result, error) {
	acceptors, err := buildAcceptors(req.Acceptance)
	if err != nil {
		return nil, err
	}

	result, matchErr := s.matcher.Match(ctx, req.Requirements, acceptors)
	if result == nil {
		return nil, matchErr
	}

	run := &model.MatchRun{
		ID:           result.RunID,
		Status:       model.MatchRunActive,
		Requirements: req.Requirements,
		DeviceIDs:    result.DeviceIDs(),
		CreatedAt:    time.Now(),
	}
	if matchErr != nil {
		run.Status = model.MatchRunFailed
		run.Message = matchErr.Error()
		run.DeviceIDs = nil
	}
	if err := s.runRepo.Create(ctx, run); err != nil {
		s.logger.Error("Failed to record match run", zap.String("run_id", run.ID.String()), zap.Error(err))
	}

	data := map[string]interface{}{
		"run_id":      result.RunID.String(),
		"interactive": result.Interactive,
	}
	if matchErr != nil {
		data["error"] = matchErr.Error()
		s.bus.Publish(model.EventMatchFailed, "matcher", data)
		return result, matchErr
	}

	data["devices"] = len(run.DeviceIDs)
	s.bus.Publish(model.EventMatchCompleted, "matcher", data)
	return result, nil
}

// Release frees every device claimed by a run
func (s *MatchService) Release(ctx context.Context, runID uuid.UUID) (int, error) {
	if run, err := s.runRepo.GetByID(ctx, runID); err == nil && run.Status != model.MatchRunActive {
		return 0, fmt.Errorf("%w: %s is %s", ErrRunNotActive, runID, run.Status)
	}

	released, err := s.inventory.Release(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to release devices: %w", err)
	}

	if err := s.runRepo.MarkReleased(ctx, runID, time.Now()); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("Failed to mark match run released", zap.String("run_id", runID.String()), zap.Error(err))
	}

	s.bus.Publish(model.EventMatchReleased, "matcher", map[string]interface{}{
		"run_id":   runID.String(),
		"released": released,
	})
	s.logger.Info("Match run released", zap.String("run_id", runID.String()), zap.Int("devices", released))
	return released, nil
}

// Device returns the call surface of a device claimed by runID.
// Claim checks happen on every call.
func (s *MatchService) Device(runID, deviceID uuid.UUID) *inventory.Handle {
	return s.handles.Handle(runID, deviceID)
}

// ActiveRuns lists the runs still holding devices
func (s *MatchService) ActiveRuns(ctx context.Context) ([]*model.MatchRun, error) {
	runs, err := s.runRepo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list match runs: %w", err)
	}
	return runs, nil
}

func buildAcceptors(rules map[model.ProtocolType]map[string]string) (matcher.Acceptors, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	acceptors := make(matcher.Acceptors, len(rules))
	for protocolType, fields := range rules {
		if _, err := model.ParseProtocolType(string(protocolType)); err != nil {
			return nil, err
		}
		accept, err := matcher.FieldRules(fields)
		if err != nil {
			return nil, fmt.Errorf("invalid acceptance rules for %s: %w", protocolType, err)
		}
		acceptors[protocolType] = accept
	}
	return acceptors, nil
}
