// internal/matcher/matcher.go
package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lab-bench/internal/model"
	"lab-bench/internal/utils"
)

var (
	ErrSelectionCancelled  = errors.New("device selection cancelled")
	ErrSelectionIncomplete = errors.New("device selection left requirements unresolved")
	ErrNoSelector          = errors.New("requirements need manual selection but no selector is available")
	ErrDuplicateDevice     = errors.New("device selected for more than one requirement")
)

// Inventory is the part of the device inventory the matcher reads from
type Inventory interface {
	GetDevicesWithProtocol(ctx context.Context, protocolType model.ProtocolType, patterns []string) ([]model.Candidate, error)
	Claim(ctx context.Context, runID uuid.UUID, ids []uuid.UUID) error
}

// AcceptFunc vetoes a structurally matching device. A non-empty reason
// rejects the candidate; an error rejects it as well and is logged.
type AcceptFunc func(identity map[string]string) (reason string, err error)

// Acceptors holds the acceptance callback of each protocol
type Acceptors map[model.ProtocolType]AcceptFunc

// Rejection is a candidate vetoed by an acceptance callback
type Rejection struct {
	Candidate model.Candidate `json:"candidate"`
	Reason    string          `json:"reason"`
}

// RequirementResult is the outcome for one requirement
type RequirementResult struct {
	Requirement    model.Requirement    `json:"requirement"`
	Classification model.Classification `json:"classification"`
	Candidates     []model.Candidate    `json:"candidates"`
	Rejected       []Rejection          `json:"rejected,omitempty"`
	Selected       []uuid.UUID          `json:"selected"`
}

// Result is the outcome of one match run
type Result struct {
	RunID        uuid.UUID           `json:"run_id"`
	Success      bool                `json:"success"`
	Interactive  bool                `json:"interactive"`
	Requirements []RequirementResult `json:"requirements"`
}

// DeviceIDs returns every selected device
func (r *Result) DeviceIDs() []uuid.UUID {
	var ids []uuid.UUID
	for _, requirement := range r.Requirements {
		ids = append(ids, requirement.Selected...)
	}
	return ids
}

// Shortfall describes one requirement without enough acceptable devices
type Shortfall struct {
	Index    int                `json:"index"`
	Required int                `json:"required"`
	Protocol model.ProtocolType `json:"protocol"`
	Filter   string             `json:"filter"`
	Actual   int                `json:"actual"`
}

// UnderDefinedError reports every requirement that cannot be satisfied
type UnderDefinedError struct {
	Shortfalls []Shortfall
}

func (e *UnderDefinedError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("requirement %d needs %d %s device(s) named %s, found %d",
			s.Index, s.Required, s.Protocol, s.Filter, s.Actual))
	}
	return "under-defined requirements: " + strings.Join(parts, "; ")
}

// Matcher resolves requirement lists against the inventory
type Matcher struct {
	inventory Inventory
	selector  Selector
	logger    *zap.Logger
}

// New creates a matcher. selector may be nil, in which case over-defined
// requirements fail the match.
func New(inventory Inventory, selector Selector, logger *zap.Logger) *Matcher {
	return &Matcher{
		inventory: inventory,
		selector:  selector,
		logger:    logger.With(zap.String("component", "matcher")),
	}
}

// Match resolves requirements. On success the selected devices are claimed
// under the returned run id. No state is kept between calls.
func (m *Matcher) Match(ctx context.Context, requirements []model.Requirement, acceptors Acceptors) (*Result, error) {
	result := &Result{RunID: uuid.New()}
	opLogger := utils.NewOperationLogger(m.logger, "device_match", result.RunID.String())
	opLogger.Start(zap.Int("requirements", len(requirements)))

	for i, requirement := range requirements {
		if err := requirement.Validate(); err != nil {
			return result, fmt.Errorf("invalid requirement %d: %w", i, err)
		}
	}

	overDefined := false
	var shortfalls []Shortfall
	for i, requirement := range requirements {
		reqResult, err := m.evaluate(ctx, requirement, acceptors[requirement.Protocol])
		if err != nil {
			opLogger.Error(err)
			return result, fmt.Errorf("failed to evaluate requirement %d: %w", i, err)
		}
		result.Requirements = append(result.Requirements, reqResult)

		switch reqResult.Classification {
		case model.UnderDefined:
			shortfalls = append(shortfalls, Shortfall{
				Index:    i,
				Required: requirement.Min,
				Protocol: requirement.Protocol,
				Filter:   requirement.Filter(),
				Actual:   len(reqResult.Candidates),
			})
		case model.OverDefined:
			overDefined = true
		}
	}

	if len(shortfalls) > 0 {
		err := &UnderDefinedError{Shortfalls: shortfalls}
		opLogger.Error(err)
		return result, err
	}

	if overDefined {
		if err := m.resolveManually(ctx, result); err != nil {
			opLogger.Error(err)
			return result, err
		}
	}

	ids := result.DeviceIDs()
	if err := checkDistinct(ids); err != nil {
		opLogger.Error(err)
		return result, err
	}
	if err := m.inventory.Claim(ctx, result.RunID, ids); err != nil {
		opLogger.Error(err)
		return result, fmt.Errorf("failed to claim devices: %w", err)
	}

	result.Success = true
	opLogger.Success(zap.Int("devices", len(ids)), zap.Bool("interactive", result.Interactive))
	return result, nil
}

// evaluate collects, filters and classifies the candidates of one requirement
func (m *Matcher) evaluate(ctx context.Context, requirement model.Requirement, accept AcceptFunc) (RequirementResult, error) {
	result := RequirementResult{Requirement: requirement}

	candidates, err := m.inventory.GetDevicesWithProtocol(ctx, requirement.Protocol, requirement.NamePatterns)
	if err != nil {
		return result, err
	}

	for _, candidate := range candidates {
		if reason, rejected := m.rejects(accept, candidate); rejected {
			result.Rejected = append(result.Rejected, Rejection{Candidate: candidate, Reason: reason})
			m.logger.Info("Candidate rejected",
				zap.String("target", candidate.Target),
				zap.String("name", candidate.Identity.Name),
				zap.String("reason", reason),
			)
			continue
		}
		result.Candidates = append(result.Candidates, candidate)
	}

	result.Classification = model.Classify(len(result.Candidates), requirement.Min, requirement.Max)
	if result.Classification == model.FullDefined {
		for _, candidate := range result.Candidates {
			result.Selected = append(result.Selected, candidate.DeviceID)
		}
	}
	return result, nil
}

// rejects runs the acceptance callback; errors and panics reject only this candidate
func (m *Matcher) rejects(accept AcceptFunc, candidate model.Candidate) (reason string, rejected bool) {
	if accept == nil {
		return "", false
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Acceptance callback panicked",
				zap.String("target", candidate.Target),
				zap.Any("panic", r),
			)
			reason = fmt.Sprintf("acceptance check panicked: %v", r)
			rejected = true
		}
	}()

	reason, err := accept(candidate.Identity.Table())
	if err != nil {
		m.logger.Error("Acceptance callback failed",
			zap.String("target", candidate.Target),
			zap.Error(err),
		)
		return fmt.Sprintf("acceptance check failed: %v", err), true
	}
	return reason, reason != ""
}

// resolveManually hands every requirement to the selector and reclassifies
func (m *Matcher) resolveManually(ctx context.Context, result *Result) error {
	if m.selector == nil {
		return ErrNoSelector
	}
	result.Interactive = true

	selection := newSelection(result.Requirements)
	confirmed, err := m.selector.Select(ctx, selection)
	if err != nil {
		return fmt.Errorf("device selection failed: %w", err)
	}
	if !confirmed {
		return ErrSelectionCancelled
	}

	complete := true
	for i := range result.Requirements {
		result.Requirements[i].Selected = selection.Selected(i)
		result.Requirements[i].Classification = selection.Classification(i)
		if result.Requirements[i].Classification != model.FullDefined {
			complete = false
		}
	}
	if !complete {
		return ErrSelectionIncomplete
	}
	return nil
}

func checkDistinct(ids []uuid.UUID) error {
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return fmt.Errorf("%w: %s", ErrDuplicateDevice, id)
		}
		seen[id] = true
	}
	return nil
}
