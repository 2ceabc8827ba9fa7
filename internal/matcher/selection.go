// internal/matcher/selection.go
package matcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"lab-bench/internal/model"
)

// Selector lets an operator resolve over-defined requirements.
// Select returns false when the operator cancelled.
type Selector interface {
	Select(ctx context.Context, selection *Selection) (bool, error)
}

// SelectorFunc adapts a function to Selector
type SelectorFunc func(ctx context.Context, selection *Selection) (bool, error)

// Select calls f
func (f SelectorFunc) Select(ctx context.Context, selection *Selection) (bool, error) {
	return f(ctx, selection)
}

type selectionItem struct {
	requirement model.Requirement
	candidates  []model.Candidate
	selected    map[uuid.UUID]bool
}

// Selection is the checkbox state of every requirement during manual
// resolution. It is safe for concurrent use.
type Selection struct {
	mu    sync.Mutex
	items []*selectionItem
}

// CandidateView is one checkbox
type CandidateView struct {
	model.Candidate
	Selected bool `json:"selected"`
}

// RequirementView is one requirement with its checkboxes
type RequirementView struct {
	Index          int                  `json:"index"`
	Requirement    model.Requirement    `json:"requirement"`
	Classification model.Classification `json:"classification"`
	Candidates     []CandidateView      `json:"candidates"`
}

// SelectionView is a copy of the selection state
type SelectionView struct {
	Requirements []RequirementView `json:"requirements"`
	Complete     bool              `json:"complete"`
}

// newSelection starts from the automatic selection of every requirement
func newSelection(results []RequirementResult) *Selection {
	selection := &Selection{}
	for _, result := range results {
		item := &selectionItem{
			requirement: result.Requirement,
			candidates:  result.Candidates,
			selected:    make(map[uuid.UUID]bool),
		}
		for _, id := range result.Selected {
			item.selected[id] = true
		}
		selection.items = append(selection.items, item)
	}
	return selection
}

// Toggle flips one checkbox. Selecting a candidate of a requirement with
// max 1 deselects the others.
func (s *Selection) Toggle(index int, deviceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.item(index, deviceID)
	if err != nil {
		return err
	}
	item.set(deviceID, !item.selected[deviceID])
	return nil
}

// Set selects or deselects one candidate
func (s *Selection) Set(index int, deviceID uuid.UUID, selected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.item(index, deviceID)
	if err != nil {
		return err
	}
	item.set(deviceID, selected)
	return nil
}

// Selected returns the selected device ids of one requirement in candidate order
func (s *Selection) Selected(index int) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.items) {
		return nil
	}
	return s.items[index].selectedIDs()
}

// Classification reclassifies one requirement against its current selection
func (s *Selection) Classification(index int) model.Classification {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.items) {
		return model.UnderDefined
	}
	return s.items[index].classify()
}

// Complete reports whether every requirement is full-defined
func (s *Selection) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete()
}

// Len returns the number of requirements
func (s *Selection) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// View returns a copy of the whole selection state
func (s *Selection) View() SelectionView {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := SelectionView{Complete: s.complete()}
	for i, item := range s.items {
		requirement := RequirementView{
			Index:          i,
			Requirement:    item.requirement,
			Classification: item.classify(),
			Candidates:     make([]CandidateView, 0, len(item.candidates)),
		}
		for _, candidate := range item.candidates {
			requirement.Candidates = append(requirement.Candidates, CandidateView{
				Candidate: candidate,
				Selected:  item.selected[candidate.DeviceID],
			})
		}
		view.Requirements = append(view.Requirements, requirement)
	}
	return view
}

func (s *Selection) complete() bool {
	for _, item := range s.items {
		if item.classify() != model.FullDefined {
			return false
		}
	}
	return true
}

func (s *Selection) item(index int, deviceID uuid.UUID) (*selectionItem, error) {
	if index < 0 || index >= len(s.items) {
		return nil, fmt.Errorf("requirement index %d out of range", index)
	}
	item := s.items[index]
	for _, candidate := range item.candidates {
		if candidate.DeviceID == deviceID {
			return item, nil
		}
	}
	return nil, fmt.Errorf("device %s is not a candidate of requirement %d", deviceID, index)
}

func (i *selectionItem) set(deviceID uuid.UUID, selected bool) {
	if !selected {
		delete(i.selected, deviceID)
		return
	}
	if i.requirement.Max == 1 {
		clear(i.selected)
	}
	i.selected[deviceID] = true
}

func (i *selectionItem) selectedIDs() []uuid.UUID {
	var ids []uuid.UUID
	for _, candidate := range i.candidates {
		if i.selected[candidate.DeviceID] {
			ids = append(ids, candidate.DeviceID)
		}
	}
	return ids
}

func (i *selectionItem) classify() model.Classification {
	return model.Classify(len(i.selected), i.requirement.Min, i.requirement.Max)
}
