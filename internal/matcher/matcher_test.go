package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lab-bench/internal/model"
)

type fakeInventory struct {
	candidates map[model.ProtocolType][]model.Candidate
	inUse      map[uuid.UUID]uuid.UUID
	claimErr   error
}

func newFakeInventory() *fakeInventory {
	return &fakeInventory{
		candidates: make(map[model.ProtocolType][]model.Candidate),
		inUse:      make(map[uuid.UUID]uuid.UUID),
	}
}

func (f *fakeInventory) add(protocol model.ProtocolType, name, serial string) model.Candidate {
	candidate := model.Candidate{
		DeviceID: uuid.New(),
		Target:   "/dev/tty" + name,
		Protocol: protocol,
		Identity: model.Identity{Manufacturer: "ACME", Name: name, Serial: serial},
	}
	f.candidates[protocol] = append(f.candidates[protocol], candidate)
	return candidate
}

func (f *fakeInventory) GetDevicesWithProtocol(_ context.Context, protocol model.ProtocolType, patterns []string) ([]model.Candidate, error) {
	var out []model.Candidate
	for _, candidate := range f.candidates[protocol] {
		if _, used := f.inUse[candidate.DeviceID]; used {
			continue
		}
		if model.NameMatches(patterns, candidate.Identity.Name) {
			out = append(out, candidate)
		}
	}
	return out, nil
}

func (f *fakeInventory) Claim(_ context.Context, runID uuid.UUID, ids []uuid.UUID) error {
	if f.claimErr != nil {
		return f.claimErr
	}
	for _, id := range ids {
		f.inUse[id] = runID
	}
	return nil
}

func scpi(min, max int, patterns ...string) model.Requirement {
	return model.Requirement{Protocol: model.ProtocolSCPI, NamePatterns: patterns, Min: min, Max: max}
}

func noSelector(t *testing.T) Selector {
	return SelectorFunc(func(context.Context, *Selection) (bool, error) {
		t.Fatal("selector must not be called")
		return false, nil
	})
}

func TestMatch_Classification(t *testing.T) {
	tests := []struct {
		description    string
		devices        int
		classification model.Classification
		selected       int
	}{
		{"no candidates is under-defined", 0, model.UnderDefined, 0},
		{"one candidate is full-defined and auto-selected", 1, model.FullDefined, 1},
		{"two candidates is over-defined with nothing selected", 2, model.OverDefined, 0},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			inventory := newFakeInventory()
			for i := 0; i < tt.devices; i++ {
				inventory.add(model.ProtocolSCPI, "DMM", "")
			}

			var seen *Selection
			selector := SelectorFunc(func(_ context.Context, selection *Selection) (bool, error) {
				seen = selection
				return false, nil
			})

			result, _ := New(inventory, selector, zap.NewNop()).Match(context.Background(), []model.Requirement{scpi(1, 1)}, nil)
			require.Len(t, result.Requirements, 1)

			if tt.classification == model.OverDefined {
				require.NotNil(t, seen)
				assert.Equal(t, model.OverDefined, seen.Classification(0))
				assert.Empty(t, seen.Selected(0))
				return
			}
			assert.Equal(t, tt.classification, result.Requirements[0].Classification)
			assert.Len(t, result.Requirements[0].Selected, tt.selected)
		})
	}
}

func TestMatch_FullDefinedClaimsDevices(t *testing.T) {
	inventory := newFakeInventory()
	psu := inventory.add(model.ProtocolSCPI, "HM8150", "")
	dmm := inventory.add(model.ProtocolSCPI, "U1252B", "SN123")
	counter := inventory.add(model.ProtocolCounter, "counter", "")

	requirements := []model.Requirement{
		scpi(1, 1, "HM*"),
		scpi(1, 2, "U125*"),
		{Protocol: model.ProtocolCounter, Min: 0, Max: 1},
	}

	result, err := New(inventory, noSelector(t), zap.NewNop()).Match(context.Background(), requirements, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Interactive)

	expected := []uuid.UUID{psu.DeviceID, dmm.DeviceID, counter.DeviceID}
	if diff := cmp.Diff(expected, result.DeviceIDs()); diff != "" {
		t.Errorf("selected devices mismatch (-want +got):\n%s", diff)
	}
	for _, id := range expected {
		assert.Equal(t, result.RunID, inventory.inUse[id])
	}

	// claimed devices are not offered to the next run
	_, err = New(inventory, noSelector(t), zap.NewNop()).Match(context.Background(), []model.Requirement{scpi(1, 1, "HM*")}, nil)
	var under *UnderDefinedError
	require.ErrorAs(t, err, &under)
}

func TestMatch_UnderDefinedReportsShortfalls(t *testing.T) {
	inventory := newFakeInventory()
	inventory.add(model.ProtocolSCPI, "HM8150", "")

	requirements := []model.Requirement{
		scpi(1, 1, "HM*"),
		scpi(2, 3, "U125*", "34401A"),
		{Protocol: model.ProtocolRPC, Min: 1, Max: 1},
	}

	result, err := New(inventory, noSelector(t), zap.NewNop()).Match(context.Background(), requirements, nil)
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Empty(t, inventory.inUse)

	var under *UnderDefinedError
	require.ErrorAs(t, err, &under)
	expected := []Shortfall{
		{Index: 1, Required: 2, Protocol: model.ProtocolSCPI, Filter: "U125*|34401A", Actual: 0},
		{Index: 2, Required: 1, Protocol: model.ProtocolRPC, Filter: "*", Actual: 0},
	}
	if diff := cmp.Diff(expected, under.Shortfalls); diff != "" {
		t.Errorf("shortfalls mismatch (-want +got):\n%s", diff)
	}
	assert.Contains(t, err.Error(), "needs 2 scpi device(s) named U125*|34401A, found 0")
}

func TestMatch_AcceptanceCallbacks(t *testing.T) {
	inventory := newFakeInventory()
	approved := inventory.add(model.ProtocolSCPI, "DMM", "SN-OK")
	inventory.add(model.ProtocolSCPI, "DMM", "SN-EXPIRED")
	inventory.add(model.ProtocolSCPI, "DMM", "SN-ERROR")
	inventory.add(model.ProtocolSCPI, "DMM", "SN-PANIC")

	acceptors := Acceptors{
		model.ProtocolSCPI: func(identity map[string]string) (string, error) {
			switch identity["serial"] {
			case "SN-EXPIRED":
				return "calibration expired", nil
			case "SN-ERROR":
				return "", errors.New("script error")
			case "SN-PANIC":
				panic("nil table access")
			}
			return "", nil
		},
	}

	result, err := New(inventory, noSelector(t), zap.NewNop()).Match(context.Background(), []model.Requirement{scpi(1, 1)}, acceptors)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{approved.DeviceID}, result.DeviceIDs())

	rejected := result.Requirements[0].Rejected
	require.Len(t, rejected, 3)
	assert.Equal(t, "calibration expired", rejected[0].Reason)
	assert.Contains(t, rejected[1].Reason, "script error")
	assert.Contains(t, rejected[2].Reason, "panicked")
}

func TestMatch_ManualSelection(t *testing.T) {
	inventory := newFakeInventory()
	a := inventory.add(model.ProtocolSCPI, "DMM", "A")
	b := inventory.add(model.ProtocolSCPI, "DMM", "B")
	inventory.add(model.ProtocolSCPI, "DMM", "C")
	psu := inventory.add(model.ProtocolRPC, "PSU", "")

	requirements := []model.Requirement{
		scpi(1, 1, "DMM"),
		{Protocol: model.ProtocolRPC, Min: 1, Max: 1},
	}

	selector := SelectorFunc(func(_ context.Context, selection *Selection) (bool, error) {
		view := selection.View()
		require.Len(t, view.Requirements, 2)
		assert.False(t, view.Complete)
		assert.Equal(t, model.FullDefined, view.Requirements[1].Classification)
		assert.True(t, view.Requirements[1].Candidates[0].Selected)

		require.NoError(t, selection.Toggle(0, a.DeviceID))
		require.NoError(t, selection.Toggle(0, b.DeviceID))
		assert.Equal(t, []uuid.UUID{b.DeviceID}, selection.Selected(0))
		assert.True(t, selection.Complete())
		return true, nil
	})

	result, err := New(inventory, selector, zap.NewNop()).Match(context.Background(), requirements, nil)
	require.NoError(t, err)
	assert.True(t, result.Interactive)
	assert.Equal(t, []uuid.UUID{b.DeviceID, psu.DeviceID}, result.DeviceIDs())
	assert.Equal(t, model.FullDefined, result.Requirements[0].Classification)
}

func TestMatch_ManualSelectionFailures(t *testing.T) {
	setup := func() (*fakeInventory, []model.Requirement) {
		inventory := newFakeInventory()
		inventory.add(model.ProtocolSCPI, "DMM", "A")
		inventory.add(model.ProtocolSCPI, "DMM", "B")
		return inventory, []model.Requirement{scpi(1, 1)}
	}

	tests := []struct {
		description string
		selector    Selector
		wantErr     error
	}{
		{
			description: "operator cancels",
			selector:    SelectorFunc(func(context.Context, *Selection) (bool, error) { return false, nil }),
			wantErr:     ErrSelectionCancelled,
		},
		{
			description: "operator confirms without choosing",
			selector:    SelectorFunc(func(context.Context, *Selection) (bool, error) { return true, nil }),
			wantErr:     ErrSelectionIncomplete,
		},
		{
			description: "selector fails",
			selector:    SelectorFunc(func(context.Context, *Selection) (bool, error) { return false, context.DeadlineExceeded }),
			wantErr:     context.DeadlineExceeded,
		},
		{
			description: "no selector",
			selector:    nil,
			wantErr:     ErrNoSelector,
		},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			inventory, requirements := setup()
			result, err := New(inventory, tt.selector, zap.NewNop()).Match(context.Background(), requirements, nil)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, result.Success)
			assert.Empty(t, inventory.inUse)
		})
	}
}

func TestMatch_InvalidRequirementAndClaimFailure(t *testing.T) {
	inventory := newFakeInventory()
	inventory.add(model.ProtocolSCPI, "DMM", "A")

	_, err := New(inventory, nil, zap.NewNop()).Match(context.Background(), []model.Requirement{scpi(2, 1)}, nil)
	assert.Error(t, err)

	inventory.claimErr = errors.New("device in use")
	_, err = New(inventory, nil, zap.NewNop()).Match(context.Background(), []model.Requirement{scpi(1, 1)}, nil)
	assert.ErrorContains(t, err, "failed to claim devices")
}

func TestMatch_DeviceCannotServeTwoRequirements(t *testing.T) {
	inventory := newFakeInventory()
	inventory.add(model.ProtocolSCPI, "DMM", "A")

	_, err := New(inventory, nil, zap.NewNop()).Match(context.Background(), []model.Requirement{scpi(1, 1), scpi(1, 1)}, nil)
	assert.ErrorIs(t, err, ErrDuplicateDevice)
	assert.Empty(t, inventory.inUse)
}

func TestFieldRules(t *testing.T) {
	accept, err := FieldRules(map[string]string{"serial": "^SN", "version": `^V2\.`})
	require.NoError(t, err)

	reason, err := accept(map[string]string{"serial": "SN123", "version": "V2.18"})
	require.NoError(t, err)
	assert.Empty(t, reason)

	reason, err = accept(map[string]string{"serial": "SN123", "version": "V1.0"})
	require.NoError(t, err)
	assert.Contains(t, reason, "version")

	reason, _ = accept(map[string]string{})
	assert.Contains(t, reason, "serial")

	_, err = FieldRules(map[string]string{"name": "("})
	assert.Error(t, err)
}
