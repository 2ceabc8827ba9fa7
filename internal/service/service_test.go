package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lab-bench/internal/events"
	"lab-bench/internal/inventory"
	"lab-bench/internal/matcher"
	"lab-bench/internal/model"
	"lab-bench/internal/repository"
)

type fakeInventory struct {
	mu        sync.Mutex
	devices   map[uuid.UUID]model.DeviceSnapshot
	released  map[uuid.UUID]int
	refreshes int
}

func newFakeInventory(devices ...model.DeviceSnapshot) *fakeInventory {
	f := &fakeInventory{devices: make(map[uuid.UUID]model.DeviceSnapshot), released: make(map[uuid.UUID]int)}
	for _, d := range devices {
		f.devices[d.ID] = d
	}
	return f
}

func (f *fakeInventory) UpdateDevices(context.Context) (int, error) { return 2, nil }
func (f *fakeInventory) DetectDevices(context.Context) (int, error) { return 1, nil }

func (f *fakeInventory) DetectDevice(ctx context.Context, id uuid.UUID) (model.DeviceSnapshot, error) {
	return f.Device(ctx, id)
}

func (f *fakeInventory) ForgetDevice(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[id]; !ok {
		return inventory.ErrDeviceNotFound
	}
	delete(f.devices, id)
	return nil
}

func (f *fakeInventory) Devices(context.Context) ([]model.DeviceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DeviceSnapshot
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeInventory) Device(_ context.Context, id uuid.UUID) (model.DeviceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return model.DeviceSnapshot{}, inventory.ErrDeviceNotFound
	}
	return d, nil
}

func (f *fakeInventory) Release(_ context.Context, runID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[runID]++
	return 2, nil
}

func (f *fakeInventory) RequestRefresh(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
}

func (f *fakeInventory) Handle(runID, deviceID uuid.UUID) *inventory.Handle {
	return nil
}

type fakeMatcher struct {
	result    *matcher.Result
	err       error
	acceptors matcher.Acceptors
}

func (f *fakeMatcher) Match(_ context.Context, _ []model.Requirement, acceptors matcher.Acceptors) (*matcher.Result, error) {
	f.acceptors = acceptors
	return f.result, f.err
}

func startBus(t *testing.T) *events.Bus {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bus := events.NewBus(zap.NewNop())
	go bus.Start(ctx)
	return bus
}

func identifiedDevice() model.DeviceSnapshot {
	return model.DeviceSnapshot{
		ID:         uuid.New(),
		Target:     "/dev/ttyUSB0",
		Transport:  model.TransportSerial,
		Identified: true,
		Protocol:   model.ProtocolSCPI,
		BaudRate:   9600,
		Identity:   &model.Identity{Manufacturer: "HAMEG", Name: "HM8150", Serial: "SN1", Version: "1.0"},
	}
}

func TestInventoryService_RecordsIdentifiedDevices(t *testing.T) {
	device := identifiedDevice()
	inv := newFakeInventory(device)
	repo := repository.NewMemoryDeviceRepository()
	bus := startBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := NewInventoryService(inv, repo, bus, 0, zap.NewNop())
	svc.Start(ctx)

	bus.Publish(model.EventDeviceIdentified, "inventory", map[string]interface{}{"device_id": device.ID.String()})

	require.Eventually(t, func() bool {
		_, err := repo.GetByTarget(ctx, device.Target)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	history, err := svc.History(ctx, nil)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "HM8150", history[0].Name)
	assert.Equal(t, 9600, history[0].BaudRate)

	inv.mu.Lock()
	assert.Equal(t, 1, inv.refreshes)
	inv.mu.Unlock()
}

func TestInventoryService_Scan(t *testing.T) {
	inv := newFakeInventory(identifiedDevice())
	svc := NewInventoryService(inv, repository.NewMemoryDeviceRepository(), startBus(t), 0, zap.NewNop())

	result, err := svc.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &ScanResult{Added: 2, Identified: 1, Total: 1}, result)

	assert.ErrorIs(t, svc.ForgetDevice(context.Background(), uuid.New()), inventory.ErrDeviceNotFound)
}

func TestDeviceRecord_SkipsUnidentified(t *testing.T) {
	_, ok := deviceRecord(model.DeviceSnapshot{Target: "/dev/ttyUSB3"}, time.Now())
	assert.False(t, ok)

	record, ok := deviceRecord(identifiedDevice(), time.Now())
	require.True(t, ok)
	assert.Equal(t, model.ProtocolSCPI, record.Protocol)
}

func TestMatchService_Match(t *testing.T) {
	bus := startBus(t)
	completed := bus.Subscribe(model.EventMatchCompleted, model.EventMatchFailed)

	device := uuid.New()
	result := &matcher.Result{
		RunID:   uuid.New(),
		Success: true,
		Requirements: []matcher.RequirementResult{
			{Classification: model.FullDefined, Selected: []uuid.UUID{device}},
		},
	}
	fm := &fakeMatcher{result: result}
	inv := newFakeInventory()
	runs := repository.NewMemoryMatchRunRepository()
	svc := NewMatchService(fm, inv, inv, runs, bus, zap.NewNop())

	req := &MatchRequest{
		Requirements: []model.Requirement{{Protocol: model.ProtocolSCPI, Min: 1, Max: 1}},
		Acceptance:   map[model.ProtocolType]map[string]string{model.ProtocolSCPI: {"serial": "^SN"}},
	}
	got, err := svc.Match(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, result.RunID, got.RunID)
	require.Contains(t, fm.acceptors, model.ProtocolSCPI)

	run, err := runs.GetByID(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchRunActive, run.Status)
	assert.Equal(t, []uuid.UUID{device}, run.DeviceIDs)

	select {
	case event := <-completed:
		assert.Equal(t, model.EventMatchCompleted, event.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no match event published")
	}

	released, err := svc.Release(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, 2, released)

	_, err = svc.Release(context.Background(), result.RunID)
	assert.ErrorIs(t, err, ErrRunNotActive)
}

func TestMatchService_MatchFailure(t *testing.T) {
	runID := uuid.New()
	under := &matcher.UnderDefinedError{Shortfalls: []matcher.Shortfall{{Required: 1, Protocol: model.ProtocolRPC, Filter: "*"}}}
	fm := &fakeMatcher{result: &matcher.Result{RunID: runID}, err: under}
	runs := repository.NewMemoryMatchRunRepository()
	inv := newFakeInventory()
	svc := NewMatchService(fm, inv, inv, runs, startBus(t), zap.NewNop())

	_, err := svc.Match(context.Background(), &MatchRequest{
		Requirements: []model.Requirement{{Protocol: model.ProtocolRPC, Min: 1, Max: 1}},
	})
	var target *matcher.UnderDefinedError
	require.ErrorAs(t, err, &target)

	run, err := runs.GetByID(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchRunFailed, run.Status)
	assert.NotEmpty(t, run.Message)
}

func TestBuildAcceptors(t *testing.T) {
	acceptors, err := buildAcceptors(nil)
	require.NoError(t, err)
	assert.Nil(t, acceptors)

	_, err = buildAcceptors(map[model.ProtocolType]map[string]string{"modbus": {"name": "x"}})
	assert.Error(t, err)

	_, err = buildAcceptors(map[model.ProtocolType]map[string]string{model.ProtocolSCPI: {"name": "("}})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrRunNotActive))
}
