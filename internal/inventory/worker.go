// internal/inventory/worker.go
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lab-bench/internal/channel"
	"lab-bench/internal/config"
	"lab-bench/internal/model"
	"lab-bench/internal/protocol"
	"lab-bench/internal/utils"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceInUse    = errors.New("device in use")
	ErrNotIdentified  = errors.New("device not identified")
	ErrNotClaimed     = errors.New("device not claimed by this run")
	ErrWrongProtocol  = errors.New("device speaks a different protocol")
	ErrWorkerStopped  = errors.New("inventory worker stopped")
)

// PortScanner enumerates the ports currently attached
type PortScanner interface {
	ScanAll(ctx context.Context) ([]model.PortInfo, error)
}

// Publisher receives inventory events. Publish must not block.
type Publisher interface {
	Publish(eventType model.EventType, source string, data map[string]interface{})
}

// Options configures a Worker
type Options struct {
	Config   *config.DeviceConfig
	Scanner  PortScanner
	Registry *protocol.Registry
	Settings *config.ProtocolSettings
	Openers  map[model.TransportType]channel.Opener
	Observer channel.Observer
	Events   Publisher
	Logger   *zap.Logger
}

// task runs on the worker goroutine
type task func(ctx context.Context)

// Worker owns every channel and the device list. All hardware I/O happens
// on the goroutine running Run; other goroutines reach it through do and post.
// The worker keeps no reference to anything that could block on it in turn.
type Worker struct {
	cfg      *config.DeviceConfig
	scanner  PortScanner
	registry *protocol.Registry
	settings *config.ProtocolSettings
	openers  map[model.TransportType]channel.Opener
	observer channel.Observer
	events   Publisher
	base     *zap.Logger
	logger   *utils.ServiceLogger

	tasks   chan task
	stopped chan struct{}

	// owned by the worker goroutine
	entries []*entry
}

// NewWorker creates a worker; call Run to start it
func NewWorker(opts Options) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:      opts.Config,
		scanner:  opts.Scanner,
		registry: opts.Registry,
		settings: opts.Settings,
		openers:  opts.Openers,
		observer: opts.Observer,
		events:   opts.Events,
		base:     logger,
		logger:   utils.NewServiceLogger(logger, "inventory-worker"),
		tasks:    make(chan task),
		stopped:  make(chan struct{}),
	}
}

// Run processes tasks and polls idle channels until ctx is done.
// Every channel is closed on return.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Inventory worker started", zap.Duration("poll_interval", w.cfg.PollInterval))
	defer close(w.stopped)
	defer w.closeAll()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Inventory worker stopping")
			return
		case t := <-w.tasks:
			t(ctx)
		case <-ticker.C:
			w.pollPorts(ctx)
		}
	}
}

// Stopped is closed once Run returned
func (w *Worker) Stopped() <-chan struct{} {
	return w.stopped
}

// do runs fn on the worker and waits for its result. fn sees a context
// cancelled by either the caller or worker shutdown.
func (w *Worker) do(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan struct{})
	var err error

	t := func(workerCtx context.Context) {
		defer close(done)
		callCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(workerCtx, cancel)
		defer stop()

		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("Inventory task panicked", zap.Any("panic", r))
				err = fmt.Errorf("inventory task panicked: %v", r)
			}
		}()
		err = fn(callCtx)
	}

	select {
	case w.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopped:
		return ErrWorkerStopped
	}

	// the task is running on the worker now and always completes
	<-done
	return err
}

// post queues fn without waiting for it
func (w *Worker) post(fn func(ctx context.Context)) {
	go func() {
		select {
		case w.tasks <- fn:
		case <-w.stopped:
		}
	}()
}

// UpdateDevices enumerates ports and adds unseen targets as unclaimed entries
func (w *Worker) UpdateDevices(ctx context.Context) (int, error) {
	ports, err := w.scanner.ScanAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to scan ports: %w", err)
	}

	added := 0
	err = w.do(ctx, func(context.Context) error {
		added = w.addPorts(ports)
		return nil
	})
	return added, err
}

// DetectDevices probes every unclaimed entry and returns how many were identified
func (w *Worker) DetectDevices(ctx context.Context) (int, error) {
	identified := 0
	err := w.do(ctx, func(ctx context.Context) error {
		identified = w.detectAll(ctx)
		return nil
	})
	return identified, err
}

// DetectDevice probes one entry. An identified entry is returned unchanged.
func (w *Worker) DetectDevice(ctx context.Context, id uuid.UUID) (model.DeviceSnapshot, error) {
	var snapshot model.DeviceSnapshot
	err := w.do(ctx, func(ctx context.Context) error {
		e := w.find(id)
		if e == nil {
			return ErrDeviceNotFound
		}
		if e.inUseBy != nil {
			return ErrDeviceInUse
		}
		if e.proto == nil && !w.detect(ctx, e) {
			snapshot = e.snapshot()
			return ErrNotIdentified
		}
		snapshot = e.snapshot()
		return nil
	})
	return snapshot, err
}

// ForgetDevice closes and removes an entry
func (w *Worker) ForgetDevice(ctx context.Context, id uuid.UUID) error {
	return w.do(ctx, func(context.Context) error {
		for i, e := range w.entries {
			if e.id != id {
				continue
			}
			if e.inUseBy != nil {
				return ErrDeviceInUse
			}
			e.close()
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			w.publish(model.EventDeviceForgotten, e)
			w.logger.Info("Device forgotten", zap.String("target", e.port.Target))
			return nil
		}
		return ErrDeviceNotFound
	})
}

// Devices returns snapshots of every entry
func (w *Worker) Devices(ctx context.Context) ([]model.DeviceSnapshot, error) {
	var snapshots []model.DeviceSnapshot
	err := w.do(ctx, func(context.Context) error {
		snapshots = make([]model.DeviceSnapshot, 0, len(w.entries))
		for _, e := range w.entries {
			snapshots = append(snapshots, e.snapshot())
		}
		return nil
	})
	return snapshots, err
}

// Device returns a snapshot of one entry
func (w *Worker) Device(ctx context.Context, id uuid.UUID) (model.DeviceSnapshot, error) {
	var snapshot model.DeviceSnapshot
	err := w.do(ctx, func(context.Context) error {
		e := w.find(id)
		if e == nil {
			return ErrDeviceNotFound
		}
		snapshot = e.snapshot()
		return nil
	})
	return snapshot, err
}

// GetDevicesWithProtocol returns copies of identified, unclaimed devices
// speaking protocolType whose name matches one of patterns
func (w *Worker) GetDevicesWithProtocol(ctx context.Context, protocolType model.ProtocolType, patterns []string) ([]model.Candidate, error) {
	var candidates []model.Candidate
	err := w.do(ctx, func(context.Context) error {
		for _, e := range w.entries {
			if e.proto == nil || e.inUseBy != nil || e.proto.Type() != protocolType {
				continue
			}
			identity := e.proto.Identity()
			if !model.NameMatches(patterns, identity.Name) {
				continue
			}
			candidates = append(candidates, model.Candidate{
				DeviceID: e.id,
				Target:   e.port.Target,
				Protocol: protocolType,
				Identity: copyIdentity(identity),
			})
		}
		return nil
	})
	return candidates, err
}

// Claim marks devices as used by runID. Either every device is claimed or none.
func (w *Worker) Claim(ctx context.Context, runID uuid.UUID, ids []uuid.UUID) error {
	return w.do(ctx, func(context.Context) error {
		claimed := make([]*entry, 0, len(ids))
		for _, id := range ids {
			e := w.find(id)
			if e == nil {
				return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
			}
			if e.proto == nil {
				return fmt.Errorf("%w: %s", ErrNotIdentified, id)
			}
			if e.inUseBy != nil && *e.inUseBy != runID {
				return fmt.Errorf("%w: %s", ErrDeviceInUse, e.port.Target)
			}
			claimed = append(claimed, e)
		}
		for _, e := range claimed {
			owner := runID
			e.inUseBy = &owner
		}
		return nil
	})
}

// Release clears every in-use marker held by runID
func (w *Worker) Release(ctx context.Context, runID uuid.UUID) (int, error) {
	released := 0
	err := w.do(ctx, func(context.Context) error {
		for _, e := range w.entries {
			if e.inUseBy != nil && *e.inUseBy == runID {
				e.inUseBy = nil
				released++
			}
		}
		return nil
	})
	return released, err
}

// RequestRefresh scans and detects in the background
func (w *Worker) RequestRefresh(ctx context.Context) {
	go func() {
		ports, err := w.scanner.ScanAll(ctx)
		if err != nil {
			w.logger.Warn("Background scan failed", zap.Error(err))
			return
		}
		w.post(func(ctx context.Context) {
			w.addPorts(ports)
			w.detectAll(ctx)
		})
	}()
}

// addPorts runs on the worker
func (w *Worker) addPorts(ports []model.PortInfo) int {
	added := 0
	for _, port := range ports {
		if w.findTarget(port.Target) != nil {
			continue
		}
		e := &entry{id: uuid.New(), port: port}
		w.entries = append(w.entries, e)
		added++
		w.publish(model.EventDeviceAdded, e)
		w.logger.Info("Port added", zap.String("target", port.Target), zap.String("transport", string(port.Transport)))
	}
	return added
}

func (w *Worker) detectAll(ctx context.Context) int {
	identified := 0
	for _, e := range w.entries {
		if ctx.Err() != nil {
			break
		}
		if e.proto != nil || e.inUseBy != nil {
			continue
		}
		if w.detect(ctx, e) {
			identified++
		}
	}
	return identified
}

// detect tries every probe at every candidate baud rate until one succeeds
func (w *Worker) detect(ctx context.Context, e *entry) bool {
	opener, ok := w.openers[e.port.Transport]
	if !ok {
		w.logger.Warn("No opener for transport", zap.String("transport", string(e.port.Transport)))
		return false
	}
	if e.ch == nil {
		e.ch = channel.New(e.port.Target, e.port.Transport, opener, w.observer, w.cfg.ReadSlice, w.base)
	}

	now := time.Now()
	e.lastProbe = &now
	e.lastError = ""
	chLogger := utils.NewChannelLogger(w.base, e.port.Target, string(e.port.Transport))

	for _, probe := range w.registry.Probes() {
		bauds := w.baudRatesFor(e, probe.Type())
		if len(bauds) == 0 {
			w.logger.Debug("Protocol not configured for port",
				zap.String("target", e.port.Target),
				zap.String("protocol", string(probe.Type())),
			)
			continue
		}
		for _, baud := range bauds {
			if ctx.Err() != nil {
				e.ch.Close()
				return false
			}

			params := w.params(baud)
			if !e.ch.Connect(params) {
				e.lastError = fmt.Sprintf("failed to open %s at %s", e.port.Target, params)
				w.publish(model.EventDeviceConnectionError, e)
				continue
			}
			if !w.settle(ctx) {
				e.ch.Close()
				return false
			}

			start := time.Now()
			identified := w.safeProbe(ctx, probe, e.ch)
			chLogger.LogProbe(string(probe.Type()), baud, time.Since(start), identified)
			if identified {
				e.proto = probe
				e.baudRate = baud
				w.attachEvents(e)
				w.publish(model.EventDeviceIdentified, e)
				w.logger.Info("Device identified",
					zap.String("target", e.port.Target),
					zap.String("protocol", string(probe.Type())),
					zap.String("name", probe.Identity().Name),
				)
				return true
			}
			e.ch.Close()
		}
	}

	w.logger.Info("No protocol found", zap.String("target", e.port.Target))
	w.publish(model.EventDeviceUnidentified, e)
	return false
}

// safeProbe treats a panicking probe as a failed one
func (w *Worker) safeProbe(ctx context.Context, probe protocol.Protocol, ch *channel.Channel) (identified bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Probe panicked",
				zap.String("target", ch.Target()),
				zap.String("protocol", string(probe.Type())),
				zap.Any("panic", r),
			)
			ch.ClearReceived()
			identified = false
		}
	}()
	return probe.IsCorrectProtocol(ctx, ch)
}

func (w *Worker) settle(ctx context.Context) bool {
	if w.cfg.SettleDelay <= 0 {
		return true
	}
	timer := time.NewTimer(w.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// baudRatesFor returns the candidate bauds; USB ignores line parameters
func (w *Worker) baudRatesFor(e *entry, protocolType model.ProtocolType) []int {
	if e.port.Transport == model.TransportUSB {
		return []int{0}
	}
	return w.settings.BaudRatesFor(e.port.Target, string(protocolType), w.cfg.DefaultBaudRates)
}

func (w *Worker) params(baud int) channel.Params {
	return channel.Params{
		BaudRate: baud,
		DataBits: w.cfg.Serial.DataBits,
		StopBits: w.cfg.Serial.StopBits,
		Parity:   w.cfg.Serial.Parity,
	}
}

// attachEvents forwards instrument events to the bus
func (w *Worker) attachEvents(e *entry) {
	emitter, ok := e.proto.(protocol.EventEmitter)
	if !ok || w.events == nil {
		return
	}
	id, target := e.id, e.port.Target
	emitter.SetEventHandler(func(event string) {
		w.events.Publish(model.EventInstrumentEvent, "inventory", map[string]interface{}{
			"device_id": id.String(),
			"target":    target,
			"event":     event,
		})
	})
}

// pollPorts reads once from every connected idle channel so pushed data
// reaches the protocols without a reader per device
func (w *Worker) pollPorts(ctx context.Context) {
	for _, e := range w.entries {
		if e.proto == nil || e.ch == nil || !e.ch.IsOpen() || e.ch.IsPending() {
			continue
		}
		if !e.ch.WaitReceived(ctx, 0, 1) {
			continue
		}
		if poller, ok := e.proto.(protocol.Poller); ok {
			poller.Poll()
		} else {
			e.ch.ClearReceived()
		}
	}
}

func (w *Worker) find(id uuid.UUID) *entry {
	for _, e := range w.entries {
		if e.id == id {
			return e
		}
	}
	return nil
}

func (w *Worker) findTarget(target string) *entry {
	for _, e := range w.entries {
		if e.port.Target == target {
			return e
		}
	}
	return nil
}

func (w *Worker) publish(eventType model.EventType, e *entry) {
	if w.events == nil {
		return
	}
	data := map[string]interface{}{
		"device_id": e.id.String(),
		"target":    e.port.Target,
		"transport": string(e.port.Transport),
	}
	if e.proto != nil {
		data["protocol"] = string(e.proto.Type())
		data["name"] = e.proto.Identity().Name
	}
	if e.lastError != "" {
		data["error"] = e.lastError
	}
	w.events.Publish(eventType, "inventory", data)
}

func (w *Worker) closeAll() {
	for _, e := range w.entries {
		e.close()
	}
	w.logger.Info("Inventory worker stopped", zap.Int("devices", len(w.entries)))
}
