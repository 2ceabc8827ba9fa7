// internal/inventory/handle.go
package inventory

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"lab-bench/internal/model"
	"lab-bench/internal/protocol"
)

// Handle is a claimed device as seen by a running test. Every call is
// dispatched onto the worker goroutine.
type Handle struct {
	worker   *Worker
	runID    uuid.UUID
	deviceID uuid.UUID
}

// Handle returns the call surface of a device claimed by runID
func (w *Worker) Handle(runID, deviceID uuid.UUID) *Handle {
	return &Handle{worker: w, runID: runID, deviceID: deviceID}
}

// DeviceID returns the device the handle points at
func (h *Handle) DeviceID() uuid.UUID {
	return h.deviceID
}

// withProtocol runs fn on the worker after checking the claim
func (h *Handle) withProtocol(ctx context.Context, fn func(ctx context.Context, p protocol.Protocol) error) error {
	return h.worker.do(ctx, func(ctx context.Context) error {
		e := h.worker.find(h.deviceID)
		if e == nil {
			return ErrDeviceNotFound
		}
		if e.proto == nil {
			return ErrNotIdentified
		}
		if e.inUseBy == nil || *e.inUseBy != h.runID {
			return ErrNotClaimed
		}
		return fn(ctx, e.proto)
	})
}

// Identity returns the decoded identity
func (h *Handle) Identity(ctx context.Context) (model.Identity, error) {
	var identity model.Identity
	err := h.withProtocol(ctx, func(_ context.Context, p protocol.Protocol) error {
		identity = copyIdentity(p.Identity())
		return nil
	})
	return identity, err
}

// Call performs one binary function call
func (h *Handle) Call(ctx context.Context, functionID uint8, args []byte) (protocol.Reply, error) {
	var reply protocol.Reply
	err := h.withProtocol(ctx, func(ctx context.Context, p protocol.Protocol) error {
		rpc, ok := p.(*protocol.RPC)
		if !ok {
			return ErrWrongProtocol
		}
		var err error
		reply, err = rpc.Call(ctx, functionID, args)
		return err
	})
	return reply, err
}

// TakeUnsolicited returns binary frames nobody asked for
func (h *Handle) TakeUnsolicited(ctx context.Context) ([]protocol.Reply, error) {
	var replies []protocol.Reply
	err := h.withProtocol(ctx, func(_ context.Context, p protocol.Protocol) error {
		rpc, ok := p.(*protocol.RPC)
		if !ok {
			return ErrWrongProtocol
		}
		replies = rpc.TakeUnsolicited()
		return nil
	})
	return replies, err
}

// GetParameter sends a text query and returns the answer
func (h *Handle) GetParameter(ctx context.Context, query string) (string, error) {
	var reply string
	err := h.withSCPI(ctx, func(ctx context.Context, scpi *protocol.SCPI) error {
		var err error
		reply, err = scpi.GetParameter(ctx, query)
		return err
	})
	return reply, err
}

// SetParameter sends a text command
func (h *Handle) SetParameter(ctx context.Context, command string) error {
	return h.withSCPI(ctx, func(ctx context.Context, scpi *protocol.SCPI) error {
		return scpi.SetParameter(ctx, command)
	})
}

// GetNumber sends a numeric text query; unparseable answers read as zero
func (h *Handle) GetNumber(ctx context.Context, query string) (decimal.Decimal, error) {
	value := decimal.Zero
	err := h.withSCPI(ctx, func(ctx context.Context, scpi *protocol.SCPI) error {
		value = scpi.GetNumber(ctx, query)
		return nil
	})
	return value, err
}

// TakeEvents returns and clears captured instrument events
func (h *Handle) TakeEvents(ctx context.Context) ([]string, error) {
	var events []string
	err := h.withSCPI(ctx, func(_ context.Context, scpi *protocol.SCPI) error {
		events = scpi.TakeEvents()
		return nil
	})
	return events, err
}

// Reading returns the latest counter value
func (h *Handle) Reading(ctx context.Context) (protocol.Reading, error) {
	var reading protocol.Reading
	err := h.withProtocol(ctx, func(_ context.Context, p protocol.Protocol) error {
		counter, ok := p.(*protocol.Counter)
		if !ok {
			return ErrWrongProtocol
		}
		reading = counter.Reading()
		return nil
	})
	return reading, err
}

func (h *Handle) withSCPI(ctx context.Context, fn func(ctx context.Context, scpi *protocol.SCPI) error) error {
	return h.withProtocol(ctx, func(ctx context.Context, p protocol.Protocol) error {
		scpi, ok := p.(*protocol.SCPI)
		if !ok {
			return ErrWrongProtocol
		}
		return fn(ctx, scpi)
	})
}
