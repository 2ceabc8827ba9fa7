// internal/protocol/protocol.go
package protocol

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"lab-bench/internal/channel"
	"lab-bench/internal/config"
	"lab-bench/internal/model"
)

var (
	// ErrNotIdentified is returned by calls on a protocol that never passed its probe
	ErrNotIdentified = errors.New("protocol not identified")
	// ErrReplyTimeout is returned when an instrument did not answer in time
	ErrReplyTimeout = errors.New("reply timeout")
)

// Protocol identifies and talks to the instrument behind one channel
type Protocol interface {
	// Type returns the protocol tag
	Type() model.ProtocolType

	// IsCorrectProtocol runs the handshake. On failure the channel buffer is left empty.
	IsCorrectProtocol(ctx context.Context, ch *channel.Channel) bool

	// Identity returns the decoded identity after a successful probe
	Identity() model.Identity

	// Channel returns the bound channel, nil before identification
	Channel() *channel.Channel
}

// Poller is implemented by protocols that consume unsolicited bytes
// picked up by the periodic background read
type Poller interface {
	Poll()
}

// EventEmitter is implemented by protocols that surface instrument events
type EventEmitter interface {
	SetEventHandler(handler func(event string))
}

// Factory creates an unprobed protocol instance
type Factory func() Protocol

// Registry holds protocol factories in probe priority order
type Registry struct {
	order     []model.ProtocolType
	factories map[model.ProtocolType]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[model.ProtocolType]Factory),
	}
}

// DefaultRegistry registers the built-in probes in priority order RPC, SCPI, counter
func DefaultRegistry(cfg *config.DeviceConfig, logger *zap.Logger) *Registry {
	registry := NewRegistry()
	registry.Register(model.ProtocolRPC, func() Protocol {
		return NewRPC(cfg.RPC, FrameCodec{MaxPayload: cfg.RPC.MaxPayload}, logger)
	})
	registry.Register(model.ProtocolSCPI, func() Protocol {
		return NewSCPI(cfg.SCPI, logger)
	})
	registry.Register(model.ProtocolCounter, func() Protocol {
		return NewCounter(cfg.Counter, logger)
	})
	return registry
}

// Register adds a factory. Re-registering a type replaces the factory and keeps its position.
func (r *Registry) Register(protocolType model.ProtocolType, factory Factory) {
	if _, exists := r.factories[protocolType]; !exists {
		r.order = append(r.order, protocolType)
	}
	r.factories[protocolType] = factory
}

// Types returns the registered protocol types in priority order
func (r *Registry) Types() []model.ProtocolType {
	return append([]model.ProtocolType(nil), r.order...)
}

// Probes returns fresh protocol instances in priority order
func (r *Registry) Probes() []Protocol {
	probes := make([]Protocol, 0, len(r.order))
	for _, protocolType := range r.order {
		probes = append(probes, r.factories[protocolType]())
	}
	return probes
}

// Create returns a fresh instance of one protocol type
func (r *Registry) Create(protocolType model.ProtocolType) (Protocol, error) {
	factory, exists := r.factories[protocolType]
	if !exists {
		return nil, fmt.Errorf("unsupported protocol type: %s", protocolType)
	}
	return factory(), nil
}
