// internal/inventory/entry.go
package inventory

import (
	"maps"
	"time"

	"github.com/google/uuid"

	"lab-bench/internal/channel"
	"lab-bench/internal/model"
	"lab-bench/internal/protocol"
)

// entry is one port known to the worker. Only the worker goroutine touches it.
type entry struct {
	id        uuid.UUID
	port      model.PortInfo
	ch        *channel.Channel
	proto     protocol.Protocol
	baudRate  int
	inUseBy   *uuid.UUID
	lastProbe *time.Time
	lastError string
}

func (e *entry) snapshot() model.DeviceSnapshot {
	snapshot := model.DeviceSnapshot{
		ID:          e.id,
		Target:      e.port.Target,
		Transport:   e.port.Transport,
		Description: e.port.Description,
		Connected:   e.ch != nil && e.ch.IsOpen(),
		Identified:  e.proto != nil,
		LastError:   e.lastError,
	}
	if e.proto != nil {
		identity := copyIdentity(e.proto.Identity())
		snapshot.Protocol = e.proto.Type()
		snapshot.BaudRate = e.baudRate
		snapshot.Identity = &identity
	}
	if e.inUseBy != nil {
		owner := *e.inUseBy
		snapshot.InUseBy = &owner
	}
	if e.lastProbe != nil {
		probed := *e.lastProbe
		snapshot.LastProbe = &probed
	}
	return snapshot
}

// close releases the channel and drops the protocol instance
func (e *entry) close() {
	if e.ch != nil {
		e.ch.Close()
	}
	e.proto = nil
	e.baudRate = 0
}

func copyIdentity(identity model.Identity) model.Identity {
	identity.Extra = maps.Clone(identity.Extra)
	return identity
}
