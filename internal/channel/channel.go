// internal/channel/channel.go
package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lab-bench/internal/model"
	"lab-bench/internal/utils"
)

const (
	readChunkSize = 256
	maxZeroWrites = 3
)

// ErrNotConnected is returned when an operation needs an open port
var ErrNotConnected = errors.New("channel not connected")

// NotificationKind tells observers what happened on a channel
type NotificationKind int

const (
	NotifyConnected NotificationKind = iota
	NotifySent
	NotifyReceived
	NotifyDisconnected
)

// Notification describes one transfer or state change on a channel
type Notification struct {
	Kind    NotificationKind
	Target  string
	Data    []byte
	Display string
	Time    time.Time
}

// Observer receives channel notifications. Notify must not block.
type Observer interface {
	Notify(n Notification)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(n Notification)

// Notify calls f(n)
func (f ObserverFunc) Notify(n Notification) {
	f(n)
}

// Channel is a byte transport to one physical device.
// Blocking operations must be issued from a single goroutine; the mutex only
// protects state read by snapshot callers.
type Channel struct {
	target    string
	transport model.TransportType
	opener    Opener
	observer  Observer
	readSlice time.Duration
	logger    *utils.ChannelLogger

	mutex    sync.RWMutex
	port     Port
	params   Params
	received []byte
	pending  atomic.Bool
}

// New creates a closed channel for target
func New(target string, transport model.TransportType, opener Opener, observer Observer, readSlice time.Duration, logger *zap.Logger) *Channel {
	if readSlice <= 0 {
		readSlice = 10 * time.Millisecond
	}
	return &Channel{
		target:    target,
		transport: transport,
		opener:    opener,
		observer:  observer,
		readSlice: readSlice,
		logger:    utils.NewChannelLogger(logger, target, string(transport)),
	}
}

// Target returns the stable target identifier
func (c *Channel) Target() string {
	return c.target
}

// Transport returns the transport tag
func (c *Channel) Transport() model.TransportType {
	return c.transport
}

// IsOpen returns whether the transport is open
func (c *Channel) IsOpen() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.port != nil
}

// IsPending returns whether a blocking wait is in progress
func (c *Channel) IsPending() bool {
	return c.pending.Load()
}

// Params returns the parameters of the current connection
func (c *Channel) Params() Params {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.params
}

// Connect opens the transport. Failures are logged and reported as false
// because most candidate ports are expected not to answer.
func (c *Channel) Connect(params Params) bool {
	if c.IsOpen() {
		c.Close()
	}

	normalized, err := params.Normalize()
	if err != nil {
		c.logger.LogConnection("connect", false, err)
		return false
	}

	port, err := c.opener(c.target, normalized)
	if err != nil {
		c.logger.LogConnection("connect", false, err)
		return false
	}

	if err := port.SetReadTimeout(c.readSlice); err != nil {
		port.Close()
		c.logger.LogConnection("connect", false, fmt.Errorf("failed to set read timeout: %w", err))
		return false
	}

	c.mutex.Lock()
	c.port = port
	c.params = normalized
	c.received = c.received[:0]
	c.mutex.Unlock()

	c.logger.LogConnection("connect", true, nil)
	c.notify(NotifyConnected, nil, normalized.String())
	return true
}

// Close releases the transport
func (c *Channel) Close() error {
	c.mutex.Lock()
	port := c.port
	c.port = nil
	c.received = nil
	c.mutex.Unlock()

	if port == nil {
		return nil
	}

	err := port.Close()
	c.logger.LogConnection("disconnect", err == nil, err)
	c.notify(NotifyDisconnected, nil, "")
	if err != nil {
		return fmt.Errorf("failed to close %s: %w", c.target, err)
	}
	return nil
}

// Send writes all of data, retrying partial writes until done or the transport fails.
// display is the human readable form reported to observers.
func (c *Channel) Send(ctx context.Context, data []byte, display string) error {
	port := c.currentPort()
	if port == nil {
		return ErrNotConnected
	}

	written := 0
	zeroWrites := 0
	for written < len(data) {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := port.Write(data[written:])
		if err != nil {
			return fmt.Errorf("failed to write to %s: %w", c.target, err)
		}
		if n == 0 {
			zeroWrites++
			if zeroWrites >= maxZeroWrites {
				return fmt.Errorf("failed to write to %s: transport accepted no data", c.target)
			}
			continue
		}
		zeroWrites = 0
		written += n
	}

	if display == "" {
		display = fmt.Sprintf("%q", data)
	}
	c.notify(NotifySent, data, display)
	return nil
}

// WaitReceived polls the port until at least minBytes are buffered or timeout elapses.
// The loop runs while elapsed <= timeout, so a zero timeout still reads once.
func (c *Channel) WaitReceived(ctx context.Context, timeout time.Duration, minBytes int) bool {
	if !c.beginWait() {
		return false
	}
	defer c.pending.Store(false)

	buf := make([]byte, readChunkSize)
	start := time.Now()
	for {
		if err := c.readOnce(buf); err != nil {
			return c.bufferedLen() >= minBytes
		}
		if c.bufferedLen() >= minBytes {
			return true
		}
		if ctx.Err() != nil || time.Since(start) > timeout {
			return false
		}
	}
}

// WaitReceivedFrame accumulates bytes until a frame terminated by escape arrives.
// Frames matching skip do not end the wait and restart the timeout window;
// they stay buffered so the caller can harvest them.
func (c *Channel) WaitReceivedFrame(ctx context.Context, timeout time.Duration, escape []byte, skip *regexp.Regexp) bool {
	if len(escape) == 0 {
		return false
	}
	if !c.beginWait() {
		return false
	}
	defer c.pending.Store(false)

	buf := make([]byte, readChunkSize)
	scanned := 0
	deadline := time.Now().Add(timeout)
	for {
		err := c.readOnce(buf)

		c.mutex.RLock()
		if scanned > len(c.received) {
			scanned = len(c.received)
		}
		for {
			idx := bytes.Index(c.received[scanned:], escape)
			if idx < 0 {
				break
			}
			frame := c.received[scanned : scanned+idx]
			scanned += idx + len(escape)
			if skip != nil && skip.Match(frame) {
				deadline = time.Now().Add(timeout)
				continue
			}
			c.mutex.RUnlock()
			return true
		}
		c.mutex.RUnlock()

		if err != nil || ctx.Err() != nil || time.Now().After(deadline) {
			return false
		}
	}
}

// Received returns a copy of the buffered bytes
func (c *Channel) Received() []byte {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return append([]byte(nil), c.received...)
}

// TakeReceived returns the buffered bytes and empties the buffer
func (c *Channel) TakeReceived() []byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	data := c.received
	c.received = nil
	return data
}

// TakeFrames removes every complete frame terminated by escape from the buffer.
// A trailing partial frame stays buffered.
func (c *Channel) TakeFrames(escape []byte) [][]byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var frames [][]byte
	for len(escape) > 0 {
		idx := bytes.Index(c.received, escape)
		if idx < 0 {
			break
		}
		frames = append(frames, append([]byte(nil), c.received[:idx]...))
		c.received = c.received[idx+len(escape):]
	}
	return frames
}

// ClearReceived drops the buffered bytes
func (c *Channel) ClearReceived() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.received = nil
}

func (c *Channel) beginWait() bool {
	if c.currentPort() == nil {
		return false
	}
	if !c.pending.CompareAndSwap(false, true) {
		c.logger.Warn("Rejected reentrant wait on channel")
		return false
	}
	return true
}

// readOnce performs one bounded read and appends the result to the buffer
func (c *Channel) readOnce(buf []byte) error {
	port := c.currentPort()
	if port == nil {
		return ErrNotConnected
	}

	n, err := port.Read(buf)
	if n > 0 {
		data := append([]byte(nil), buf[:n]...)
		c.mutex.Lock()
		c.received = append(c.received, data...)
		c.mutex.Unlock()
		c.notify(NotifyReceived, data, "")
	}
	if err != nil {
		c.logger.Debug("Channel read failed", zap.Error(err))
		return fmt.Errorf("failed to read from %s: %w", c.target, err)
	}
	return nil
}

func (c *Channel) bufferedLen() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.received)
}

func (c *Channel) currentPort() Port {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.port
}

func (c *Channel) notify(kind NotificationKind, data []byte, display string) {
	if c.observer == nil {
		return
	}
	c.observer.Notify(Notification{
		Kind:    kind,
		Target:  c.target,
		Data:    data,
		Display: display,
		Time:    time.Now(),
	})
}
