// internal/channel/mock.go
package channel

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// TestablePort implements Port with configurable behaviour for testing.
// It provides fine-grained control over reads, writes, errors and scripted replies.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// MaxWriteChunk limits how many bytes one Write accepts (0 = unlimited)
	MaxWriteChunk int

	// MaxReadChunk limits how many bytes one Read returns (0 = unlimited)
	MaxReadChunk int

	// Responder is called with every write; a non-nil result is queued for reading
	Responder func(written []byte) []byte

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of Read calls
	ReadCalls int

	// WriteCalls records the number of Write calls
	WriteCalls int

	// ReadTimeout is the current read timeout; an empty Read sleeps this long
	ReadTimeout time.Duration
}

// NewTestablePort creates a new TestablePort for testing.
func NewTestablePort() *TestablePort {
	return &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
}

// Read returns buffered data or, when empty, waits for the read timeout and returns 0.
func (t *TestablePort) Read(p []byte) (int, error) {
	t.mu.Lock()
	t.ReadCalls++

	if t.Closed {
		t.mu.Unlock()
		return 0, errors.New("port closed")
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		t.mu.Unlock()
		return 0, err
	}

	if t.ReadBuffer.Len() == 0 {
		timeout := t.ReadTimeout
		t.mu.Unlock()
		time.Sleep(timeout)
		t.mu.Lock()
		if t.ReadBuffer.Len() == 0 {
			t.mu.Unlock()
			return 0, nil
		}
	}
	defer t.mu.Unlock()

	if t.MaxReadChunk > 0 && len(p) > t.MaxReadChunk {
		p = p[:t.MaxReadChunk]
	}
	return t.ReadBuffer.Read(p)
}

// Write captures data, optionally accepting only part of it.
func (t *TestablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, errors.New("port closed")
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	chunk := p
	if t.MaxWriteChunk > 0 && len(chunk) > t.MaxWriteChunk {
		chunk = chunk[:t.MaxWriteChunk]
	}
	t.WriteBuffer.Write(chunk)

	if t.Responder != nil {
		if reply := t.Responder(append([]byte(nil), chunk...)); reply != nil {
			t.ReadBuffer.Write(reply)
		}
	}
	return len(chunk), nil
}

// Close marks the port as closed.
func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return nil
}

// SetReadTimeout implements Port.
func (t *TestablePort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestablePort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(data)
}

// Written returns a copy of everything written so far.
func (t *TestablePort) Written() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// IsClosed reports whether Close was called.
func (t *TestablePort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Closed
}

// Reads returns the number of Read calls so far.
func (t *TestablePort) Reads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ReadCalls
}

// StaticOpener returns an Opener that hands out port for every target, or fails when port is nil.
func StaticOpener(port *TestablePort, err error) Opener {
	return func(string, Params) (Port, error) {
		if port == nil {
			if err == nil {
				err = errors.New("no such port")
			}
			return nil, err
		}
		port.mu.Lock()
		port.Closed = false
		port.mu.Unlock()
		return port, nil
	}
}
