package channel

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lab-bench/internal/model"
)

// recorder collects notifications
type recorder struct {
	mu            sync.Mutex
	notifications []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

func (r *recorder) count(kind NotificationKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.notifications {
		if n.Kind == kind {
			total++
		}
	}
	return total
}

func newTestChannel(t *testing.T) (*Channel, *TestablePort, *recorder) {
	t.Helper()
	port := NewTestablePort()
	rec := &recorder{}
	ch := New("/dev/ttyTEST0", model.TransportSerial, StaticOpener(port, nil), rec, time.Millisecond, zap.NewNop())
	require.True(t, ch.Connect(Params{BaudRate: 9600}))
	return ch, port, rec
}

func TestConnect(t *testing.T) {
	ch, port, rec := newTestChannel(t)

	assert.True(t, ch.IsOpen())
	assert.Equal(t, time.Millisecond, port.ReadTimeout)
	assert.Equal(t, Params{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "none"}, ch.Params())
	assert.Equal(t, 1, rec.count(NotifyConnected))

	require.NoError(t, ch.Close())
	assert.False(t, ch.IsOpen())
	assert.True(t, port.IsClosed())
	assert.Equal(t, 1, rec.count(NotifyDisconnected))

	// closing twice is a no-op
	require.NoError(t, ch.Close())
	assert.Equal(t, 1, rec.count(NotifyDisconnected))
}

func TestConnect_FailureReturnsFalse(t *testing.T) {
	ch := New("/dev/ttyMISSING", model.TransportSerial, StaticOpener(nil, errors.New("no such file")), nil, time.Millisecond, zap.NewNop())
	assert.False(t, ch.Connect(Params{BaudRate: 9600}))
	assert.False(t, ch.IsOpen())

	ch = New("/dev/ttyTEST0", model.TransportSerial, StaticOpener(NewTestablePort(), nil), nil, time.Millisecond, zap.NewNop())
	assert.False(t, ch.Connect(Params{BaudRate: 9600, Parity: "mark"}))
}

func TestSend_RetriesPartialWrites(t *testing.T) {
	ch, port, rec := newTestChannel(t)
	port.MaxWriteChunk = 3

	require.NoError(t, ch.Send(context.Background(), []byte("*IDN?\r\n"), "*IDN?"))

	assert.Equal(t, []byte("*IDN?\r\n"), port.Written())
	assert.Equal(t, 3, port.WriteCalls)
	assert.Equal(t, 1, rec.count(NotifySent))
	assert.Equal(t, "*IDN?", rec.notifications[len(rec.notifications)-1].Display)
}

func TestSend_Errors(t *testing.T) {
	ch, port, rec := newTestChannel(t)
	port.WriteError = errors.New("device unplugged")

	assert.Error(t, ch.Send(context.Background(), []byte("x"), ""))
	assert.Equal(t, 0, rec.count(NotifySent))

	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Send(context.Background(), []byte("x"), ""), ErrNotConnected)
}

func TestWaitReceived_ZeroTimeoutPollsOnce(t *testing.T) {
	ch, port, _ := newTestChannel(t)

	assert.False(t, ch.WaitReceived(context.Background(), 0, 1))
	assert.GreaterOrEqual(t, port.Reads(), 1)

	port.AddReadData([]byte{0x42})
	assert.True(t, ch.WaitReceived(context.Background(), 0, 1))
	assert.Equal(t, []byte{0x42}, ch.Received())
}

func TestWaitReceived_ArrivalBeforeTimeout(t *testing.T) {
	ch, port, rec := newTestChannel(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		port.AddReadData([]byte("ab"))
		time.Sleep(10 * time.Millisecond)
		port.AddReadData([]byte("cd"))
	}()

	start := time.Now()
	assert.True(t, ch.WaitReceived(context.Background(), time.Second, 4))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, []byte("abcd"), ch.TakeReceived())
	assert.Equal(t, 2, rec.count(NotifyReceived))
	assert.Empty(t, ch.Received())
}

func TestWaitReceived_Timeout(t *testing.T) {
	ch, port, _ := newTestChannel(t)
	port.AddReadData([]byte("a"))

	start := time.Now()
	assert.False(t, ch.WaitReceived(context.Background(), 20*time.Millisecond, 2))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, []byte("a"), ch.Received())
}

func TestWaitReceived_Cancelled(t *testing.T) {
	ch, _, _ := newTestChannel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	assert.False(t, ch.WaitReceived(ctx, time.Second, 1))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWaitReceived_NotificationPerTransfer(t *testing.T) {
	ch, port, rec := newTestChannel(t)
	port.MaxReadChunk = 2
	port.AddReadData([]byte("123456"))

	assert.True(t, ch.WaitReceived(context.Background(), time.Second, 6))
	assert.Equal(t, 3, rec.count(NotifyReceived))
}

func TestWaitReceived_RejectsReentrantWait(t *testing.T) {
	ch, _, _ := newTestChannel(t)
	require.True(t, ch.pending.CompareAndSwap(false, true))

	assert.False(t, ch.WaitReceived(context.Background(), 0, 0))
	assert.False(t, ch.WaitReceivedFrame(context.Background(), 0, []byte("\n"), nil))

	ch.pending.Store(false)
	assert.True(t, ch.WaitReceived(context.Background(), 0, 0))
	assert.False(t, ch.IsPending())
}

func TestWaitReceivedFrame_SkipLinesResetDeadline(t *testing.T) {
	ch, port, _ := newTestChannel(t)
	skip := regexp.MustCompile(`^!`)

	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(25 * time.Millisecond)
			port.AddReadData([]byte("!EVENT\n"))
		}
		time.Sleep(25 * time.Millisecond)
		port.AddReadData([]byte("1.25\n"))
	}()

	// total arrival time exceeds the 40ms window, every event line restarts it
	assert.True(t, ch.WaitReceivedFrame(context.Background(), 40*time.Millisecond, []byte("\n"), skip))
	assert.Equal(t, []byte("!EVENT\n!EVENT\n!EVENT\n1.25\n"), ch.Received())
}

func TestWaitReceivedFrame_OnlySkipLinesTimesOut(t *testing.T) {
	ch, port, _ := newTestChannel(t)
	port.AddReadData([]byte("!EVENT\n"))

	assert.False(t, ch.WaitReceivedFrame(context.Background(), 10*time.Millisecond, []byte("\n"), regexp.MustCompile(`^!`)))
	assert.False(t, ch.WaitReceivedFrame(context.Background(), 10*time.Millisecond, []byte("\n"), regexp.MustCompile(`^!`)))
}

func TestWaitReceivedFrame_PartialFrame(t *testing.T) {
	ch, port, _ := newTestChannel(t)
	port.AddReadData([]byte("HAMEG"))

	assert.False(t, ch.WaitReceivedFrame(context.Background(), 5*time.Millisecond, []byte("\r\n"), nil))

	port.AddReadData([]byte(",HM8150\r\nrest"))
	assert.True(t, ch.WaitReceivedFrame(context.Background(), 50*time.Millisecond, []byte("\r\n"), nil))

	frames := ch.TakeFrames([]byte("\r\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, "HAMEG,HM8150", string(frames[0]))
	assert.Equal(t, []byte("rest"), ch.Received())
}

func TestParams(t *testing.T) {
	tests := []struct {
		description string
		params      Params
		expected    string
		wantErr     bool
	}{
		{"defaults", Params{BaudRate: 9600}, "9600 8N1", false},
		{"even parity two stop bits", Params{BaudRate: 19200, DataBits: 7, StopBits: 2, Parity: "E"}, "19200 7E2", false},
		{"invalid data bits", Params{BaudRate: 9600, DataBits: 9}, "", true},
		{"invalid stop bits", Params{BaudRate: 9600, StopBits: 3}, "", true},
		{"invalid parity", Params{BaudRate: 9600, Parity: "space"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			normalized, err := tt.params.Normalize()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, normalized.String())
		})
	}

	_, err := Params{}.SerialMode()
	assert.Error(t, err)
}
