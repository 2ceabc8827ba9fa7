package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lab-bench/internal/config"
	"lab-bench/internal/model"
)

func testCounterConfig() config.CounterConfig {
	return config.CounterConfig{
		ListenTimeout: 100 * time.Millisecond,
		RequiredLines: 2,
		LinePattern:   defaultCounterPattern,
	}
}

func TestCounter_IdentifiesStreamingDevice(t *testing.T) {
	ch, port := openTestChannel(t, nil)
	port.AddReadData([]byte("garbage\n10.5\r\n"))
	go func() {
		time.Sleep(10 * time.Millisecond)
		port.AddReadData([]byte("11.25\r\n"))
	}()

	p := NewCounter(testCounterConfig(), zap.NewNop())
	require.True(t, p.IsCorrectProtocol(context.Background(), ch))
	assert.Equal(t, model.ProtocolCounter, p.Type())
	assert.Equal(t, "counter", p.Identity().Name)
	assert.Empty(t, port.Written())

	reading := p.Reading()
	assert.True(t, decimal.RequireFromString("11.25").Equal(reading.Value))
	assert.Equal(t, int64(1), reading.Count)

	port.AddReadData([]byte("12\nhello\n13"))
	require.True(t, ch.WaitReceived(context.Background(), 0, 1))
	p.Poll()

	reading = p.Reading()
	assert.True(t, decimal.NewFromInt(12).Equal(reading.Value))
	assert.Equal(t, int64(2), reading.Count)
	assert.Equal(t, 1, p.Dropped())
}

func TestCounter_NonNumericStreamFails(t *testing.T) {
	ch, port := openTestChannel(t, nil)
	port.AddReadData([]byte("1.0\nERR\n2.0\n"))

	p := NewCounter(testCounterConfig(), zap.NewNop())
	assert.False(t, p.IsCorrectProtocol(context.Background(), ch))
	assert.Nil(t, p.Channel())
	assert.Empty(t, ch.Received())
}

func TestCounter_InvalidPatternFallsBack(t *testing.T) {
	cfg := testCounterConfig()
	cfg.LinePattern = "("
	cfg.RequiredLines = 0

	p := NewCounter(cfg, zap.NewNop())
	assert.Equal(t, defaultCounterPattern, p.pattern.String())
	assert.Equal(t, 2, p.cfg.RequiredLines)
}

func TestDefaultRegistry(t *testing.T) {
	cfg := &config.DeviceConfig{
		RPC:     testRPCConfig(),
		SCPI:    testSCPIConfig(),
		Counter: testCounterConfig(),
	}
	registry := DefaultRegistry(cfg, zap.NewNop())

	assert.Equal(t, []model.ProtocolType{model.ProtocolRPC, model.ProtocolSCPI, model.ProtocolCounter}, registry.Types())

	probes := registry.Probes()
	require.Len(t, probes, 3)
	assert.IsType(t, &RPC{}, probes[0])
	assert.IsType(t, &SCPI{}, probes[1])
	assert.IsType(t, &Counter{}, probes[2])

	// every call hands out a fresh instance
	assert.NotSame(t, probes[1], registry.Probes()[1])

	scpi, err := registry.Create(model.ProtocolSCPI)
	require.NoError(t, err)
	assert.Equal(t, model.ProtocolSCPI, scpi.Type())

	_, err = registry.Create("modbus")
	assert.Error(t, err)

	registry.Register(model.ProtocolRPC, func() Protocol { return NewCounter(cfg.Counter, zap.NewNop()) })
	assert.Equal(t, model.ProtocolRPC, registry.Types()[0])
	assert.IsType(t, &Counter{}, registry.Probes()[0])
}
