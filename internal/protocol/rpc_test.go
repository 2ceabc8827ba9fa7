package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lab-bench/internal/config"
	"lab-bench/internal/model"
)

func testRPCConfig() config.RPCConfig {
	return config.RPCConfig{ReplyTimeout: 30 * time.Millisecond}
}

func mustEncode(t *testing.T, functionID uint8, payload string) []byte {
	t.Helper()
	frame, err := FrameCodec{}.Encode(Request{FunctionID: functionID, Args: []byte(payload)})
	require.NoError(t, err)
	return frame
}

func TestFrameCodec(t *testing.T) {
	codec := FrameCodec{}

	frame, err := codec.Encode(Request{FunctionID: 0x10, Args: []byte{0x01, 0x02}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xA5, 0x10, 0x02, 0x00, 0x01, 0x02, 0xEB}, frame)

	tests := []struct {
		description string
		data        []byte
		consumed    int
		wantErr     error
		payload     []byte
	}{
		{description: "complete frame", data: frame, consumed: len(frame), payload: []byte{0x01, 0x02}},
		{description: "leading garbage", data: append([]byte{0x00, 0x7F}, frame...), consumed: len(frame) + 2, payload: []byte{0x01, 0x02}},
		{description: "partial frame", data: frame[:5], consumed: 0, wantErr: ErrIncomplete},
		{description: "no sync byte", data: []byte{0x01, 0x02, 0x03}, consumed: 3, wantErr: ErrIncomplete},
		{description: "bad checksum", data: append(append([]byte(nil), frame[:6]...), 0x00), consumed: 1, wantErr: ErrChecksum},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			reply, consumed, err := codec.Decode(tt.data)
			assert.Equal(t, tt.consumed, consumed)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint8(0x10), reply.FunctionID)
			assert.Equal(t, tt.payload, reply.Payload)
		})
	}
}

func TestFrameCodec_ResyncsAfterStraySync(t *testing.T) {
	codec := FrameCodec{MaxPayload: 64}
	valid := mustEncode(t, 3, "ok")
	data := append([]byte{frameSync, 0x01, 0xFF, 0x7F}, valid...)

	_, consumed, err := codec.Decode(data)
	assert.ErrorIs(t, err, ErrOversized)
	assert.Equal(t, 1, consumed)

	reply, consumed, err := codec.Decode(data[consumed:])
	require.NoError(t, err)
	assert.Equal(t, uint8(3), reply.FunctionID)
	assert.Equal(t, []byte("ok"), reply.Payload)
	assert.Equal(t, len(data)-1, consumed)

	_, err = codec.Encode(Request{FunctionID: 1, Args: make([]byte, 65)})
	assert.Error(t, err)
}

func TestRPC_CallSkipsStraySync(t *testing.T) {
	ch, _ := openTestChannel(t, func(written []byte) []byte {
		switch written[1] {
		case 0:
			return mustEncode(t, 0, "Lab Bench,PSU-2,0042,1.3")
		case 3:
			return append([]byte{frameSync, 0x01, 0xFF, 0x7F}, mustEncode(t, 3, "ok")...)
		}
		return nil
	})

	cfg := testRPCConfig()
	cfg.MaxPayload = 1024
	p := NewRPC(cfg, nil, zap.NewNop())
	require.True(t, p.IsCorrectProtocol(context.Background(), ch))

	reply, err := p.Call(context.Background(), 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), reply.Payload)
	assert.Equal(t, 1, p.Dropped())
}

func TestRPC_ProbeDecodesDescription(t *testing.T) {
	description := mustEncode(t, 0, "Lab Bench,PSU-2,0042,1.3")
	ch, port := openTestChannel(t, func(written []byte) []byte {
		if written[0] == frameSync && written[1] == 0 {
			return description
		}
		return nil
	})

	p := NewRPC(testRPCConfig(), nil, zap.NewNop())
	require.True(t, p.IsCorrectProtocol(context.Background(), ch))

	assert.Equal(t, model.ProtocolRPC, p.Type())
	assert.Equal(t, "PSU-2", p.Identity().Name)
	assert.Equal(t, "0042", p.Identity().Serial)
	assert.NotEmpty(t, p.Identity().Extra["description"])
	assert.Equal(t, mustEncode(t, 0, ""), port.Written())
}

func TestRPC_AnyReplyIsTentativeSuccess(t *testing.T) {
	ch, _ := openTestChannel(t, func([]byte) []byte { return []byte{0x42} })

	p := NewRPC(testRPCConfig(), nil, zap.NewNop())
	require.True(t, p.IsCorrectProtocol(context.Background(), ch))
	assert.Equal(t, "/dev/ttyTEST0", p.Identity().Name)
	assert.Equal(t, "42", p.Identity().Extra["raw_reply"])
}

func TestRPC_SilentDeviceFails(t *testing.T) {
	ch, _ := openTestChannel(t, nil)

	p := NewRPC(testRPCConfig(), nil, zap.NewNop())
	assert.False(t, p.IsCorrectProtocol(context.Background(), ch))
	assert.Nil(t, p.Channel())
	assert.Empty(t, ch.Received())
}

func TestRPC_CallCorrelatesReplies(t *testing.T) {
	ch, port := openTestChannel(t, func(written []byte) []byte {
		switch written[1] {
		case 0:
			return mustEncode(t, 0, "Lab Bench,PSU-2,0042,1.3")
		case 7:
			// a status push arrives ahead of the reply, then a corrupt frame
			reply := mustEncode(t, 9, "status")
			reply = append(reply, frameSync, 7, 0x01, 0x00, 0x00, 0x00)
			return append(reply, mustEncode(t, 7, "ok")...)
		}
		return nil
	})

	p := NewRPC(testRPCConfig(), nil, zap.NewNop())
	require.True(t, p.IsCorrectProtocol(context.Background(), ch))

	reply, err := p.Call(context.Background(), 7, []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), reply.Payload)
	assert.GreaterOrEqual(t, p.Dropped(), 1)

	unsolicited := p.TakeUnsolicited()
	require.Len(t, unsolicited, 1)
	assert.Equal(t, uint8(9), unsolicited[0].FunctionID)

	_, err = p.Call(context.Background(), 8, nil)
	assert.ErrorIs(t, err, ErrReplyTimeout)

	port.AddReadData(mustEncode(t, 3, "push"))
	require.True(t, ch.WaitReceived(context.Background(), 0, 1))
	p.Poll()
	unsolicited = p.TakeUnsolicited()
	require.Len(t, unsolicited, 1)
	assert.Equal(t, []byte("push"), unsolicited[0].Payload)
}

func TestRPC_CallRequiresIdentification(t *testing.T) {
	p := NewRPC(testRPCConfig(), nil, zap.NewNop())
	_, err := p.Call(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ErrNotIdentified)
}
