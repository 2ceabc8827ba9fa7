// internal/protocol/rpc.go
package protocol

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"lab-bench/internal/channel"
	"lab-bench/internal/config"
	"lab-bench/internal/model"
)

// RPC speaks the binary function-call protocol
type RPC struct {
	cfg    config.RPCConfig
	codec  Codec
	logger *zap.Logger

	ch          *channel.Channel
	identity    model.Identity
	buffer      []byte
	unsolicited []Reply
	dropped     int
}

// NewRPC creates an unprobed RPC protocol
func NewRPC(cfg config.RPCConfig, codec Codec, logger *zap.Logger) *RPC {
	if codec == nil {
		codec = FrameCodec{MaxPayload: cfg.MaxPayload}
	}
	return &RPC{
		cfg:    cfg,
		codec:  codec,
		logger: logger.With(zap.String("protocol", string(model.ProtocolRPC))),
	}
}

// Type returns the protocol tag
func (p *RPC) Type() model.ProtocolType {
	return model.ProtocolRPC
}

// Channel returns the bound channel
func (p *RPC) Channel() *channel.Channel {
	return p.ch
}

// Identity returns the decoded identity
func (p *RPC) Identity() model.Identity {
	return p.identity
}

// IsCorrectProtocol sends the zero-argument probe request. Any reply
// bytes within the timeout count as a tentative match; validating the
// description content is left to the description component.
func (p *RPC) IsCorrectProtocol(ctx context.Context, ch *channel.Channel) bool {
	ch.ClearReceived()

	frame, err := p.codec.Encode(Request{FunctionID: p.cfg.ProbeFunctionID})
	if err != nil {
		p.logger.Debug("Failed to encode probe request", zap.Error(err))
		return false
	}
	if err := ch.Send(ctx, frame, fmt.Sprintf("rpc probe fn=%d", p.cfg.ProbeFunctionID)); err != nil {
		p.logger.Debug("Failed to send probe request", zap.String("target", ch.Target()), zap.Error(err))
		return false
	}
	if !ch.WaitReceived(ctx, p.cfg.ReplyTimeout, 1) {
		ch.ClearReceived()
		return false
	}

	p.ch = ch
	raw := ch.TakeReceived()
	p.buffer = append(p.buffer[:0], raw...)
	p.identity = p.describe(ch.Target(), raw)
	return true
}

// describe derives an identity from the probe reply
func (p *RPC) describe(target string, raw []byte) model.Identity {
	identity := model.Identity{Name: target, Extra: model.IdentityFields{}}

	reply, ok := p.takeReply(p.cfg.ProbeFunctionID)
	if !ok {
		identity.Extra["raw_reply"] = hex.EncodeToString(raw)
		return identity
	}

	identity.Extra["description"] = hex.EncodeToString(reply.Payload)
	if utf8.Valid(reply.Payload) {
		if parsed, err := parseIdentity(string(reply.Payload)); err == nil {
			parsed.Extra = identity.Extra
			return parsed
		}
	}
	return identity
}

// Call sends a request and waits for the reply with the same function id.
// Frames for other ids arriving meanwhile are kept as unsolicited replies.
func (p *RPC) Call(ctx context.Context, functionID uint8, args []byte) (Reply, error) {
	if p.ch == nil {
		return Reply{}, ErrNotIdentified
	}

	frame, err := p.codec.Encode(Request{FunctionID: functionID, Args: args})
	if err != nil {
		return Reply{}, fmt.Errorf("failed to encode request: %w", err)
	}

	if err := p.ch.Send(ctx, frame, fmt.Sprintf("rpc call fn=%d args=%d", functionID, len(args))); err != nil {
		return Reply{}, fmt.Errorf("failed to send request: %w", err)
	}

	deadline := time.Now().Add(p.cfg.ReplyTimeout)
	for {
		p.drain()
		if reply, ok := p.takeReply(functionID); ok {
			return reply, nil
		}
		if err := ctx.Err(); err != nil {
			return Reply{}, err
		}
		remaining := time.Until(deadline)
		if remaining < 0 {
			return Reply{}, fmt.Errorf("function %d: %w", functionID, ErrReplyTimeout)
		}
		p.ch.WaitReceived(ctx, remaining, 1)
	}
}

// Poll decodes bytes picked up by the background read
func (p *RPC) Poll() {
	if p.ch == nil {
		return
	}
	p.drain()
}

// TakeUnsolicited returns and clears replies nobody asked for
func (p *RPC) TakeUnsolicited() []Reply {
	replies := p.unsolicited
	p.unsolicited = nil
	return replies
}

// Dropped returns how many corrupt frames were discarded
func (p *RPC) Dropped() int {
	return p.dropped
}

// drain moves received bytes into the frame buffer and decodes complete frames
func (p *RPC) drain() {
	p.buffer = append(p.buffer, p.ch.TakeReceived()...)
	p.decodeBuffer()
}

func (p *RPC) decodeBuffer() {
	for len(p.buffer) > 0 {
		reply, consumed, err := p.codec.Decode(p.buffer)
		if consumed > len(p.buffer) {
			consumed = len(p.buffer)
		}
		p.buffer = p.buffer[consumed:]

		if errors.Is(err, ErrIncomplete) {
			return
		}
		if err != nil {
			p.dropped++
			p.logger.Debug("Dropped corrupt frame", zap.Error(err))
			if consumed == 0 {
				p.buffer = p.buffer[1:]
			}
			continue
		}
		p.unsolicited = append(p.unsolicited, reply)
	}
}

// takeReply removes the first decoded reply for functionID
func (p *RPC) takeReply(functionID uint8) (Reply, bool) {
	p.decodeBuffer()
	for i, reply := range p.unsolicited {
		if reply.FunctionID == functionID {
			p.unsolicited = append(p.unsolicited[:i], p.unsolicited[i+1:]...)
			return reply, true
		}
	}
	return Reply{}, false
}
