// internal/protocol/counter.go
package protocol

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lab-bench/internal/channel"
	"lab-bench/internal/config"
	"lab-bench/internal/model"
)

const defaultCounterPattern = `^\s*[-+]?[0-9]+(\.[0-9]+)?\s*$`

var counterLineEnd = []byte("\n")

// Reading is the latest value pushed by a counter
type Reading struct {
	Value     decimal.Decimal `json:"value"`
	Count     int64           `json:"count"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Counter listens to an instrument that streams one numeric value per line
type Counter struct {
	cfg     config.CounterConfig
	logger  *zap.Logger
	pattern *regexp.Regexp

	ch       *channel.Channel
	identity model.Identity
	reading  Reading
	dropped  int
}

// NewCounter creates an unprobed counter protocol
func NewCounter(cfg config.CounterConfig, logger *zap.Logger) *Counter {
	logger = logger.With(zap.String("protocol", string(model.ProtocolCounter)))

	pattern, err := regexp.Compile(cfg.LinePattern)
	if err != nil || cfg.LinePattern == "" {
		if err != nil {
			logger.Warn("Invalid counter line pattern, using default", zap.Error(err))
		}
		pattern = regexp.MustCompile(defaultCounterPattern)
	}
	if cfg.RequiredLines <= 0 {
		cfg.RequiredLines = 2
	}

	return &Counter{
		cfg:     cfg,
		logger:  logger,
		pattern: pattern,
	}
}

// Type returns the protocol tag
func (p *Counter) Type() model.ProtocolType {
	return model.ProtocolCounter
}

// Channel returns the bound channel
func (p *Counter) Channel() *channel.Channel {
	return p.ch
}

// Identity returns the identity; counters do not describe themselves
func (p *Counter) Identity() model.Identity {
	return p.identity
}

// IsCorrectProtocol listens without sending anything until enough
// consecutive numeric lines arrived
func (p *Counter) IsCorrectProtocol(ctx context.Context, ch *channel.Channel) bool {
	ch.ClearReceived()

	deadline := time.Now().Add(p.cfg.ListenTimeout)
	valid := 0
	last := ""
	for valid < p.cfg.RequiredLines {
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			break
		}
		if !ch.WaitReceivedFrame(ctx, remaining, counterLineEnd, nil) {
			break
		}
		for _, frame := range ch.TakeFrames(counterLineEnd) {
			line := strings.TrimSpace(string(frame))
			if line == "" {
				continue
			}
			if !p.pattern.MatchString(line) {
				valid = 0
				continue
			}
			valid++
			last = line
		}
	}

	if valid < p.cfg.RequiredLines {
		ch.ClearReceived()
		return false
	}

	p.ch = ch
	p.identity = model.Identity{
		Name:  string(model.ProtocolCounter),
		Extra: model.IdentityFields{"target": ch.Target()},
	}
	p.record(last)
	return true
}

// Poll consumes complete lines picked up by the background read
func (p *Counter) Poll() {
	if p.ch == nil {
		return
	}
	for _, frame := range p.ch.TakeFrames(counterLineEnd) {
		line := strings.TrimSpace(string(frame))
		if line == "" {
			continue
		}
		if !p.pattern.MatchString(line) {
			p.dropped++
			p.logger.Debug("Dropped non numeric line", zap.String("line", line))
			continue
		}
		p.record(line)
	}
}

// Reading returns the latest value
func (p *Counter) Reading() Reading {
	return p.reading
}

// Dropped returns how many non numeric lines were discarded
func (p *Counter) Dropped() int {
	return p.dropped
}

func (p *Counter) record(line string) {
	value, err := decimal.NewFromString(line)
	if err != nil {
		p.dropped++
		return
	}
	p.reading = Reading{
		Value:     value,
		Count:     p.reading.Count + 1,
		UpdatedAt: time.Now(),
	}
}
