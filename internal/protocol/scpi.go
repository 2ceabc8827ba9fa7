// internal/protocol/scpi.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lab-bench/internal/channel"
	"lab-bench/internal/config"
	"lab-bench/internal/model"
)

// maxEvents bounds the event backlog kept for a handle nobody drains
const maxEvents = 256

// lineEnding is one terminator convention tried by the identity probe
type lineEnding struct {
	name  string
	bytes []byte
}

var lineEndings = []lineEnding{
	{name: "CRLF", bytes: []byte("\r\n")},
	{name: "CR", bytes: []byte("\r")},
	{name: "LF", bytes: []byte("\n")},
}

// SCPI speaks line-oriented text queries
type SCPI struct {
	cfg    config.SCPIConfig
	logger *zap.Logger
	event  *regexp.Regexp

	ch         *channel.Channel
	identity   model.Identity
	terminator lineEnding
	events     []string
	dropped    int
	onEvent    func(event string)
}

// NewSCPI creates an unprobed text-query protocol
func NewSCPI(cfg config.SCPIConfig, logger *zap.Logger) *SCPI {
	p := &SCPI{
		cfg:    cfg,
		logger: logger.With(zap.String("protocol", string(model.ProtocolSCPI))),
	}
	if cfg.EventMarker != "" {
		p.event = regexp.MustCompile(`^\s*` + regexp.QuoteMeta(cfg.EventMarker))
	}
	return p
}

// Type returns the protocol tag
func (p *SCPI) Type() model.ProtocolType {
	return model.ProtocolSCPI
}

// Channel returns the bound channel
func (p *SCPI) Channel() *channel.Channel {
	return p.ch
}

// Identity returns the decoded identity
func (p *SCPI) Identity() model.Identity {
	return p.identity
}

// Terminator returns the name of the line ending the instrument answered to
func (p *SCPI) Terminator() string {
	return p.terminator.name
}

// SetEventHandler registers a callback invoked for every captured event line
func (p *SCPI) SetEventHandler(handler func(event string)) {
	p.onEvent = handler
}

// IsCorrectProtocol sends the identity query with each line ending in turn
func (p *SCPI) IsCorrectProtocol(ctx context.Context, ch *channel.Channel) bool {
	for _, ending := range lineEndings {
		if ctx.Err() != nil {
			break
		}

		ch.ClearReceived()
		p.terminator = ending

		reply, err := p.query(ctx, ch, p.cfg.IdentityQuery)
		if err != nil {
			p.logger.Debug("No identity reply",
				zap.String("target", ch.Target()),
				zap.String("line_ending", ending.name),
				zap.Error(err),
			)
			continue
		}

		identity, err := parseIdentity(reply)
		if err != nil {
			p.logger.Debug("Malformed identity reply",
				zap.String("target", ch.Target()),
				zap.String("reply", reply),
				zap.Error(err),
			)
			continue
		}

		p.ch = ch
		p.identity = identity
		return true
	}

	ch.ClearReceived()
	p.terminator = lineEnding{}
	p.events = nil
	return false
}

// GetParameter sends query and returns the trimmed reply.
// Event lines that arrived before or during the exchange are stored.
func (p *SCPI) GetParameter(ctx context.Context, query string) (string, error) {
	if p.ch == nil {
		return "", ErrNotIdentified
	}
	p.harvest()
	return p.query(ctx, p.ch, query)
}

// SetParameter sends a command that has no reply
func (p *SCPI) SetParameter(ctx context.Context, command string) error {
	if p.ch == nil {
		return ErrNotIdentified
	}
	p.harvest()
	return p.send(ctx, p.ch, command)
}

// GetNumber queries a numeric parameter. The first comma separated token is
// parsed; failures are logged and yield zero.
func (p *SCPI) GetNumber(ctx context.Context, query string) decimal.Decimal {
	reply, err := p.GetParameter(ctx, query)
	if err != nil {
		p.logger.Warn("Numeric query failed", zap.String("query", query), zap.Error(err))
		return decimal.Zero
	}

	token := strings.TrimSpace(strings.SplitN(reply, ",", 2)[0])
	value, err := decimal.NewFromString(token)
	if err != nil {
		p.logger.Warn("Numeric reply not parseable",
			zap.String("query", query),
			zap.String("reply", reply),
			zap.Error(err),
		)
		return decimal.Zero
	}
	return value
}

// TakeEvents returns and clears captured event lines
func (p *SCPI) TakeEvents() []string {
	events := p.events
	p.events = nil
	return events
}

// Dropped returns how many unsolicited non-event lines were discarded
func (p *SCPI) Dropped() int {
	return p.dropped
}

// Poll harvests complete lines picked up by the background read
func (p *SCPI) Poll() {
	if p.ch == nil {
		return
	}
	p.harvest()
}

func (p *SCPI) send(ctx context.Context, ch *channel.Channel, text string) error {
	data := append([]byte(text), p.terminator.bytes...)
	if err := ch.Send(ctx, data, text); err != nil {
		return fmt.Errorf("failed to send %q: %w", text, err)
	}
	return nil
}

// query sends text and returns the first non-event line of the answer
func (p *SCPI) query(ctx context.Context, ch *channel.Channel, text string) (string, error) {
	if err := p.send(ctx, ch, text); err != nil {
		return "", err
	}

	for {
		framed := ch.WaitReceivedFrame(ctx, p.cfg.ReplyTimeout, p.terminator.bytes, p.event)
		reply, found := p.sortLines(ch.TakeFrames(p.terminator.bytes), true)
		if found {
			return reply, nil
		}
		if !framed {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return "", fmt.Errorf("%q: %w", text, ErrReplyTimeout)
		}
	}
}

// harvest stores pending event lines and drops any stale answers
func (p *SCPI) harvest() {
	p.sortLines(p.ch.TakeFrames(p.terminator.bytes), false)
}

// sortLines captures event lines. With wantReply the first other line is
// returned; every remaining unknown line is dropped and counted.
func (p *SCPI) sortLines(frames [][]byte, wantReply bool) (string, bool) {
	var reply string
	found := false
	for _, frame := range frames {
		line := strings.TrimSpace(string(frame))
		if line == "" {
			continue
		}
		if p.event != nil && p.event.MatchString(line) {
			p.addEvent(line)
			continue
		}
		if wantReply && !found {
			reply = line
			found = true
			continue
		}
		p.dropped++
		p.logger.Debug("Dropped unsolicited line", zap.String("line", line))
	}
	return reply, found
}

func (p *SCPI) addEvent(line string) {
	if len(p.events) >= maxEvents {
		p.events = p.events[1:]
	}
	p.events = append(p.events, line)
	if p.onEvent != nil {
		p.onEvent(line)
	}
}

var errShortIdentity = errors.New("identity reply needs at least manufacturer, name and version")

// parseIdentity splits a comma separated identity reply.
// Three fields carry no serial number; fields past the fourth belong to the version.
func parseIdentity(reply string) (model.Identity, error) {
	fields := strings.Split(reply, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) < 3 {
		return model.Identity{}, errShortIdentity
	}
	if fields[0] == "" || fields[1] == "" {
		return model.Identity{}, fmt.Errorf("identity reply %q has empty manufacturer or name", reply)
	}

	identity := model.Identity{
		Manufacturer: fields[0],
		Name:         fields[1],
	}
	if len(fields) == 3 {
		identity.Version = fields[2]
	} else {
		identity.Serial = fields[2]
		identity.Version = strings.Join(fields[3:], ",")
	}
	return identity, nil
}
