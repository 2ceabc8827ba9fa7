// internal/config/protocol_settings.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

// ProtocolSettings maps port-name patterns to the protocol/baud combinations worth trying
type ProtocolSettings struct {
	Ports []PortRule `mapstructure:"ports"`
}

// PortRule is one entry of the device-protocol-settings file
type PortRule struct {
	Pattern    string              `mapstructure:"pattern"`
	Candidates []ProtocolCandidate `mapstructure:"candidates"`
}

// ProtocolCandidate is a protocol with the baud rate to try it at
type ProtocolCandidate struct {
	Protocol string `mapstructure:"protocol"`
	BaudRate int    `mapstructure:"baud_rate"`
}

// LoadProtocolSettings reads the device-protocol-settings file.
// A missing file yields empty settings and every port falls back to the default baud rates.
func LoadProtocolSettings(file string) (*ProtocolSettings, error) {
	settings := &ProtocolSettings{}
	if file == "" {
		return settings, nil
	}

	v := viper.New()
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return settings, nil
		}
		return nil, fmt.Errorf("failed to read protocol settings: %w", err)
	}

	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("unable to decode protocol settings: %w", err)
	}

	for i, rule := range settings.Ports {
		if rule.Pattern == "" {
			return nil, fmt.Errorf("protocol settings entry %d has no pattern", i)
		}
		if _, err := path.Match(rule.Pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid port pattern %q: %w", rule.Pattern, err)
		}
		for _, candidate := range rule.Candidates {
			if candidate.BaudRate <= 0 {
				return nil, fmt.Errorf("invalid baud rate %d for pattern %q", candidate.BaudRate, rule.Pattern)
			}
		}
	}

	return settings, nil
}

// BaudRatesFor returns the baud rates to try for protocol on target, in file order.
// Rules match the full target or its base name. Once a rule matches, only the
// protocols it lists are tried and any other protocol gets nil. Ports no rule
// matches fall back to the defaults.
func (s *ProtocolSettings) BaudRatesFor(target, protocol string, defaults []int) []int {
	var rates []int
	matched := false
	if s != nil {
		for _, rule := range s.Ports {
			if !matchPort(rule.Pattern, target) {
				continue
			}
			matched = true
			for _, candidate := range rule.Candidates {
				if strings.EqualFold(candidate.Protocol, protocol) && !slices.Contains(rates, candidate.BaudRate) {
					rates = append(rates, candidate.BaudRate)
				}
			}
		}
	}

	if !matched {
		return append([]int(nil), defaults...)
	}
	return rates
}

func matchPort(pattern, target string) bool {
	if ok, err := path.Match(pattern, target); err == nil && ok {
		return true
	}
	ok, err := path.Match(pattern, path.Base(target))
	return err == nil && ok
}
