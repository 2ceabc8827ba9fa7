package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const settingsYAML = `
ports:
  - pattern: "ttyUSB*"
    candidates:
      - protocol: scpi
        baud_rate: 9600
      - protocol: scpi
        baud_rate: 19200
      - protocol: rpc
        baud_rate: 115200
  - pattern: "/dev/ttyUSB1"
    candidates:
      - protocol: scpi
        baud_rate: 9600
      - protocol: scpi
        baud_rate: 38400
`

func TestLoadProtocolSettings(t *testing.T) {
	settings, err := LoadProtocolSettings(writeFile(t, "protocols.yaml", settingsYAML))
	require.NoError(t, err)
	require.Len(t, settings.Ports, 2)

	defaults := []int{115200, 9600}
	tests := []struct {
		description string
		target      string
		protocol    string
		expected    []int
	}{
		{"base name match", "/dev/ttyUSB0", "scpi", []int{9600, 19200}},
		{"merged rules without duplicates", "/dev/ttyUSB1", "scpi", []int{9600, 19200, 38400}},
		{"other protocol on same port", "/dev/ttyUSB0", "rpc", []int{115200}},
		{"protocol name is case insensitive", "/dev/ttyUSB0", "SCPI", []int{9600, 19200}},
		{"protocol not listed for matched port", "/dev/ttyUSB0", "counter", nil},
		{"no rule for port", "/dev/ttyACM0", "scpi", defaults},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			assert.Equal(t, tt.expected, settings.BaudRatesFor(tt.target, tt.protocol, defaults))
		})
	}
}

func TestBaudRatesFor_RuleRestrictsProtocols(t *testing.T) {
	settings := &ProtocolSettings{Ports: []PortRule{
		{Pattern: "ttyACM*", Candidates: []ProtocolCandidate{{Protocol: "counter", BaudRate: 9600}}},
		{Pattern: "ttyS*"},
	}}
	defaults := []int{115200, 9600}

	assert.Equal(t, []int{9600}, settings.BaudRatesFor("/dev/ttyACM0", "counter", defaults))
	assert.Nil(t, settings.BaudRatesFor("/dev/ttyACM0", "rpc", defaults))
	assert.Nil(t, settings.BaudRatesFor("/dev/ttyACM0", "scpi", defaults))
	assert.Nil(t, settings.BaudRatesFor("/dev/ttyS0", "scpi", defaults), "a rule without candidates disables the port")
	assert.Equal(t, defaults, settings.BaudRatesFor("/dev/ttyUSB0", "rpc", defaults))
}

func TestLoadProtocolSettings_MissingFile(t *testing.T) {
	settings, err := LoadProtocolSettings(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, settings.Ports)
	assert.Equal(t, []int{9600}, settings.BaudRatesFor("/dev/ttyS0", "scpi", []int{9600}))
}

func TestLoadProtocolSettings_Invalid(t *testing.T) {
	_, err := LoadProtocolSettings(writeFile(t, "bad.yaml", `
ports:
  - pattern: "ttyUSB*"
    candidates:
      - protocol: scpi
        baud_rate: 0
`))
	assert.Error(t, err)

	_, err = LoadProtocolSettings(writeFile(t, "nopattern.yaml", `
ports:
  - candidates:
      - protocol: scpi
        baud_rate: 9600
`))
	assert.Error(t, err)
}

func TestBaudRatesFor_NilSettings(t *testing.T) {
	var settings *ProtocolSettings
	defaults := []int{4800}
	rates := settings.BaudRatesFor("COM3", "scpi", defaults)
	assert.Equal(t, defaults, rates)

	rates[0] = 1
	assert.Equal(t, 4800, defaults[0])
}
