package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		count, min, max int
		expected        Classification
	}{
		{0, 1, 1, UnderDefined},
		{1, 1, 1, FullDefined},
		{2, 1, 1, OverDefined},
		{0, 0, 1, FullDefined},
		{3, 2, 4, FullDefined},
		{5, 2, 4, OverDefined},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, Classify(tt.count, tt.min, tt.max), "count=%d min=%d max=%d", tt.count, tt.min, tt.max)
	}
}

func TestNameMatches(t *testing.T) {
	tests := []struct {
		description string
		patterns    []string
		name        string
		expected    bool
	}{
		{"empty list matches everything", nil, "HM8150", true},
		{"star matches everything", []string{"*"}, "", true},
		{"exact name", []string{"HM8150"}, "HM8150", true},
		{"glob", []string{"U125*"}, "U1252B", true},
		{"any of several", []string{"34401A", "U125?B"}, "U1251B", true},
		{"no match", []string{"HM*"}, "U1252B", false},
		{"star spans slash", []string{"HM*"}, "HM8150/2", true},
		{"question mark matches slash", []string{"HM8150?2"}, "HM8150/2", true},
		{"negated class", []string{"U125[!1]B"}, "U1251B", false},
		{"malformed pattern never matches", []string{"["}, "[", false},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			assert.Equal(t, tt.expected, NameMatches(tt.patterns, tt.name))
		})
	}
}

func TestRequirementValidate(t *testing.T) {
	tests := []struct {
		description string
		requirement Requirement
		wantErr     bool
	}{
		{"valid", Requirement{Protocol: ProtocolSCPI, Min: 1, Max: 1}, false},
		{"optional device", Requirement{Protocol: ProtocolCounter, Min: 0, Max: 2}, false},
		{"unknown protocol", Requirement{Protocol: "modbus", Min: 1, Max: 1}, true},
		{"negative min", Requirement{Protocol: ProtocolRPC, Min: -1, Max: 1}, true},
		{"zero max", Requirement{Protocol: ProtocolRPC, Min: 0, Max: 0}, true},
		{"min above max", Requirement{Protocol: ProtocolRPC, Min: 3, Max: 2}, true},
		{"bad pattern", Requirement{Protocol: ProtocolSCPI, NamePatterns: []string{"["}, Min: 1, Max: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			err := tt.requirement.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIdentityTable(t *testing.T) {
	identity := Identity{
		Manufacturer: "HAMEG",
		Name:         "HM8150",
		Serial:       "SN1",
		Version:      "1.0",
		Extra:        IdentityFields{"target": "/dev/ttyUSB0", "name": "ignored"},
	}

	table := identity.Table()
	assert.Equal(t, "HM8150", table["name"])
	assert.Equal(t, "/dev/ttyUSB0", table["target"])
	assert.Len(t, table, 5)
}
