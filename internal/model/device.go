// internal/model/device.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolType identifies the protocol an instrument speaks
type ProtocolType string

const (
	ProtocolRPC     ProtocolType = "rpc"
	ProtocolSCPI    ProtocolType = "scpi"
	ProtocolCounter ProtocolType = "counter"
)

// ParseProtocolType parses a protocol name as written in requirements and settings files
func ParseProtocolType(name string) (ProtocolType, error) {
	switch ProtocolType(name) {
	case ProtocolRPC, ProtocolSCPI, ProtocolCounter:
		return ProtocolType(name), nil
	}
	return "", fmt.Errorf("unknown protocol type: %q", name)
}

// TransportType represents how an instrument is attached
type TransportType string

const (
	TransportSerial TransportType = "SERIAL"
	TransportUSB    TransportType = "USB"
)

// PortInfo describes an enumerated port before anything was opened
type PortInfo struct {
	Target       string        `json:"target"`
	Transport    TransportType `json:"transport"`
	Description  string        `json:"description,omitempty"`
	VendorID     string        `json:"vendor_id,omitempty"`
	ProductID    string        `json:"product_id,omitempty"`
	SerialNumber string        `json:"serial_number,omitempty"`
}

// IdentityFields type for PostgreSQL JSONB objects
type IdentityFields map[string]string

func (f *IdentityFields) Scan(value interface{}) error {
	if value == nil {
		*f = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, f)
}

func (f IdentityFields) Value() (driver.Value, error) {
	if f == nil {
		return nil, nil
	}
	return json.Marshal(f)
}

// Identity holds the decoded identity fields of an instrument
type Identity struct {
	Manufacturer string         `json:"manufacturer"`
	Name         string         `json:"name"`
	Serial       string         `json:"serial"`
	Version      string         `json:"version"`
	Extra        IdentityFields `json:"extra,omitempty"`
}

// Table returns the identity as the flat table handed to acceptance callbacks
func (i Identity) Table() map[string]string {
	table := map[string]string{
		"manufacturer": i.Manufacturer,
		"name":         i.Name,
		"serial":       i.Serial,
		"version":      i.Version,
	}
	for k, v := range i.Extra {
		if _, exists := table[k]; !exists {
			table[k] = v
		}
	}
	return table
}

// DeviceSnapshot is a copy of one inventory entry handed out of the worker
type DeviceSnapshot struct {
	ID          uuid.UUID     `json:"id" db:"id"`
	Target      string        `json:"target" db:"target"`
	Transport   TransportType `json:"transport" db:"transport"`
	Description string        `json:"description" db:"description"`
	Connected   bool          `json:"connected"`
	Identified  bool          `json:"identified"`
	Protocol    ProtocolType  `json:"protocol,omitempty" db:"protocol"`
	BaudRate    int           `json:"baud_rate,omitempty" db:"baud_rate"`
	Identity    *Identity     `json:"identity,omitempty"`
	InUseBy     *uuid.UUID    `json:"in_use_by,omitempty"`
	LastProbe   *time.Time    `json:"last_probe,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

// IsInUse checks if a running test holds the device
func (d DeviceSnapshot) IsInUse() bool {
	return d.InUseBy != nil
}

// Candidate is an identified device offered to the matcher
type Candidate struct {
	DeviceID uuid.UUID    `json:"device_id"`
	Target   string       `json:"target"`
	Protocol ProtocolType `json:"protocol"`
	Identity Identity     `json:"identity"`
}

// DeviceRecord is the persisted form of an identified device
type DeviceRecord struct {
	Target       string         `json:"target" db:"target"`
	Transport    TransportType  `json:"transport" db:"transport"`
	Protocol     ProtocolType   `json:"protocol" db:"protocol"`
	BaudRate     int            `json:"baud_rate" db:"baud_rate"`
	Manufacturer string         `json:"manufacturer" db:"manufacturer"`
	Name         string         `json:"name" db:"name"`
	Serial       string         `json:"serial" db:"serial"`
	Version      string         `json:"version" db:"version"`
	Extra        IdentityFields `json:"extra" db:"extra"`
	FirstSeen    time.Time      `json:"first_seen" db:"first_seen"`
	LastSeen     time.Time      `json:"last_seen" db:"last_seen"`
}
