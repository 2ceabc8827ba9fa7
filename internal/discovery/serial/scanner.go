// internal/discovery/serial/scanner.go
package serial

import (
	"context"
	"fmt"
	"path"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"lab-bench/internal/model"
)

// Lister returns the serial ports present on the host
type Lister func() ([]*enumerator.PortDetails, error)

// Scanner enumerates serial ports
type Scanner struct {
	logger   *zap.Logger
	patterns []string
	list     Lister
}

// NewScanner creates a serial scanner. Ports whose name does not match any
// of patterns are ignored; no patterns keeps every port.
func NewScanner(logger *zap.Logger, patterns []string) *Scanner {
	return &Scanner{
		logger:   logger.With(zap.String("scanner", "serial")),
		patterns: patterns,
		list:     enumerator.GetDetailedPortsList,
	}
}

// WithLister replaces the port enumeration
func (s *Scanner) WithLister(list Lister) *Scanner {
	s.list = list
	return s
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "serial"
}

// IsAvailable reports whether serial enumeration works on this host
func (s *Scanner) IsAvailable() bool {
	return true
}

// Scan lists serial ports with their USB metadata where present
func (s *Scanner) Scan(ctx context.Context) ([]model.PortInfo, error) {
	ports, err := s.list()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}

	found := make([]model.PortInfo, 0, len(ports))
	for _, port := range ports {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		if !s.matches(port.Name) {
			continue
		}

		info := model.PortInfo{
			Target:      port.Name,
			Transport:   model.TransportSerial,
			Description: port.Product,
		}
		if port.IsUSB {
			info.VendorID = port.VID
			info.ProductID = port.PID
			info.SerialNumber = port.SerialNumber
		}
		found = append(found, info)
	}

	s.logger.Debug("Serial scan completed", zap.Int("ports_found", len(found)))
	return found, nil
}

func (s *Scanner) matches(name string) bool {
	if len(s.patterns) == 0 {
		return true
	}
	for _, pattern := range s.patterns {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
		if ok, _ := path.Match(pattern, path.Base(name)); ok {
			return true
		}
	}
	return false
}
