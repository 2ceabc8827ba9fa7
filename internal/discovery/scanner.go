// internal/discovery/scanner.go
package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lab-bench/internal/model"
)

// PortScanner enumerates attachable ports of one transport
type PortScanner interface {
	Scan(ctx context.Context) ([]model.PortInfo, error)
	GetScannerType() string
	IsAvailable() bool
}

// ScannerManager runs all registered scanners
type ScannerManager struct {
	scanners []PortScanner
	logger   *zap.Logger
}

// NewScannerManager creates a new scanner manager
func NewScannerManager(logger *zap.Logger) *ScannerManager {
	return &ScannerManager{
		logger: logger,
	}
}

// RegisterScanner registers a port scanner; a scanner of the same type is replaced
func (sm *ScannerManager) RegisterScanner(scanner PortScanner) {
	scannerType := scanner.GetScannerType()
	for i, existing := range sm.scanners {
		if existing.GetScannerType() == scannerType {
			sm.scanners[i] = scanner
			return
		}
	}
	sm.scanners = append(sm.scanners, scanner)
	sm.logger.Info("Scanner registered", zap.String("type", scannerType))
}

// ScanAll runs every available scanner in registration order.
// A failing scanner is logged and skipped; targets are reported once.
func (sm *ScannerManager) ScanAll(ctx context.Context) ([]model.PortInfo, error) {
	var allPorts []model.PortInfo
	seen := make(map[string]bool)

	for _, scanner := range sm.scanners {
		if err := ctx.Err(); err != nil {
			return allPorts, err
		}

		scannerType := scanner.GetScannerType()
		if !scanner.IsAvailable() {
			sm.logger.Debug("Scanner not available, skipping", zap.String("type", scannerType))
			continue
		}

		ports, err := scanner.Scan(ctx)
		if err != nil {
			sm.logger.Error("Scanner failed", zap.String("type", scannerType), zap.Error(err))
			continue
		}

		for _, port := range ports {
			if seen[port.Target] {
				continue
			}
			seen[port.Target] = true
			allPorts = append(allPorts, port)
		}
		sm.logger.Debug("Scanner completed",
			zap.String("type", scannerType),
			zap.Int("ports_found", len(ports)),
		)
	}

	return allPorts, nil
}

// ScanByType runs one scanner
func (sm *ScannerManager) ScanByType(ctx context.Context, scannerType string) ([]model.PortInfo, error) {
	for _, scanner := range sm.scanners {
		if scanner.GetScannerType() != scannerType {
			continue
		}
		if !scanner.IsAvailable() {
			return nil, fmt.Errorf("scanner not available: %s", scannerType)
		}
		return scanner.Scan(ctx)
	}
	return nil, fmt.Errorf("scanner type not found: %s", scannerType)
}

// GetAvailableScanners returns list of available scanner types
func (sm *ScannerManager) GetAvailableScanners() []string {
	var available []string
	for _, scanner := range sm.scanners {
		if scanner.IsAvailable() {
			available = append(available, scanner.GetScannerType())
		}
	}
	return available
}
