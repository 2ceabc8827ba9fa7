// internal/discovery/usb/scanner.go
package usb

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"lab-bench/internal/channel"
	"lab-bench/internal/model"
)

// Scanner enumerates USBTMC instruments
type Scanner struct {
	logger       *zap.Logger
	knownDevices *VendorDatabase
	enabled      bool
}

// NewScanner creates a new USB scanner
func NewScanner(logger *zap.Logger, enabled bool) *Scanner {
	return &Scanner{
		logger:       logger.With(zap.String("scanner", "usb")),
		knownDevices: NewVendorDatabase(),
		enabled:      enabled,
	}
}

// GetScannerType returns scanner type identifier
func (s *Scanner) GetScannerType() string {
	return "usb"
}

// IsAvailable reports whether USB scanning is enabled
func (s *Scanner) IsAvailable() bool {
	return s.enabled
}

// Scan lists every device exposing a USBTMC interface
func (s *Scanner) Scan(ctx context.Context) ([]model.PortInfo, error) {
	usbCtx := gousb.NewContext()
	defer func() {
		if err := usbCtx.Close(); err != nil {
			s.logger.Warn("Failed to close USB context", zap.Error(err))
		}
	}()

	devices, err := usbCtx.OpenDevices(HasTMCInterface)
	defer s.closeAllDevices(devices)
	if err != nil && len(devices) == 0 {
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}
	if err != nil {
		// some devices could not be opened, keep the rest
		s.logger.Warn("USB enumeration incomplete", zap.Error(err))
	}

	found := make([]model.PortInfo, 0, len(devices))
	for _, device := range devices {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		found = append(found, s.describeDevice(device))
	}

	s.logger.Debug("USB scan completed", zap.Int("ports_found", len(found)))
	return found, nil
}

// HasTMCInterface reports whether any configuration carries a USBTMC interface
func HasTMCInterface(desc *gousb.DeviceDesc) bool {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, setting := range intf.AltSettings {
				if channel.IsUSBTMC(setting) {
					return true
				}
			}
		}
	}
	return false
}

func (s *Scanner) describeDevice(device *gousb.Device) model.PortInfo {
	desc := device.Desc
	info := model.PortInfo{
		Target:    channel.FormatUSBTarget(desc.Vendor, desc.Product, desc.Bus, desc.Address),
		Transport: model.TransportUSB,
		VendorID:  desc.Vendor.String(),
		ProductID: desc.Product.String(),
	}

	info.Description = s.knownDevices.Describe(desc.Vendor, desc.Product)
	if info.Description == "" {
		info.Description = s.stringDescriptor(device.Product)
	}
	info.SerialNumber = s.stringDescriptor(device.SerialNumber)
	return info
}

// stringDescriptor reads an optional string descriptor, empty on failure
func (s *Scanner) stringDescriptor(read func() (string, error)) string {
	value, err := read()
	if err != nil {
		s.logger.Debug("Failed to get string descriptor", zap.Error(err))
		return ""
	}
	return strings.TrimSpace(value)
}

// closeAllDevices safely closes all opened USB devices
func (s *Scanner) closeAllDevices(devices []*gousb.Device) {
	for i, device := range devices {
		if device != nil {
			if err := device.Close(); err != nil {
				s.logger.Warn("Failed to close USB device",
					zap.Int("device_index", i),
					zap.Error(err),
				)
			}
		}
	}
}
