// internal/service/inventory_service.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lab-bench/internal/events"
	"lab-bench/internal/model"
	"lab-bench/internal/repository"
	"lab-bench/internal/utils"
)

// DeviceInventory is the part of the inventory worker the services use
type DeviceInventory interface {
	UpdateDevices(ctx context.Context) (int, error)
	DetectDevices(ctx context.Context) (int, error)
	DetectDevice(ctx context.Context, id uuid.UUID) (model.DeviceSnapshot, error)
	ForgetDevice(ctx context.Context, id uuid.UUID) error
	Devices(ctx context.Context) ([]model.DeviceSnapshot, error)
	Device(ctx context.Context, id uuid.UUID) (model.DeviceSnapshot, error)
	Release(ctx context.Context, runID uuid.UUID) (int, error)
	RequestRefresh(ctx context.Context)
}

// InventoryService exposes the device inventory and keeps identified devices on record
type InventoryService struct {
	inventory    DeviceInventory
	deviceRepo   repository.DeviceRepository
	bus          *events.Bus
	scanInterval time.Duration
	logger       *utils.ServiceLogger
}

// NewInventoryService creates a new inventory service instance
func NewInventoryService(
	inventory DeviceInventory,
	deviceRepo repository.DeviceRepository,
	bus *events.Bus,
	scanInterval time.Duration,
	logger *zap.Logger,
) *InventoryService {
	return &InventoryService{
		inventory:    inventory,
		deviceRepo:   deviceRepo,
		bus:          bus,
		scanInterval: scanInterval,
		logger:       utils.NewServiceLogger(logger, "inventory-service"),
	}
}

// ScanResult reports one scan and detect pass
type ScanResult struct {
	Added      int `json:"added"`
	Identified int `json:"identified"`
	Total      int `json:"total"`
}

// Start records identified devices and refreshes the inventory periodically
// until ctx is done. A zero scan interval only runs the initial refresh.
func (s *InventoryService) Start(ctx context.Context) {
	identified := s.bus.Subscribe(model.EventDeviceIdentified)
	go func() {
		defer s.bus.Unsubscribe(identified)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-identified:
				s.recordDevice(ctx, event)
			}
		}
	}()

	s.inventory.RequestRefresh(ctx)
	if s.scanInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(s.scanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.inventory.RequestRefresh(ctx)
			}
		}
	}()
	s.logger.Info("Periodic device scan started", zap.Duration("interval", s.scanInterval))
}

// Scan enumerates ports and probes every unidentified one
func (s *InventoryService) Scan(ctx context.Context) (*ScanResult, error) {
	opLogger := utils.NewOperationLogger(s.logger.Logger, "device_scan", uuid.NewString())
	opLogger.Start()

	added, err := s.inventory.UpdateDevices(ctx)
	if err != nil {
		opLogger.Error(err)
		return nil, fmt.Errorf("failed to update devices: %w", err)
	}
	opLogger.Progress("Ports enumerated", 0.5, zap.Int("added", added))

	identified, err := s.inventory.DetectDevices(ctx)
	if err != nil {
		opLogger.Error(err)
		return nil, fmt.Errorf("failed to detect devices: %w", err)
	}

	devices, err := s.inventory.Devices(ctx)
	if err != nil {
		opLogger.Error(err)
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := &ScanResult{Added: added, Identified: identified, Total: len(devices)}
	opLogger.Success(zap.Int("added", added), zap.Int("identified", identified))
	return result, nil
}

// ListDevices returns the current inventory
func (s *InventoryService) ListDevices(ctx context.Context) ([]model.DeviceSnapshot, error) {
	devices, err := s.inventory.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// GetDevice returns one inventory entry
func (s *InventoryService) GetDevice(ctx context.Context, id uuid.UUID) (model.DeviceSnapshot, error) {
	return s.inventory.Device(ctx, id)
}

// DetectDevice probes one entry
func (s *InventoryService) DetectDevice(ctx context.Context, id uuid.UUID) (model.DeviceSnapshot, error) {
	return s.inventory.DetectDevice(ctx, id)
}

// ForgetDevice closes and removes one entry
func (s *InventoryService) ForgetDevice(ctx context.Context, id uuid.UUID) error {
	if err := s.inventory.ForgetDevice(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Device forgotten", zap.String("device_id", id.String()))
	return nil
}

// History returns the recorded devices, including ones no longer attached
func (s *InventoryService) History(ctx context.Context, filter *repository.DeviceFilter) ([]*model.DeviceRecord, error) {
	records, err := s.deviceRepo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list device history: %w", err)
	}
	return records, nil
}

// recordDevice persists a freshly identified device
func (s *InventoryService) recordDevice(ctx context.Context, event events.Event) {
	raw, _ := event.Data["device_id"].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		s.logger.Warn("Identified event without device id", zap.Any("data", event.Data))
		return
	}

	snapshot, err := s.inventory.Device(ctx, id)
	if err != nil {
		s.logger.Warn("Identified device vanished before it was recorded",
			zap.String("device_id", raw), zap.Error(err))
		return
	}

	record, ok := deviceRecord(snapshot, event.Timestamp)
	if !ok {
		return
	}
	if err := s.deviceRepo.Upsert(ctx, record); err != nil {
		s.logger.Error("Failed to record device", zap.String("target", snapshot.Target), zap.Error(err))
	}
}

func deviceRecord(snapshot model.DeviceSnapshot, seen time.Time) (*model.DeviceRecord, bool) {
	if !snapshot.Identified || snapshot.Identity == nil {
		return nil, false
	}
	return &model.DeviceRecord{
		Target:       snapshot.Target,
		Transport:    snapshot.Transport,
		Protocol:     snapshot.Protocol,
		BaudRate:     snapshot.BaudRate,
		Manufacturer: snapshot.Identity.Manufacturer,
		Name:         snapshot.Identity.Name,
		Serial:       snapshot.Identity.Serial,
		Version:      snapshot.Identity.Version,
		Extra:        snapshot.Identity.Extra,
		FirstSeen:    seen,
		LastSeen:     seen,
	}, true
}
