// internal/handler/device_handler.go
package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lab-bench/internal/model"
	"lab-bench/internal/repository"
	"lab-bench/internal/service"
	"lab-bench/internal/utils"
)

// DeviceHandler handles inventory HTTP requests
type DeviceHandler struct {
	inventoryService *service.InventoryService
	logger           *utils.ServiceLogger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(inventoryService *service.InventoryService, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		inventoryService: inventoryService,
		logger:           utils.NewServiceLogger(logger, "device-handler"),
	}
}

// RegisterRoutes registers device-related routes
func (h *DeviceHandler) RegisterRoutes(router *gin.RouterGroup) {
	devices := router.Group("/devices")
	{
		devices.GET("", h.ListDevices)
		devices.GET("/history", h.ListHistory)
		devices.POST("/scan", h.ScanDevices)

		device := devices.Group("/:device_id")
		{
			device.GET("", h.GetDevice)
			device.POST("/detect", h.DetectDevice)
			device.DELETE("", h.ForgetDevice)
		}
	}
}

// ListDevices lists the current inventory
// @Summary List devices
// @Description List the current inventory, optionally filtered by protocol
// @Tags Devices
// @Produce json
// @Param protocol query string false "Protocol filter" Enums(rpc, scpi, counter)
// @Success 200 {object} utils.APIResponse{data=object{devices=[]model.DeviceSnapshot,total=int}}
// @Failure 503 {object} utils.APIResponse
// @Router /api/v1/devices [get]
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	devices, err := h.inventoryService.ListDevices(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list devices", zap.Error(err))
		respondError(c, "Failed to list devices", err)
		return
	}

	if protocolType := c.Query("protocol"); protocolType != "" {
		filtered := devices[:0]
		for _, device := range devices {
			if string(device.Protocol) == protocolType {
				filtered = append(filtered, device)
			}
		}
		devices = filtered
	}

	utils.SuccessResponse(c, http.StatusOK, "Devices retrieved successfully", gin.H{
		"devices": devices,
		"total":   len(devices),
	})
}

// ListHistory lists recorded devices, including ones no longer attached
// @Summary List device history
// @Description List recorded devices, including ones no longer attached
// @Tags Devices
// @Produce json
// @Param protocol query string false "Protocol filter" Enums(rpc, scpi, counter)
// @Param name query string false "Identity name"
// @Param limit query int false "Maximum records" default(100)
// @Success 200 {object} utils.APIResponse{data=[]model.DeviceRecord}
// @Failure 400 {object} utils.APIResponse
// @Router /api/v1/devices/history [get]
func (h *DeviceHandler) ListHistory(c *gin.Context) {
	filter := &repository.DeviceFilter{Limit: 100}
	if protocolType := c.Query("protocol"); protocolType != "" {
		parsed, err := model.ParseProtocolType(protocolType)
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid protocol", err)
			return
		}
		filter.Protocol = &parsed
	}
	if name := c.Query("name"); name != "" {
		filter.Name = &name
	}
	if limit := c.Query("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 && l <= 1000 {
			filter.Limit = l
		}
	}

	records, err := h.inventoryService.History(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list device history", zap.Error(err))
		respondError(c, "Failed to list device history", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device history retrieved successfully", records)
}

// ScanDevices enumerates ports and probes every new one
// @Summary Scan ports
// @Description Enumerate ports and detect protocols on every new one
// @Tags Devices
// @Produce json
// @Success 200 {object} utils.APIResponse
// @Failure 503 {object} utils.APIResponse
// @Router /api/v1/devices/scan [post]
func (h *DeviceHandler) ScanDevices(c *gin.Context) {
	result, err := h.inventoryService.Scan(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to scan devices", zap.Error(err))
		respondError(c, "Failed to scan devices", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device scan completed", result)
}

// GetDevice retrieves one inventory entry
// @Summary Get device
// @Tags Devices
// @Produce json
// @Param device_id path string true "Device ID"
// @Success 200 {object} utils.APIResponse{data=model.DeviceSnapshot}
// @Failure 404 {object} utils.APIResponse
// @Router /api/v1/devices/{device_id} [get]
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	ids, ok := parseIDs(c, "device_id")
	if !ok {
		return
	}

	device, err := h.inventoryService.GetDevice(c.Request.Context(), ids[0])
	if err != nil {
		respondError(c, "Failed to get device", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device retrieved successfully", device)
}

// DetectDevice probes one entry for a known protocol
// @Summary Detect device protocol
// @Tags Devices
// @Produce json
// @Param device_id path string true "Device ID"
// @Success 200 {object} utils.APIResponse{data=model.DeviceSnapshot}
// @Failure 404 {object} utils.APIResponse
// @Router /api/v1/devices/{device_id}/detect [post]
func (h *DeviceHandler) DetectDevice(c *gin.Context) {
	ids, ok := parseIDs(c, "device_id")
	if !ok {
		return
	}

	device, err := h.inventoryService.DetectDevice(c.Request.Context(), ids[0])
	if err != nil {
		h.logger.Info("Device detection failed", zap.String("device_id", ids[0].String()), zap.Error(err))
		respondError(c, "No protocol found", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device identified", device)
}

// ForgetDevice closes and removes one entry
// @Summary Forget device
// @Tags Devices
// @Produce json
// @Param device_id path string true "Device ID"
// @Success 200 {object} utils.APIResponse
// @Failure 409 {object} utils.APIResponse "Device is claimed"
// @Router /api/v1/devices/{device_id} [delete]
func (h *DeviceHandler) ForgetDevice(c *gin.Context) {
	ids, ok := parseIDs(c, "device_id")
	if !ok {
		return
	}

	if err := h.inventoryService.ForgetDevice(c.Request.Context(), ids[0]); err != nil {
		respondError(c, "Failed to forget device", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device forgotten", gin.H{"device_id": ids[0]})
}
