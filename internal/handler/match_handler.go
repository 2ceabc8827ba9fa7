// internal/handler/match_handler.go
package handler

import (
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lab-bench/internal/inventory"
	"lab-bench/internal/protocol"
	"lab-bench/internal/service"
	"lab-bench/internal/utils"
)

// MatchHandler handles match runs and calls on claimed devices
type MatchHandler struct {
	matchService *service.MatchService
	logger       *utils.ServiceLogger
}

// NewMatchHandler creates a new match handler
func NewMatchHandler(matchService *service.MatchService, logger *zap.Logger) *MatchHandler {
	return &MatchHandler{
		matchService: matchService,
		logger:       utils.NewServiceLogger(logger, "match-handler"),
	}
}

// RegisterRoutes registers match-related routes
func (h *MatchHandler) RegisterRoutes(router *gin.RouterGroup) {
	matches := router.Group("/matches")
	{
		matches.POST("", h.CreateMatch)
		matches.GET("", h.ListActiveRuns)
		matches.DELETE("/:run_id", h.ReleaseMatch)

		device := matches.Group("/:run_id/devices/:device_id")
		{
			device.GET("/identity", h.Identity)
			device.POST("/call", h.Call)
			device.GET("/unsolicited", h.Unsolicited)
			device.POST("/query", h.Query)
			device.POST("/command", h.Command)
			device.GET("/number", h.Number)
			device.GET("/events", h.Events)
			device.GET("/reading", h.Reading)
		}
	}
}

// CallRequest is one binary function call; args are hex encoded
type CallRequest struct {
	FunctionID *uint8 `json:"function_id" binding:"required"`
	Args       string `json:"args"`
}

// TextRequest carries one text query or command
type TextRequest struct {
	Text string `json:"text" binding:"required"`
}

// ReplyResponse is a binary reply with a hex payload
type ReplyResponse struct {
	FunctionID uint8  `json:"function_id"`
	Payload    string `json:"payload"`
}

// CreateMatch resolves a requirement list and claims the selected devices
// @Summary Match devices
// @Description Resolve a requirement list against the inventory and claim the selected devices
// @Tags Matches
// @Accept json
// @Produce json
// @Param request body service.MatchRequest true "Requirements"
// @Success 201 {object} utils.APIResponse{data=matcher.Result}
// @Failure 400 {object} utils.APIResponse
// @Failure 409 {object} utils.APIResponse "Requirements cannot be satisfied"
// @Router /api/v1/matches [post]
func (h *MatchHandler) CreateMatch(c *gin.Context) {
	var req service.MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.matchService.Match(c.Request.Context(), &req)
	if err != nil {
		h.logger.Info("Device match failed", zap.Error(err))
		respondError(c, "Device match failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusCreated, "Devices matched", result)
}

// ListActiveRuns lists the runs currently holding devices
// @Summary List active runs
// @Tags Matches
// @Produce json
// @Success 200 {object} utils.APIResponse
// @Router /api/v1/matches [get]
func (h *MatchHandler) ListActiveRuns(c *gin.Context) {
	runs, err := h.matchService.ActiveRuns(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to list match runs", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Match runs retrieved successfully", runs)
}

// ReleaseMatch frees the devices of a run
// @Summary Release run
// @Tags Matches
// @Produce json
// @Param run_id path string true "Run ID"
// @Success 200 {object} utils.APIResponse{data=object{run_id=string,released=int}}
// @Router /api/v1/matches/{run_id} [delete]
func (h *MatchHandler) ReleaseMatch(c *gin.Context) {
	ids, ok := parseIDs(c, "run_id")
	if !ok {
		return
	}

	released, err := h.matchService.Release(c.Request.Context(), ids[0])
	if err != nil {
		respondError(c, "Failed to release devices", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Devices released", gin.H{"run_id": ids[0], "released": released})
}

// Identity returns the decoded identity of a claimed device
// @Summary Device identity
// @Tags Calls
// @Produce json
// @Param run_id path string true "Run ID"
// @Param device_id path string true "Device ID"
// @Success 200 {object} utils.APIResponse{data=model.Identity}
// @Failure 409 {object} utils.APIResponse "Device not claimed by run"
// @Router /api/v1/matches/{run_id}/devices/{device_id}/identity [get]
func (h *MatchHandler) Identity(c *gin.Context) {
	handle, ok := h.handle(c)
	if !ok {
		return
	}

	identity, err := handle.Identity(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to read identity", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Identity retrieved", identity)
}

// Call performs one binary function call
// @Summary Binary function call
// @Tags Calls
// @Accept json
// @Produce json
// @Param run_id path string true "Run ID"
// @Param device_id path string true "Device ID"
// @Param request body CallRequest true "Function call"
// @Success 200 {object} utils.APIResponse{data=ReplyResponse}
// @Failure 408 {object} utils.APIResponse "No reply"
// @Failure 422 {object} utils.APIResponse "Device speaks another protocol"
// @Router /api/v1/matches/{run_id}/devices/{device_id}/call [post]
func (h *MatchHandler) Call(c *gin.Context) {
	handle, ok := h.handle(c)
	if !ok {
		return
	}

	var req CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	args, err := hex.DecodeString(req.Args)
	if err != nil {
		utils.ValidationErrorResponse(c, map[string]string{"args": "must be hex encoded"})
		return
	}

	reply, err := handle.Call(c.Request.Context(), *req.FunctionID, args)
	if err != nil {
		respondError(c, "Call failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Call completed", toReplyResponse(reply))
}

// Unsolicited returns binary frames nobody asked for
// @Summary Unsolicited frames
// @Tags Calls
// @Produce json
// @Param run_id path string true "Run ID"
// @Param device_id path string true "Device ID"
// @Success 200 {object} utils.APIResponse{data=[]ReplyResponse}
// @Router /api/v1/matches/{run_id}/devices/{device_id}/unsolicited [get]
func (h *MatchHandler) Unsolicited(c *gin.Context) {
	handle, ok := h.handle(c)
	if !ok {
		return
	}

	replies, err := handle.TakeUnsolicited(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to read unsolicited frames", err)
		return
	}
	out := make([]ReplyResponse, 0, len(replies))
	for _, reply := range replies {
		out = append(out, toReplyResponse(reply))
	}
	utils.SuccessResponse(c, http.StatusOK, "Unsolicited frames retrieved", out)
}

// Query sends a text query and returns the answer
// @Summary Text query
// @Tags Calls
// @Accept json
// @Produce json
// @Param run_id path string true "Run ID"
// @Param device_id path string true "Device ID"
// @Param request body TextRequest true "Query"
// @Success 200 {object} utils.APIResponse{data=object{reply=string}}
// @Failure 408 {object} utils.APIResponse "No answer"
// @Router /api/v1/matches/{run_id}/devices/{device_id}/query [post]
func (h *MatchHandler) Query(c *gin.Context) {
	handle, req, ok := h.textRequest(c)
	if !ok {
		return
	}

	reply, err := handle.GetParameter(c.Request.Context(), req.Text)
	if err != nil {
		respondError(c, "Query failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Query completed", gin.H{"reply": reply})
}

// Command sends a text command
// @Summary Text command
// @Tags Calls
// @Accept json
// @Produce json
// @Param run_id path string true "Run ID"
// @Param device_id path string true "Device ID"
// @Param request body TextRequest true "Command"
// @Success 200 {object} utils.APIResponse
// @Router /api/v1/matches/{run_id}/devices/{device_id}/command [post]
func (h *MatchHandler) Command(c *gin.Context) {
	handle, req, ok := h.textRequest(c)
	if !ok {
		return
	}

	if err := handle.SetParameter(c.Request.Context(), req.Text); err != nil {
		respondError(c, "Command failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Command sent", nil)
}

// Number sends a numeric text query given as ?query=
// @Summary Numeric query
// @Tags Calls
// @Produce json
// @Param run_id path string true "Run ID"
// @Param device_id path string true "Device ID"
// @Param query query string true "Query text"
// @Success 200 {object} utils.APIResponse{data=object{value=string}}
// @Router /api/v1/matches/{run_id}/devices/{device_id}/number [get]
func (h *MatchHandler) Number(c *gin.Context) {
	handle, ok := h.handle(c)
	if !ok {
		return
	}
	query := c.Query("query")
	if query == "" {
		utils.ValidationErrorResponse(c, map[string]string{"query": "is required"})
		return
	}

	value, err := handle.GetNumber(c.Request.Context(), query)
	if err != nil {
		respondError(c, "Query failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Query completed", gin.H{"value": value})
}

// Events returns and clears the captured instrument events
// @Summary Instrument events
// @Tags Calls
// @Produce json
// @Param run_id path string true "Run ID"
// @Param device_id path string true "Device ID"
// @Success 200 {object} utils.APIResponse{data=object{events=[]string}}
// @Router /api/v1/matches/{run_id}/devices/{device_id}/events [get]
func (h *MatchHandler) Events(c *gin.Context) {
	handle, ok := h.handle(c)
	if !ok {
		return
	}

	events, err := handle.TakeEvents(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to read events", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Events retrieved", gin.H{"events": events})
}

// Reading returns the latest counter value
// @Summary Latest counter reading
// @Tags Calls
// @Produce json
// @Param run_id path string true "Run ID"
// @Param device_id path string true "Device ID"
// @Success 200 {object} utils.APIResponse
// @Router /api/v1/matches/{run_id}/devices/{device_id}/reading [get]
func (h *MatchHandler) Reading(c *gin.Context) {
	handle, ok := h.handle(c)
	if !ok {
		return
	}

	reading, err := handle.Reading(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to read counter", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Reading retrieved", reading)
}

func (h *MatchHandler) handle(c *gin.Context) (*inventory.Handle, bool) {
	ids, ok := parseIDs(c, "run_id", "device_id")
	if !ok {
		return nil, false
	}
	return h.matchService.Device(ids[0], ids[1]), true
}

func (h *MatchHandler) textRequest(c *gin.Context) (*inventory.Handle, *TextRequest, bool) {
	handle, ok := h.handle(c)
	if !ok {
		return nil, nil, false
	}
	var req TextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return nil, nil, false
	}
	return handle, &req, true
}

func toReplyResponse(reply protocol.Reply) ReplyResponse {
	return ReplyResponse{FunctionID: reply.FunctionID, Payload: hex.EncodeToString(reply.Payload)}
}
