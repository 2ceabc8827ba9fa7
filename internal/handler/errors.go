// internal/handler/errors.go
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"lab-bench/internal/inventory"
	"lab-bench/internal/matcher"
	"lab-bench/internal/protocol"
	"lab-bench/internal/repository"
	"lab-bench/internal/service"
	"lab-bench/internal/utils"
)

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var under *matcher.UnderDefinedError
	switch {
	case errors.As(err, &under):
		return http.StatusConflict
	case errors.Is(err, inventory.ErrDeviceNotFound), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, inventory.ErrDeviceInUse),
		errors.Is(err, inventory.ErrNotClaimed),
		errors.Is(err, service.ErrRunNotActive),
		errors.Is(err, matcher.ErrSelectionCancelled),
		errors.Is(err, matcher.ErrSelectionIncomplete),
		errors.Is(err, matcher.ErrNoSelector),
		errors.Is(err, matcher.ErrDuplicateDevice):
		return http.StatusConflict
	case errors.Is(err, inventory.ErrNotIdentified), errors.Is(err, inventory.ErrWrongProtocol):
		return http.StatusUnprocessableEntity
	case errors.Is(err, protocol.ErrReplyTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, inventory.ErrWorkerStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status
func respondError(c *gin.Context, message string, err error) {
	var under *matcher.UnderDefinedError
	if errors.As(err, &under) {
		utils.ErrorResponseWithData(c, http.StatusConflict, message, err, gin.H{"shortfalls": under.Shortfalls})
		return
	}
	utils.ErrorResponse(c, statusFor(err), message, err)
}

// parseIDs reads uuid path parameters, answering 400 on the first invalid one
func parseIDs(c *gin.Context, names ...string) ([]uuid.UUID, bool) {
	ids := make([]uuid.UUID, 0, len(names))
	invalid := make(map[string]string)
	for _, name := range names {
		id, err := uuid.Parse(c.Param(name))
		if err != nil {
			invalid[name] = "must be a UUID"
			continue
		}
		ids = append(ids, id)
	}
	if len(invalid) > 0 {
		utils.ValidationErrorResponse(c, invalid)
		return nil, false
	}
	return ids, true
}
