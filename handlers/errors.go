package handlers

import (
	"net/http"

	"bitbucket.org/mmdatafocus/production_backend/config"
	"bitbucket.org/mmdatafocus/production_backend/models"
	"bitbucket.org/mmdatafocus/production_backend/utils"
	"github.com/gin-gonic/gin"
)

// statusFor maps the engine's error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case models.IsValidationError(err):
		return http.StatusBadRequest
	case models.IsNotFoundError(err):
		return http.StatusNotFound
	case models.IsDuplicateConfirmationError(err), models.IsConcurrencyConflictError(err):
		return http.StatusConflict
	case models.IsInsufficientStockError(err):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handler) abort(c *gin.Context, funcName string, taskId int, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	if cid, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok {
		body["correlation_id"] = cid
	}
	if status == http.StatusInternalServerError {
		config.LogError(h.Logger, moduleName, funcName, c.Request.URL.Path, taskId, err)
		body["error"] = "internal error"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}
