package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"bitbucket.org/mmdatafocus/production_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const moduleName = "handlers"

const maxBodyBytes = 1 << 20

type Handler struct {
	Service Service
	Logger  *logrus.Logger
}

func NewHandler(service Service, logger *logrus.Logger) *Handler {
	return &Handler{Service: service, Logger: logger}
}

// Register mounts the task routes on r.
func (h *Handler) Register(r gin.IRouter) {
	tasks := r.Group("/tasks")
	tasks.POST("", h.createTask)
	tasks.GET("", h.listTasks)
	tasks.GET("/:id", h.getTask)
	tasks.PUT("/:id", h.updateTask)
	tasks.PATCH("/:id/status", h.changeStatus)
	tasks.DELETE("/:id", h.deleteTask)
	tasks.POST("/:id/confirm", h.confirmConsumption)
	tasks.PUT("/:id/usage", h.editUsage)
	tasks.POST("/:id/release-holds", h.releaseHolds)
	tasks.GET("/:id/cost", h.getCost)
	tasks.GET("/:id/cost-ledger", h.getCostLedger)
	tasks.POST("/:id/recompute", h.recompute)
	tasks.PUT("/:id/cost-override", h.setManualCost)
	tasks.DELETE("/:id/cost-override", h.clearManualCost)
}

type validatable interface {
	Validate() error
}

// decodeBody reads a JSON body into dst, rejecting unknown fields, and
// validates it. An empty body is allowed when optional is set.
func decodeBody(c *gin.Context, dst validatable, optional bool) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		return &models.ValidationError{Field: "body", Message: err.Error()}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		if !optional {
			return &models.ValidationError{Field: "body", Message: "request body is required"}
		}
		return dst.Validate()
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &models.ValidationError{Field: "body", Message: err.Error()}
	}
	if dec.More() {
		return &models.ValidationError{Field: "body", Message: "unexpected data after JSON body"}
	}
	return dst.Validate()
}

func taskIdParam(c *gin.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return 0, &models.ValidationError{Field: "id", Message: fmt.Sprintf("invalid task id %q", c.Param("id"))}
	}
	return id, nil
}

func (h *Handler) createTask(c *gin.Context) {
	var input models.NewManufacturingTask
	if err := decodeBody(c, &input, false); err != nil {
		h.abort(c, "createTask", 0, err)
		return
	}
	result, err := h.Service.CreateTask(c.Request.Context(), &input)
	if err != nil {
		h.abort(c, "createTask", 0, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *Handler) listTasks(c *gin.Context) {
	tasks, err := h.Service.ListTasks(c.Request.Context())
	if err != nil {
		h.abort(c, "listTasks", 0, err)
		return
	}
	if tasks == nil {
		tasks = []*models.ManufacturingTask{}
	}
	c.JSON(http.StatusOK, tasks)
}

func (h *Handler) getTask(c *gin.Context) {
	id, err := taskIdParam(c)
	if err != nil {
		h.abort(c, "getTask", 0, err)
		return
	}
	task, err := h.Service.GetTask(c.Request.Context(), id)
	if err != nil {
		h.abort(c, "getTask", id, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) updateTask(c *gin.Context) {
	id, err := taskIdParam(c)
	if err != nil {
		h.abort(c, "updateTask", 0, err)
		return
	}
	var input models.UpdateManufacturingTask
	if err := decodeBody(c, &input, false); err != nil {
		h.abort(c, "updateTask", id, err)
		return
	}
	result, err := h.Service.UpdateTask(c.Request.Context(), id, &input)
	if err != nil {
		h.abort(c, "updateTask", id, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) changeStatus(c *gin.Context) {
	id, err := taskIdParam(c)
	if err != nil {
		h.abort(c, "changeStatus", 0, err)
		return
	}
	var input models.TaskStatusInput
	if err := decodeBody(c, &input, false); err != nil {
		h.abort(c, "changeStatus", id, err)
		return
	}
	result, err := h.Service.ChangeTaskStatus(c.Request.Context(), id, input.Status)
	if err != nil {
		h.abort(c, "changeStatus", id, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) deleteTask(c *gin.Context) {
	id, err := taskIdParam(c)
	if err != nil {
		h.abort(c, "deleteTask", 0, err)
		return
	}
	warnings, err := h.Service.DeleteTask(c.Request.Context(), id)
	if err != nil {
		h.abort(c, "deleteTask", id, err)
		return
	}
	if len(warnings) == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, gin.H{"warnings": warnings})
}

func (h *Handler) confirmConsumption(c *gin.Context) {
	id, err := taskIdParam(c)
	if err != nil {
		h.abort(c, "confirmConsumption", 0, err)
		return
	}
	result, err := h.Service.ConfirmConsumption(c.Request.Context(), id)
	if err != nil {
		h.abort(c, "confirmConsumption", id, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) editUsage(c *gin.Context) {
	id, err := taskIdParam(c)
	if err != nil {
		h.abort(c, "editUsage", 0, err)
		return
	}
	var input models.MaterialUsageInput
	if err := decodeBody(c, &input, false); err != nil {
		h.abort(c, "editUsage", id, err)
		return
	}
	result, err := h.Service.EditMaterialUsage(c.Request.Context(), id, &input)
	if err != nil {
		h.abort(c, "editUsage", id, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) releaseHolds(c *gin.Context) {
	id, err := taskIdParam(c)
	if err != nil {
		h.abort(c, "releaseHolds", 0, err)
		return
	}
	result, err := h.Service.ReleaseHolds(c.Request.Context(), id)
	if err != nil {
		h.abort(c, "releaseHolds", id, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) getCost(c *gin.Context) {
	id, err := taskIdParam(c)
	if err != nil {
		h.abort(c, "getCost", 0, err)
		return
	}
	snapshot, err := h.Service.GetCostSnapshot(c.Request.Context(), id)
	if err != nil {
		h.abort(c, "getCost", id, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *Handler) getCostLedger(c *gin.Context) {
	id, err := taskIdParam(c)
	if err != nil {
		h.abort(c, "getCostLedger", 0, err)
		return
	}
	entries, err := h.Service.GetCostLedger(c.Request.Context(), id)
	if err != nil {
		h.abort(c, "getCostLedger", id, err)
		return
	}
	if entries == nil {
		entries = []models.CostLedgerEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handler) recompute(c *gin.Context) {
	id, err := taskIdParam(c)
	if err != nil {
		h.abort(c, "recompute", 0, err)
		return
	}
	var input models.RecomputeInput
	if err := decodeBody(c, &input, true); err != nil {
		h.abort(c, "recompute", id, err)
		return
	}
	result, err := h.Service.Recompute(c.Request.Context(), id, input.Reason)
	if err != nil {
		h.abort(c, "recompute", id, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) setManualCost(c *gin.Context) {
	id, err := taskIdParam(c)
	if err != nil {
		h.abort(c, "setManualCost", 0, err)
		return
	}
	var input models.ManualCostInput
	if err := decodeBody(c, &input, false); err != nil {
		h.abort(c, "setManualCost", id, err)
		return
	}
	result, err := h.Service.SetManualCost(c.Request.Context(), id, &input)
	if err != nil {
		h.abort(c, "setManualCost", id, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) clearManualCost(c *gin.Context) {
	id, err := taskIdParam(c)
	if err != nil {
		h.abort(c, "clearManualCost", 0, err)
		return
	}
	var input models.RecomputeInput
	if err := decodeBody(c, &input, true); err != nil {
		h.abort(c, "clearManualCost", id, err)
		return
	}
	result, err := h.Service.ClearManualCost(c.Request.Context(), id, input.Reason)
	if err != nil {
		h.abort(c, "clearManualCost", id, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
