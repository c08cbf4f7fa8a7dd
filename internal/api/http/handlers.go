// Package http implements the REST surface: builds, previews, app
// records, and environment lifecycle.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/appcanvas/runtime/internal/api/ws"
	"github.com/appcanvas/runtime/internal/bundler"
	"github.com/appcanvas/runtime/internal/sandbox/bridge"
	"github.com/appcanvas/runtime/internal/infrastructure/logging"
	"github.com/appcanvas/runtime/internal/runtime"
	"github.com/appcanvas/runtime/internal/sandbox/host"
	"github.com/appcanvas/runtime/internal/sandbox/protocol"
	"github.com/appcanvas/runtime/internal/sandbox/proxy"
	"github.com/appcanvas/runtime/internal/shared/id"
	"github.com/appcanvas/runtime/internal/shared/utils"
	"github.com/appcanvas/runtime/internal/store"
)

// Sandboxes is the live-connection surface: record changes made over
// REST fan out to running sandboxes, and the host can pull a sandbox's
// working copy on demand.
type Sandboxes interface {
	Broadcast(appID string, data json.RawMessage)
	Snapshot(ctx context.Context, appID string) (json.RawMessage, error)
}

// Handlers serves the REST API.
type Handlers struct {
	bundler   *bundler.Bundler
	records   store.Store
	manager   *runtime.Manager
	pool      *runtime.Pool
	sandboxes Sandboxes
	logger    *logging.Logger
}

// NewHandlers wires the REST surface to its collaborators.
func NewHandlers(b *bundler.Bundler, records store.Store, manager *runtime.Manager, pool *runtime.Pool, sandboxes Sandboxes, logger *logging.Logger) *Handlers {
	return &Handlers{
		bundler:   b,
		records:   records,
		manager:   manager,
		pool:      pool,
		sandboxes: sandboxes,
		logger:    logger.Named("api"),
	}
}

// Register mounts all REST routes on the router group.
func (h *Handlers) Register(r gin.IRoutes) {
	r.POST("/bundle", h.Bundle)
	r.POST("/preview", h.Preview)

	r.GET("/apps/:appId/records", h.ListRecords)
	r.PUT("/apps/:appId/records", h.ReplaceRecords)
	r.POST("/apps/:appId/records", h.MutateRecords)
	r.GET("/apps/:appId/records/live", h.LiveRecords)

	r.POST("/environments", h.CreateEnvironment)
	r.GET("/environments", h.ListEnvironments)
	r.GET("/environments/:id", h.GetEnvironment)
	r.DELETE("/environments/:id", h.ReleaseEnvironment)
	r.POST("/environments/:id/deploy", h.Deploy)
	r.POST("/environments/:id/exec", h.Exec)
	r.GET("/environments/:id/stats", h.EnvironmentStats)
}

type bundleRequest struct {
	Files map[string]string `json:"files" binding:"required"`
}

// Bundle compiles a virtual file set and returns either the module code
// or the full diagnostic list. Build failures are a 422, not a 500: the
// input was understood, the code in it was not.
func (h *Handlers) Bundle(c *gin.Context) {
	var req bundleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := utils.ValidateFileSet(req.Files); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := h.bundler.Bundle(c.Request.Context(), req.Files, bundler.DefaultExternals())
	if result.Failed() {
		c.JSON(http.StatusUnprocessableEntity, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

type previewRequest struct {
	AppID string            `json:"app_id"`
	Files map[string]string `json:"files" binding:"required"`
}

// Preview bundles the file set and assembles the executable document,
// seeding it with the app's current records. A new app ID is minted when
// the caller supplies none.
func (h *Handlers) Preview(c *gin.Context) {
	var req previewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := utils.ValidateFileSet(req.Files); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	appID := req.AppID
	if appID == "" {
		appID = id.NewAppID().String()
	} else if err := utils.ValidateAppID(appID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := h.bundler.Bundle(c.Request.Context(), req.Files, bundler.DefaultExternals())
	if result.Failed() {
		c.JSON(http.StatusUnprocessableEntity, result)
		return
	}

	records, err := h.records.List(c.Request.Context(), appID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	initial, err := json.Marshal(records)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	doc, err := host.BuildDocument(appID, result.Code, initial, result.Externals)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"app_id":   appID,
		"document": doc,
	})
}

// ListRecords returns the app's current record list.
func (h *Handlers) ListRecords(c *gin.Context) {
	records, err := h.records.List(c.Request.Context(), c.Param("appId"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

type replaceRecordsRequest struct {
	Records []store.Record `json:"records"`
}

// ReplaceRecords swaps the app's record list wholesale.
func (h *Handlers) ReplaceRecords(c *gin.Context) {
	var req replaceRecordsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	appID := c.Param("appId")
	if err := h.records.Replace(c.Request.Context(), appID, req.Records); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	h.notify(appID, req.Records)
	c.Status(http.StatusNoContent)
}

// notify fans the new record list out to any running sandboxes.
func (h *Handlers) notify(appID string, records []store.Record) {
	if h.sandboxes == nil {
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		h.logger.Warn("encode fan-out snapshot failed", zap.String("app_id", appID), zap.Error(err))
		return
	}
	h.sandboxes.Broadcast(appID, data)
}

// MutateRecords applies one add/update/delete mutation, the same
// operations the sandbox issues over the bridge, and returns the updated
// record list.
func (h *Handlers) MutateRecords(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	appID := c.Param("appId")
	resp := proxy.New(appID, h.records, h.logger).Handle(c.Request.Context(), protocol.APIRequestPayload{
		RequestID: id.NewRequestID().String(),
		Method:    "POST",
		Body:      body,
	})
	if !resp.Success {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": resp.Error})
		return
	}
	if h.sandboxes != nil {
		h.sandboxes.Broadcast(appID, resp.Data)
	}
	c.JSON(http.StatusOK, gin.H{"records": json.RawMessage(resp.Data)})
}

// LiveRecords pulls the working record list out of a connected sandbox.
// Between data-updates the sandbox copy can be ahead of the store.
func (h *Handlers) LiveRecords(c *gin.Context) {
	if h.sandboxes == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": ws.ErrNoSandbox.Error()})
		return
	}
	data, err := h.sandboxes.Snapshot(c.Request.Context(), c.Param("appId"))
	if err != nil {
		switch {
		case errors.Is(err, ws.ErrNoSandbox):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, bridge.ErrTimeout), errors.Is(err, bridge.ErrNotReady):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": data})
}

type createEnvironmentRequest struct {
	AppID string `json:"app_id" binding:"required"`
}

// CreateEnvironment hands out an environment for the app, preferring the
// warm reserve.
func (h *Handlers) CreateEnvironment(c *gin.Context) {
	var req createEnvironmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := utils.ValidateAppID(req.AppID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	env, err := h.pool.Acquire(c.Request.Context(), req.AppID)
	if err != nil {
		h.logger.Error("environment acquisition failed", zap.String("app_id", req.AppID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, env)
}

// ListEnvironments lists environments, optionally filtered by app_id.
func (h *Handlers) ListEnvironments(c *gin.Context) {
	envs := h.manager.List(c.Query("app_id"))
	if envs == nil {
		envs = []*runtime.Environment{}
	}
	c.JSON(http.StatusOK, gin.H{"environments": envs})
}

// GetEnvironment returns one environment.
func (h *Handlers) GetEnvironment(c *gin.Context) {
	env, ok := h.manager.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "environment not found"})
		return
	}
	c.JSON(http.StatusOK, env)
}

// ReleaseEnvironment destroys an environment. Releasing an unknown ID is
// a no-op success so retries converge.
func (h *Handlers) ReleaseEnvironment(c *gin.Context) {
	if err := h.pool.Release(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type deployRequest struct {
	Files map[string]string `json:"files" binding:"required"`
}

// Deploy stages server-side code into the environment and installs its
// dependencies. Install failures return the captured tool output.
func (h *Handlers) Deploy(c *gin.Context) {
	var req deployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := utils.ValidateFileSet(req.Files); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	envID := c.Param("id")
	output, err := h.manager.DeployCode(c.Request.Context(), envID, req.Files)
	if err != nil {
		var depErr *runtime.DeploymentError
		if errors.As(err, &depErr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":  depErr.Error(),
				"output": depErr.Output,
			})
			return
		}
		var envErr *runtime.EnvironmentError
		if errors.As(err, &envErr) {
			c.JSON(http.StatusNotFound, gin.H{"error": envErr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": output})
}

type execRequest struct {
	Command []string `json:"command" binding:"required"`
}

// Exec runs one command inside the environment and returns its combined
// output and exit code. A nonzero exit is still a 200; the caller decides
// what the code means.
func (h *Handlers) Exec(c *gin.Context) {
	var req execRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Command) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	output, exitCode, err := h.manager.Run(c.Request.Context(), c.Param("id"), req.Command)
	if err != nil {
		var envErr *runtime.EnvironmentError
		if errors.As(err, &envErr) {
			c.JSON(http.StatusNotFound, gin.H{"error": envErr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": output, "exit_code": exitCode})
}

// EnvironmentStats samples resource usage for one environment.
func (h *Handlers) EnvironmentStats(c *gin.Context) {
	stats, err := h.manager.Stats(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
