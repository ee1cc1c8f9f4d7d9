// Package server exposes the engine over HTTP: set discovery, synchronous
// runs, whole-run background submission and task polling.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"opset/runtime"
	"opset/task"
)

type Handler struct {
	l        *slog.Logger
	store    *runtime.Store
	runner   *runtime.Runner
	resolver *runtime.Resolver
	sup      *task.Supervisor
}

func NewHandler(l *slog.Logger, store *runtime.Store, runner *runtime.Runner, resolver *runtime.Resolver, sup *task.Supervisor) *Handler {
	return &Handler{l: l, store: store, runner: runner, resolver: resolver, sup: sup}
}

// Register mounts all routes on the engine.
func (h *Handler) Register(g *gin.Engine) {
	api := g.Group("/api/v1")
	api.GET("/sets", h.listSets)
	api.POST("/sets/:name/run", h.runSet)
	api.POST("/sets/:name/submit", h.submitSet)
	api.GET("/tasks/:id", h.taskStatus)
	api.DELETE("/tasks/:id", h.purgeTask)
}

func (h *Handler) listSets(c *gin.Context) {
	type entry struct {
		Name  string `json:"name"`
		Label string `json:"label"`
		Type  string `json:"type"`
	}

	sets := make([]entry, 0)
	for _, name := range h.store.Names() {
		set, ok := h.store.Get(name)
		if !ok {
			continue
		}
		sets = append(sets, entry{Name: set.Name, Label: set.Label, Type: set.Type})
	}
	c.JSON(http.StatusOK, gin.H{"sets": sets})
}

// runSet executes a set synchronously. Run failures come back as the
// envelope's status/message pair with HTTP 200: the request itself
// succeeded even when the automation did not.
func (h *Handler) runSet(c *gin.Context) {
	set, run, ok := h.prepare(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := h.resolver.Ensure(ctx, set, run); err != nil {
		var derr *runtime.DependencyError
		if errors.As(err, &derr) {
			envelope := runtime.NewEnvelope()
			envelope.Status = runtime.StatusError
			envelope.Message = derr.Error()
			c.JSON(http.StatusOK, envelope)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, h.runner.Run(ctx, set, run))
}

// submitSet runs the whole chain in the background and returns a task
// handle immediately.
func (h *Handler) submitSet(c *gin.Context) {
	set, run, ok := h.prepare(c)
	if !ok {
		return
	}

	handle := h.sup.Submit(func(report func(string)) (string, int, error) {
		// Detached from the request: the run outlives the HTTP exchange.
		ctx := context.Background()

		if err := h.resolver.Ensure(ctx, set, run); err != nil {
			return "", 1, err
		}

		envelope := h.runner.Run(ctx, set, run)
		body, err := envelope.JSON()
		if err != nil {
			return "", 1, err
		}
		if envelope.Status != runtime.StatusSuccess {
			return body, 1, nil
		}
		return body, 0, nil
	})

	h.l.Info("Submitted set for background execution", "set", set.Name, "task_id", handle)
	c.JSON(http.StatusAccepted, gin.H{"task_id": handle})
}

func (h *Handler) taskStatus(c *gin.Context) {
	status, ok := h.sup.Status(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "unknown task"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) purgeTask(c *gin.Context) {
	if !h.sup.Purge(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"message": "unknown task"})
		return
	}
	c.Status(http.StatusNoContent)
}

// prepare resolves the named set and seeds the run context from an optional
// JSON object body. Responds itself on failure.
func (h *Handler) prepare(c *gin.Context) (*runtime.OperationSet, runtime.Context, bool) {
	set, ok := h.store.Get(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "unknown operation set"})
		return nil, nil, false
	}

	input := map[string]any{}
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "request body must be a JSON object"})
			return nil, nil, false
		}
	}

	return set, runtime.NewContext(set, input), true
}
