package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/amelbenhazem/task-ws-api/domain"
)

const genericServerMessage = "internal server error"

// Option customizes the registered handlers.
type Option func(*handler)

// WithDeduper enables Idempotency-Key handling on task creation.
func WithDeduper(d Deduper) Option { return func(h *handler) { h.deduper = d } }

// WithSessions reports live stream sessions in the health check.
func WithSessions(s SessionCounter) Option { return func(h *handler) { h.sessions = s } }

type handler struct {
	tasks    Tasks
	auth     Authenticator
	deduper  Deduper
	sessions SessionCounter
	logger   *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, tasks Tasks, auth Authenticator, logger *log.Logger, opts ...Option) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	h := &handler{tasks: tasks, auth: auth, logger: logger}
	for _, opt := range opts {
		opt(h)
	}

	e.GET("/healthz", h.healthz)
	g := e.Group("/api/tasks")
	g.POST("", h.createTask)
	g.GET("", h.listTasks)
	g.GET("/stats", h.taskStats)
	g.GET("/:id", h.getTask)
	g.PUT("/:id", h.updateTask)
	g.DELETE("/:id", h.deleteTask)
}

func (h *handler) healthz(c echo.Context) error {
	resp := healthResponse{Status: "ok"}
	if h.sessions != nil {
		resp.Sessions = h.sessions.Count()
	}
	return c.JSON(http.StatusOK, resp)
}

// begin starts request metrics and authenticates the caller. When ok is false
// the 401 response has already been written.
func (h *handler) begin(c echo.Context, route, operation string) (*requestMetrics, context.Context, domain.Identity, bool, error) {
	metrics, ctx := newRequestMetrics(c.Request().Context(), h.logger, route, operation)
	c.SetRequest(c.Request().WithContext(ctx))

	authStart := time.Now()
	caller, err := h.auth.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	metrics.ObserveAuth(time.Since(authStart))
	if err != nil {
		metrics.SetErrorStage("auth")
		h.logger.WithError(err).Debug("request rejected")
		return metrics, ctx, domain.Identity{}, false, c.JSON(http.StatusUnauthorized, errorResponse{
			Error:   string(domain.KindAuthentication),
			Message: "authentication error",
		})
	}
	return metrics, ctx, caller, true, nil
}

func (h *handler) createTask(c echo.Context) (err error) {
	metrics, ctx, caller, ok, err := h.begin(c, "/api/tasks", "create")
	defer func() { metrics.Log(c.Response().Status, err) }()
	if !ok {
		return err
	}

	var in domain.CreateInput
	if derr := decodeBody(c, &in); derr != nil {
		return h.fail(c, metrics, "decode", derr)
	}

	key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
	claimed := false
	if key != "" && h.deduper != nil {
		added, derr := h.deduper.Add(ctx, caller.ID, key)
		switch {
		case derr != nil:
			h.logger.WithError(derr).WithField("user", caller.ID).Warn("idempotency check unavailable")
		case !added:
			return h.fail(c, metrics, "idempotency", domain.Conflictf("duplicate request"))
		default:
			claimed = true
		}
	}

	serviceStart := time.Now()
	task, serr := h.tasks.Create(ctx, caller, in)
	metrics.ObserveService(time.Since(serviceStart))
	if serr != nil {
		if claimed {
			if rerr := h.deduper.Remove(context.WithoutCancel(ctx), caller.ID, key); rerr != nil {
				h.logger.Errorf("dedupe rollback failed, err: %v, key: %s, user: %s", rerr, key, caller.ID)
			}
		}
		return h.fail(c, metrics, "service", serr)
	}
	metrics.SetTaskID(task.ID)
	return h.respondTask(c, metrics, http.StatusCreated, task)
}

func (h *handler) listTasks(c echo.Context) (err error) {
	metrics, ctx, caller, ok, err := h.begin(c, "/api/tasks", "list")
	defer func() { metrics.Log(c.Response().Status, err) }()
	if !ok {
		return err
	}

	serviceStart := time.Now()
	tasks, serr := h.tasks.List(ctx, caller)
	metrics.ObserveService(time.Since(serviceStart))
	if serr != nil {
		return h.fail(c, metrics, "service", serr)
	}
	metrics.SetTasksReturned(len(tasks))
	encodeStart := time.Now()
	err = c.JSON(http.StatusOK, tasks)
	metrics.ObserveEncode(time.Since(encodeStart))
	if err != nil {
		metrics.SetErrorStage("encode_response")
	}
	return err
}

func (h *handler) taskStats(c echo.Context) (err error) {
	metrics, ctx, caller, ok, err := h.begin(c, "/api/tasks/stats", "stats")
	defer func() { metrics.Log(c.Response().Status, err) }()
	if !ok {
		return err
	}

	stats, serr := h.tasks.Stats(ctx, caller)
	if serr != nil {
		return h.fail(c, metrics, "service", serr)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *handler) getTask(c echo.Context) (err error) {
	metrics, ctx, caller, ok, err := h.begin(c, "/api/tasks/:id", "get")
	defer func() { metrics.Log(c.Response().Status, err) }()
	if !ok {
		return err
	}

	id := c.Param("id")
	metrics.SetTaskID(id)
	task, serr := h.tasks.Get(ctx, caller, id)
	if serr != nil {
		return h.fail(c, metrics, "service", serr)
	}
	return h.respondTask(c, metrics, http.StatusOK, task)
}

func (h *handler) updateTask(c echo.Context) (err error) {
	metrics, ctx, caller, ok, err := h.begin(c, "/api/tasks/:id", "update")
	defer func() { metrics.Log(c.Response().Status, err) }()
	if !ok {
		return err
	}

	id := c.Param("id")
	metrics.SetTaskID(id)
	expected, verr := parseIfMatch(c.Request().Header.Get(headerIfMatch))
	if verr != nil {
		return h.fail(c, metrics, "decode", verr)
	}
	var patch domain.Patch
	if derr := decodeBody(c, &patch); derr != nil {
		return h.fail(c, metrics, "decode", derr)
	}
	if patch.Empty() {
		return h.fail(c, metrics, "decode", domain.Validationf("nothing to update"))
	}

	serviceStart := time.Now()
	task, serr := h.tasks.Update(ctx, caller, id, patch, expected)
	metrics.ObserveService(time.Since(serviceStart))
	if serr != nil {
		return h.fail(c, metrics, "service", serr)
	}
	return h.respondTask(c, metrics, http.StatusOK, task)
}

func (h *handler) deleteTask(c echo.Context) (err error) {
	metrics, ctx, caller, ok, err := h.begin(c, "/api/tasks/:id", "delete")
	defer func() { metrics.Log(c.Response().Status, err) }()
	if !ok {
		return err
	}

	id := c.Param("id")
	metrics.SetTaskID(id)
	serviceStart := time.Now()
	serr := h.tasks.Delete(ctx, caller, id)
	metrics.ObserveService(time.Since(serviceStart))
	if serr != nil {
		return h.fail(c, metrics, "service", serr)
	}
	return c.JSON(http.StatusOK, deleteResponse{Message: "task deleted", ID: id})
}

func (h *handler) respondTask(c echo.Context, metrics *requestMetrics, status int, task domain.Task) error {
	c.Response().Header().Set("ETag", strconv.Quote(strconv.FormatInt(task.Version, 10)))
	encodeStart := time.Now()
	err := c.JSON(status, task)
	metrics.ObserveEncode(time.Since(encodeStart))
	if err != nil {
		metrics.SetErrorStage("encode_response")
	}
	return err
}

// fail writes the error response for err and records it on the metrics.
func (h *handler) fail(c echo.Context, metrics *requestMetrics, stage string, err error) error {
	metrics.SetErrorStage(stage)
	if domain.KindOf(err) == domain.KindServer {
		metrics.SetCause(err)
		h.logger.WithError(err).WithField("path", c.Path()).Error("task request failed")
	}
	return writeError(c, err)
}

// writeError maps a classified error to its HTTP status and body. Unclassified
// errors never leak their message.
func writeError(c echo.Context, err error) error {
	kind := domain.KindOf(err)
	msg := genericServerMessage
	var de *domain.Error
	if kind != domain.KindServer && errors.As(err, &de) {
		msg = de.Error()
	}
	return c.JSON(statusForKind(kind), errorResponse{Error: string(kind), Message: msg})
}

func statusForKind(k domain.Kind) int {
	switch k {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindAuthentication:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Validationf("invalid body")
	}
	return nil
}

// parseIfMatch reads a task version from an If-Match header. Zero means the
// header was absent.
func parseIfMatch(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return 0, nil
	}
	raw = strings.TrimPrefix(raw, "W/")
	raw = strings.Trim(raw, `"`)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, domain.Validationf("If-Match must carry a task version")
	}
	return v, nil
}
