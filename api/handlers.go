package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
	"board-sync/engine"
	"board-sync/loader"
	"board-sync/subscription"
)

const (
	maxBodySize       = 64 << 10
	workspaceHeader   = "X-Workspace-Id"
	workspaceQueryKey = "workspaceId"
)

// EventPublisher relays change events and control frames to board subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, scopeID string, ev domain.ChangeEvent) error
	PublishControl(ctx context.Context, scopeID, boardID string, reason domain.SubscriptionReason, message string) error
}

type handlers struct {
	registry  *Registry
	auth      Authenticator
	publisher EventPublisher
	logger    *log.Logger
	heartbeat time.Duration
}

// Register wires up all API routes on the provided Echo instance. The event
// relay route is only registered when a publisher is given.
func Register(e *echo.Echo, registry *Registry, auth Authenticator, publisher EventPublisher, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	h := &handlers{
		registry:  registry,
		auth:      auth,
		publisher: publisher,
		logger:    logger,
		heartbeat: defaultHeartbeat,
	}

	e.GET("/healthz", h.healthz)

	g := e.Group("/api/boards", requestMetricsMiddleware(logger))
	g.GET("/:id", h.getBoard)
	g.GET("/:id/columns/:columnId/tasks", h.getTasksByColumn)
	g.POST("/:id/refetch", h.refetch)
	g.POST("/:id/polling", h.polling)
	g.POST("/:id/marks", h.mark)
	g.POST("/:id/tasks/:taskId/move", h.moveTask)
	g.POST("/:id/columns/reorder", h.reorderColumns)
	g.GET("/:id/stream", h.streamBoard)
	g.DELETE("/:id/view", h.closeView)
	if publisher != nil {
		g.POST("/:id/events", h.postEvent)
	}
}

type boardResponse struct {
	Board          *domain.Board `json:"board"`
	Loading        bool          `json:"loading"`
	Error          string        `json:"error,omitempty"`
	LastLoadedAt   *time.Time    `json:"lastLoadedAt,omitempty"`
	Subscribed     bool          `json:"subscribed"`
	Polling        bool          `json:"polling"`
	PollIntervalMs int64         `json:"pollIntervalMs"`
}

type pollingRequest struct {
	Action     string `json:"action"`
	IntervalMs int64  `json:"intervalMs"`
}

type markRequest struct {
	Kind string `json:"kind"`
}

type moveTaskRequest struct {
	ColumnID string  `json:"columnId"`
	Position float64 `json:"position"`
}

type reorderColumnsRequest struct {
	ColumnIDs []string `json:"columnIds"`
}

func (h *handlers) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "views": h.registry.Len()})
}

// identity resolves the caller. EventSource clients cannot set headers, so
// the token may also come from the query string.
func (h *handlers) identity(c echo.Context) (domain.Identity, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if header == "" {
		if token := c.QueryParam("token"); token != "" {
			header = bearerPrefix + token
		}
	}
	userID, err := h.auth.UserIDFromAuthHeader(header)
	if err != nil {
		return domain.Identity{}, h.fail(c, "auth", http.StatusUnauthorized, err)
	}
	token, _ := bearerTokenFromString(header)

	scopeID := c.Request().Header.Get(workspaceHeader)
	if scopeID == "" {
		scopeID = c.QueryParam(workspaceQueryKey)
	}
	if scopeID == "" {
		return domain.Identity{}, h.fail(c, "workspace", http.StatusBadRequest, errors.New("missing workspace"))
	}
	return domain.Identity{Ready: true, UserID: userID, ScopeID: scopeID, Token: token}, nil
}

func (h *handlers) openView(c echo.Context) (*engine.View, domain.Identity, error) {
	identity, err := h.identity(c)
	if err != nil {
		return nil, identity, err
	}
	start := time.Now()
	v, err := h.registry.Open(c.Request().Context(), identity, c.Param("id"))
	metricsFrom(c).ObserveOpen(time.Since(start))
	if err != nil {
		return nil, identity, h.fail(c, "open", statusFor(err), err)
	}
	return v, identity, nil
}

func (h *handlers) fail(c echo.Context, stage string, status int, err error) error {
	metricsFrom(c).Fail(stage, err)
	return echo.NewHTTPError(status, err.Error())
}

// statusFor maps engine and domain errors to response codes.
func statusFor(err error) int {
	switch {
	case domain.IsNotFound(err), errors.Is(err, engine.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrClosed):
		return http.StatusGone
	case errors.Is(err, engine.ErrNotLoaded), errors.Is(err, subscription.ErrNotReady), errors.Is(err, loader.ErrNoTarget):
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func viewResponse(v *engine.View) boardResponse {
	state := v.State()
	resp := boardResponse{
		Loading:        state.Loading,
		Subscribed:     v.Subscribed(),
		Polling:        v.PollingActive(),
		PollIntervalMs: v.PollInterval().Milliseconds(),
	}
	if b, ok := v.Board(); ok {
		resp.Board = &b
	}
	if state.Err != nil {
		resp.Error = state.Err.Error()
	}
	if !state.LastLoadedAt.IsZero() {
		at := state.LastLoadedAt
		resp.LastLoadedAt = &at
	}
	return resp
}

func (h *handlers) getBoard(c echo.Context) error {
	v, _, err := h.openView(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewResponse(v))
}

func (h *handlers) getTasksByColumn(c echo.Context) error {
	v, _, err := h.openView(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"tasks": v.TasksByColumn(c.Param("columnId"))})
}

func (h *handlers) refetch(c echo.Context) error {
	v, _, err := h.openView(c)
	if err != nil {
		return err
	}
	if err := v.Refetch(c.Request().Context()); err != nil {
		return h.fail(c, "refetch", statusFor(err), err)
	}
	return c.JSON(http.StatusOK, viewResponse(v))
}

func (h *handlers) polling(c echo.Context) error {
	v, _, err := h.openView(c)
	if err != nil {
		return err
	}
	var req pollingRequest
	if err := decodeBody(c, &req); err != nil {
		return h.fail(c, "decode", http.StatusBadRequest, errors.New("invalid body"))
	}
	switch req.Action {
	case "start":
		if req.IntervalMs < 0 {
			return h.fail(c, "decode", http.StatusBadRequest, errors.New("invalid interval"))
		}
		v.StartPolling(time.Duration(req.IntervalMs) * time.Millisecond)
	case "stop":
		v.StopPolling()
	default:
		return h.fail(c, "decode", http.StatusBadRequest, errors.New("unknown polling action"))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"polling":    v.PollingActive(),
		"intervalMs": v.PollInterval().Milliseconds(),
	})
}

func (h *handlers) mark(c echo.Context) error {
	v, _, err := h.openView(c)
	if err != nil {
		return err
	}
	var req markRequest
	if err := decodeBody(c, &req); err != nil {
		return h.fail(c, "decode", http.StatusBadRequest, errors.New("invalid body"))
	}
	switch req.Kind {
	case "move":
		v.MarkMoveTaskAction()
	case "reorder":
		v.MarkReorderAction()
	default:
		return h.fail(c, "decode", http.StatusBadRequest, errors.New("unknown mark kind"))
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) moveTask(c echo.Context) error {
	v, _, err := h.openView(c)
	if err != nil {
		return err
	}
	var req moveTaskRequest
	if err := decodeBody(c, &req); err != nil || req.ColumnID == "" {
		return h.fail(c, "decode", http.StatusBadRequest, errors.New("invalid body"))
	}
	if err := v.MoveTask(c.Request().Context(), c.Param("taskId"), req.ColumnID, req.Position); err != nil {
		return h.fail(c, "mutation", statusFor(err), err)
	}
	return c.JSON(http.StatusAccepted, viewResponse(v))
}

func (h *handlers) reorderColumns(c echo.Context) error {
	v, _, err := h.openView(c)
	if err != nil {
		return err
	}
	var req reorderColumnsRequest
	if err := decodeBody(c, &req); err != nil || len(req.ColumnIDs) == 0 {
		return h.fail(c, "decode", http.StatusBadRequest, errors.New("invalid body"))
	}
	if err := v.ReorderColumns(c.Request().Context(), req.ColumnIDs); err != nil {
		return h.fail(c, "mutation", statusFor(err), err)
	}
	return c.JSON(http.StatusAccepted, viewResponse(v))
}

func (h *handlers) closeView(c echo.Context) error {
	identity, err := h.identity(c)
	if err != nil {
		return err
	}
	if !h.registry.Close(identity.UserID, c.Param("id")) {
		return h.fail(c, "close", http.StatusNotFound, errors.New("no open view"))
	}
	return c.NoContent(http.StatusNoContent)
}

// postEvent relays a change event frame to the board's subscribers. The
// caller becomes the event's actor.
func (h *handlers) postEvent(c echo.Context) error {
	identity, err := h.identity(c)
	if err != nil {
		return err
	}
	boardID := c.Param("id")
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
	if err != nil {
		return h.fail(c, "decode", http.StatusBadRequest, errors.New("invalid body"))
	}
	ctx := c.Request().Context()

	ev, err := domain.DecodeFrame(data)
	if err != nil {
		var se *domain.SubscriptionError
		if !errors.As(err, &se) || se.Reason == domain.ReasonDecode {
			return h.fail(c, "decode", http.StatusBadRequest, errors.New("invalid frame"))
		}
		msg := ""
		if se.Err != nil {
			msg = se.Err.Error()
		}
		if err := h.publisher.PublishControl(ctx, identity.ScopeID, boardID, se.Reason, msg); err != nil {
			return h.fail(c, "publish", http.StatusServiceUnavailable, err)
		}
		return c.NoContent(http.StatusAccepted)
	}

	ev.BoardID = boardID
	ev.ActorID = identity.UserID
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if err := ev.Validate(); err != nil {
		return h.fail(c, "validate", http.StatusBadRequest, err)
	}
	if err := h.publisher.Publish(ctx, identity.ScopeID, ev); err != nil {
		return h.fail(c, "publish", http.StatusServiceUnavailable, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"id": ev.ID})
}
