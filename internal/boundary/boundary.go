// Package boundary implements the BoundaryAdapter: a thin REST + WebSocket
// translation layer over the orchestrator, per spec.md §6. It is grounded
// on the teacher's HTTP asset-server wiring pattern (single router, central
// error mapping), reworked onto a github.com/labstack/echo/v4 router since
// the orchestrator here is reached over the network rather than in-process.
package boundary

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"sessionforge/internal/eventhub"
	"sessionforge/internal/orcherr"
	"sessionforge/internal/orchestrator"
	"sessionforge/internal/session"
)

// Adapter owns the echo server and translates REST/WS calls into
// orchestrator operations.
type Adapter struct {
	echo   *echo.Echo
	orch   *orchestrator.Orchestrator
	hub    *eventhub.Hub
	errLog *errorLog
}

// New constructs an Adapter with the full middleware stack and route table
// wired, ready for Start.
func New(orch *orchestrator.Orchestrator, hub *eventhub.Hub) *Adapter {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger())

	a := &Adapter{echo: e, orch: orch, hub: hub, errLog: newErrorLog()}
	e.HTTPErrorHandler = a.httpErrorHandler

	e.GET("/health", a.handleHealth)
	e.GET("/diagnostics/errors", a.handleRecentErrors)
	e.GET("/sessions", a.handleListSessions)
	e.POST("/sessions", a.handleCreateSession)
	e.GET("/sessions/:id", a.handleSessionDetails)
	e.DELETE("/sessions/:id", a.handleDeleteSession)
	e.GET("/sessions/:id/status", a.handleSessionStatus)
	e.POST("/sessions/:id/messages", a.handlePostMessage)
	e.DELETE("/sessions/:id/messages/:messageId", a.handleDeleteMessage)
	e.GET("/", a.handleWebSocket)

	return a
}

// Start runs the HTTP server, blocking until it stops or errors.
func (a *Adapter) Start(addr string) error {
	return a.echo.Start(addr)
}

// Handler exposes the underlying http.Handler for tests and for embedding
// behind a custom listener.
func (a *Adapter) Handler() http.Handler {
	return a.echo
}

// Shutdown gracefully stops the HTTP server.
func (a *Adapter) Shutdown(ctx context.Context) error {
	return a.echo.Shutdown(ctx)
}

// httpErrorHandler centralizes orcherr.Kind -> HTTP status mapping so no
// handler has to string-sniff an error message.
func (a *Adapter) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	if oe, ok := orcherr.As(err); ok {
		c.JSON(oe.Kind.HTTPStatus(), map[string]string{"error": oe.Message, "code": string(oe.Kind)})
		return
	}
	if he, ok := err.(*echo.HTTPError); ok {
		c.JSON(he.Code, map[string]any{"error": he.Message})
		return
	}
	c.Logger().Error(err)
	c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func (a *Adapter) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "sessionforge",
	})
}

type sessionSummaryDTO struct {
	ID               string    `json:"id"`
	WorkingDirectory string    `json:"workingDirectory"`
	Status           string    `json:"status"`
	CurrentTask      string    `json:"currentTask,omitempty"`
	QueueLength      int       `json:"queueLength"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivity     time.Time `json:"lastActivity"`
}

func toDTO(snap session.StatusSnapshot) sessionSummaryDTO {
	return sessionSummaryDTO{
		ID: snap.ID, WorkingDirectory: snap.WorkingDirectory, Status: string(snap.Status),
		CurrentTask: snap.CurrentTask, QueueLength: snap.QueueLength,
		CreatedAt: snap.CreatedAt, LastActivity: snap.LastActivity,
	}
}

func (a *Adapter) handleListSessions(c echo.Context) error {
	active := a.orch.ListActive()
	dtos := make([]sessionSummaryDTO, 0, len(active))
	for _, snap := range active {
		dtos = append(dtos, toDTO(snap))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"sessions": dtos,
		"stats":    a.orch.Stats(),
	})
}

type createSessionRequest struct {
	WorkingDirectory string `json:"workingDirectory"`
	SkipPermissions  bool   `json:"skipPermissions"`
}

func (a *Adapter) handleCreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return orcherr.Validation("malformed request body: %v", err)
	}
	if req.WorkingDirectory == "" {
		return orcherr.Validation("workingDirectory is required")
	}

	var cfg *session.Config
	if req.SkipPermissions {
		cfg = &session.Config{SkipPermissions: true}
	}

	inst, err := a.orch.Create(c.Request().Context(), req.WorkingDirectory, cfg)
	if err != nil {
		return err
	}
	snap := inst.GetStatus()
	return c.JSON(http.StatusCreated, map[string]any{"sessionId": snap.ID, "status": snap.Status})
}

func (a *Adapter) handleSessionDetails(c echo.Context) error {
	id := c.Param("id")
	snap, queue, ok := a.orch.Details(id)
	if !ok {
		return orcherr.NotFound("session %s not found", id)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session": toDTO(snap),
		"metrics": snap.Metrics,
		"queue":   queue,
	})
}

func (a *Adapter) handleSessionStatus(c echo.Context) error {
	id := c.Param("id")
	snap, _, ok := a.orch.Details(id)
	if !ok {
		return orcherr.NotFound("session %s not found", id)
	}
	return c.JSON(http.StatusOK, toDTO(snap))
}

func (a *Adapter) handleDeleteSession(c echo.Context) error {
	id := c.Param("id")
	removed, err := a.orch.Terminate(id)
	if err != nil {
		return err
	}
	if !removed {
		return orcherr.NotFound("session %s not found", id)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "message": "session terminated"})
}

type postMessageRequest struct {
	Message  string `json:"message"`
	Priority int    `json:"priority"`
}

func (a *Adapter) handlePostMessage(c echo.Context) error {
	id := c.Param("id")
	var req postMessageRequest
	if err := c.Bind(&req); err != nil {
		return orcherr.Validation("malformed request body: %v", err)
	}
	item, err := a.orch.EnqueueMessage(c.Request().Context(), id, req.Message)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, item)
}

func (a *Adapter) handleDeleteMessage(c echo.Context) error {
	id := c.Param("id")
	messageID := c.Param("messageId")
	if err := a.orch.RemoveMessage(id, messageID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (a *Adapter) handleRecentErrors(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"errors": a.errLog.Recent()})
}

func (a *Adapter) handleWebSocket(c echo.Context) error {
	a.hub.ServeWS(c.Response(), c.Request())
	return nil
}
