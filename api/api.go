// Package api exposes app lifecycle signals and the extension's write path
// over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"goals-sync/conflict"
	"goals-sync/domain"
	"goals-sync/timeline"
)

// Syncer runs sync cycles.
type Syncer interface {
	Sync(ctx context.Context, force bool) error
	LastSyncTime(ctx context.Context) (time.Time, bool)
}

// Timeline is the refresh scheduler.
type Timeline interface {
	SetForeground(ctx context.Context, foreground bool) error
	ForceRefresh(ctx context.Context, reason string) bool
	RecordWidgetInteraction(ctx context.Context) error
	Policy(ctx context.Context) (domain.TimelinePolicy, error)
	Metrics(ctx context.Context) (domain.ActivityMetrics, error)
	RefreshLog(ctx context.Context) ([]domain.RefreshLogEntry, error)
	State() timeline.State
}

// Widget is the shared projection store.
type Widget interface {
	GetWidgetData(ctx context.Context) (*domain.Projection, error)
	MarkTaskCompleted(ctx context.Context, taskID string) error
	MarkTaskUncompleted(ctx context.Context, taskID string) error
}

// Checker runs the consistency sweep.
type Checker interface {
	DetectDataInconsistencies(ctx context.Context) conflict.Report
}

// Authenticator validates the Authorization header.
type Authenticator interface {
	UserIDFromAuthHeader(h string) (string, error)
}

// Identity is the user this process syncs for.
type Identity interface {
	UserID(ctx context.Context) (string, error)
}

// Services are the handlers' collaborators. Auth may be nil to disable
// authentication. When Identity is set, authenticated callers must be the
// process's user.
type Services struct {
	Sync     Syncer
	Timeline Timeline
	Widget   Widget
	Checker  Checker
	Auth     Authenticator
	Identity Identity
}

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, s Services, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	e.JSONSerializer = sonicSerializer{}
	e.GET("/healthz", healthz())

	g := e.Group("/api", logRequests(logger), requireAuth(s.Auth, s.Identity))
	g.POST("/sync", postSync(s.Sync))
	g.POST("/app/foreground", postLifecycle(s.Timeline, true))
	g.POST("/app/background", postLifecycle(s.Timeline, false))
	g.POST("/timeline/refresh", postRefresh(s.Timeline))
	g.GET("/timeline", getTimeline(s.Timeline))
	g.GET("/widget", getWidget(s.Widget))
	g.POST("/widget/tasks/:id/complete", postCompletion(s.Widget, s.Timeline, domain.ActionComplete, logger))
	g.POST("/widget/tasks/:id/uncomplete", postCompletion(s.Widget, s.Timeline, domain.ActionUncomplete, logger))
	g.POST("/consistency", postConsistency(s.Checker))
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func requireAuth(a Authenticator, id Identity) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if a == nil {
				return next(c)
			}
			userID, err := a.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return c.String(http.StatusUnauthorized, err.Error())
			}
			if id != nil {
				owner, err := id.UserID(c.Request().Context())
				if err != nil || owner != userID {
					setErrorStage(c, "auth")
					return c.String(http.StatusForbidden, "token does not belong to this device's user")
				}
			}
			c.Set("user", userID)
			return next(c)
		}
	}
}

type syncResponse struct {
	LastSyncTime *int64 `json:"lastSyncTime,omitempty"`
}

func postSync(s Syncer) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		force, _ := strconv.ParseBool(c.QueryParam("force"))
		if err := s.Sync(ctx, force); err != nil {
			setErrorStage(c, "sync")
			return c.String(http.StatusBadGateway, err.Error())
		}
		var resp syncResponse
		if at, ok := s.LastSyncTime(ctx); ok {
			resp.LastSyncTime = domain.Int64Ptr(at.UnixMilli())
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func postLifecycle(t Timeline, foreground bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := t.SetForeground(c.Request().Context(), foreground); err != nil {
			setErrorStage(c, "timeline")
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.NoContent(http.StatusNoContent)
	}
}

type refreshResponse struct {
	Refreshed bool `json:"refreshed"`
}

func postRefresh(t Timeline) echo.HandlerFunc {
	return func(c echo.Context) error {
		reason := c.QueryParam("reason")
		if reason == "" {
			reason = "manual"
		}
		return c.JSON(http.StatusOK, refreshResponse{Refreshed: t.ForceRefresh(c.Request().Context(), reason)})
	}
}

type timelineResponse struct {
	State      string                   `json:"state"`
	Policy     domain.TimelinePolicy    `json:"policy"`
	Metrics    domain.ActivityMetrics   `json:"metrics"`
	RefreshLog []domain.RefreshLogEntry `json:"refreshLog"`
}

func getTimeline(t Timeline) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		policy, err := t.Policy(ctx)
		if err != nil {
			setErrorStage(c, "timeline")
			return c.String(http.StatusInternalServerError, err.Error())
		}
		metrics, err := t.Metrics(ctx)
		if err != nil {
			setErrorStage(c, "timeline")
			return c.String(http.StatusInternalServerError, err.Error())
		}
		entries, err := t.RefreshLog(ctx)
		if err != nil {
			setErrorStage(c, "timeline")
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if entries == nil {
			entries = []domain.RefreshLogEntry{}
		}
		return c.JSON(http.StatusOK, timelineResponse{
			State:      t.State().String(),
			Policy:     policy,
			Metrics:    metrics,
			RefreshLog: entries,
		})
	}
}

func getWidget(w Widget) echo.HandlerFunc {
	return func(c echo.Context) error {
		proj, err := w.GetWidgetData(c.Request().Context())
		if err != nil {
			setErrorStage(c, "widget")
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if proj == nil {
			return c.String(http.StatusNotFound, "no projection")
		}
		return c.JSON(http.StatusOK, proj)
	}
}

func postCompletion(w Widget, t Timeline, action domain.CompletionAction, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id := c.Param("id")
		var err error
		if action == domain.ActionComplete {
			err = w.MarkTaskCompleted(ctx, id)
		} else {
			err = w.MarkTaskUncompleted(ctx, id)
		}
		if errors.Is(err, domain.ErrInvalidCompletion) {
			setErrorStage(c, "validate")
			return c.String(http.StatusBadRequest, err.Error())
		}
		if err != nil {
			setErrorStage(c, "widget")
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if err := t.RecordWidgetInteraction(ctx); err != nil {
			logger.WithError(err).WithField("task", id).Warn("failed to record widget interaction")
		}
		return c.NoContent(http.StatusAccepted)
	}
}

func postConsistency(ch Checker) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, ch.DetectDataInconsistencies(c.Request().Context()))
	}
}
