package handler

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/internal/service"
	"github.com/noah-isme/classroom-sync/internal/syncengine"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
	"github.com/noah-isme/classroom-sync/pkg/logger"
	"github.com/noah-isme/classroom-sync/pkg/response"
)

// SSE event names.
const (
	streamEventSnapshot = "snapshot"
	streamEventAlert    = "alert"
	streamEventToast    = "toast"
	streamEventLoading  = "loading"
	streamEventClosed   = "closed"
	streamEventPing     = "ping"
)

type sessionService interface {
	Open(ctx context.Context, principalID string) (*service.Session, error)
	Get(principalID, sessionID string) (*service.Session, error)
	Close(principalID, sessionID string) error
}

// DashboardView is the body returned for an open dashboard.
type DashboardView struct {
	SessionID string               `json:"session_id"`
	CreatedAt time.Time            `json:"created_at"`
	Loading   map[string]bool      `json:"loading"`
	Snapshot  *syncengine.Snapshot `json:"snapshot"`
}

// SelectionRequest changes the course the dashboard focuses on.
type SelectionRequest struct {
	CourseID string `json:"course_id"`
}

// DashboardHandler exposes dashboard sessions: snapshots, the live event
// stream and client-local actions.
type DashboardHandler struct {
	sessions  sessionService
	logger    *zap.Logger
	keepAlive time.Duration
}

// NewDashboardHandler constructs the handler.
func NewDashboardHandler(sessions sessionService, log *zap.Logger, keepAlive time.Duration) *DashboardHandler {
	if log == nil {
		log = zap.NewNop()
	}
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}
	return &DashboardHandler{sessions: sessions, logger: log, keepAlive: keepAlive}
}

func viewOf(session *service.Session) DashboardView {
	return DashboardView{
		SessionID: session.ID,
		CreatedAt: session.CreatedAt,
		Loading:   session.Loading(),
		Snapshot:  session.Engine().Snapshot(),
	}
}

// session loads the caller's session named by the :id route parameter.
func (h *DashboardHandler) session(c *gin.Context) (*service.Session, error) {
	claims, err := claimsFromContext(c)
	if err != nil {
		return nil, err
	}
	return h.sessions.Get(claims.UserID, c.Param("id"))
}

// Open godoc
// @Summary Open a dashboard
// @Description Waits for the caller's role and starts the matching dashboard engine
// @Tags Dashboards
// @Produce json
// @Success 201 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /dashboards [post]
func (h *DashboardHandler) Open(c *gin.Context) {
	claims, err := claimsFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	session, err := h.sessions.Open(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, viewOf(session))
}

// Snapshot godoc
// @Summary Current dashboard state
// @Tags Dashboards
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 410 {object} response.Envelope
// @Router /dashboards/{id} [get]
func (h *DashboardHandler) Snapshot(c *gin.Context) {
	session, err := h.session(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, viewOf(session))
}

// Close godoc
// @Summary Close a dashboard
// @Tags Dashboards
// @Param id path string true "Session ID"
// @Success 204
// @Failure 404 {object} response.Envelope
// @Router /dashboards/{id} [delete]
func (h *DashboardHandler) Close(c *gin.Context) {
	claims, err := claimsFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := h.sessions.Close(claims.UserID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Dismiss godoc
// @Summary Hide an announcement on this dashboard
// @Description Dismissal is local to the session and idempotent
// @Tags Dashboards
// @Param id path string true "Session ID"
// @Param aid path string true "Announcement ID"
// @Success 202 {object} response.Envelope
// @Router /dashboards/{id}/announcements/{aid}/dismiss [post]
func (h *DashboardHandler) Dismiss(c *gin.Context) {
	session, err := h.session(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	announcementID := strings.TrimSpace(c.Param("aid"))
	if announcementID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "announcement id required"))
		return
	}
	session.Engine().Dismiss(announcementID)
	response.JSON(c, http.StatusAccepted, gin.H{"dismissed": announcementID})
}

// Select godoc
// @Summary Focus a course
// @Tags Dashboards
// @Accept json
// @Param id path string true "Session ID"
// @Param payload body SelectionRequest true "Selection"
// @Success 202 {object} response.Envelope
// @Router /dashboards/{id}/selection [put]
func (h *DashboardHandler) Select(c *gin.Context) {
	session, err := h.session(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req SelectionRequest
	if err := bindJSON(c, &req, "invalid selection payload"); err != nil {
		response.Error(c, err)
		return
	}
	session.Engine().Select(strings.TrimSpace(req.CourseID))
	response.JSON(c, http.StatusAccepted, req)
}

// Resources godoc
// @Summary Search course resources
// @Description Case-insensitive match of q against name or tags and of type against the file type
// @Tags Dashboards
// @Produce json
// @Param id path string true "Session ID"
// @Param q query string false "Name or tag"
// @Param type query string false "File type"
// @Param course_id query string false "Restrict to one course"
// @Success 200 {object} response.Envelope
// @Router /dashboards/{id}/resources [get]
func (h *DashboardHandler) Resources(c *gin.Context) {
	session, err := h.session(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	snap := session.Engine().Snapshot()
	if snap == nil || snap.Teacher == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "resources are searched from a teacher dashboard"))
		return
	}
	results := snap.Teacher.SearchResources(c.Query("course_id"), c.Query("q"), c.Query("type"))
	response.JSON(c, http.StatusOK, results, map[string]interface{}{"total": len(results), "version": snap.Version})
}

// Events godoc
// @Summary Live dashboard stream
// @Description Server-sent events: snapshot, alert, toast, loading, closed
// @Tags Dashboards
// @Produce text/event-stream
// @Param id path string true "Session ID"
// @Router /dashboards/{id}/events [get]
func (h *DashboardHandler) Events(c *gin.Context) {
	session, err := h.session(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	log := logger.ForRequest(h.logger, c).With(zap.String("session_id", session.ID))

	engineEvents, stopEngine := session.Engine().Watch()
	defer stopEngine()
	sessionEvents, stopSession := session.Watch()
	defer stopSession()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-store")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	// the first frame carries the current state so clients need no extra GET
	c.SSEvent(streamEventSnapshot, viewOf(session))
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-engineEvents:
			if !ok {
				c.SSEvent(streamEventClosed, gin.H{"session_id": session.ID})
				return false
			}
			switch ev.Kind {
			case syncengine.EventAlert:
				c.SSEvent(streamEventAlert, ev.Alert)
			default:
				c.SSEvent(streamEventSnapshot, viewOf(session))
			}
			return true
		case ev, ok := <-sessionEvents:
			if !ok {
				c.SSEvent(streamEventClosed, gin.H{"session_id": session.ID})
				return false
			}
			if ev.Kind == service.SessionEventToast {
				c.SSEvent(streamEventToast, ev.Toast)
			} else {
				c.SSEvent(streamEventLoading, ev.Loading)
			}
			return true
		case <-ticker.C:
			c.SSEvent(streamEventPing, gin.H{"at": time.Now().UTC()})
			return true
		}
	})
	log.Debug("dashboard stream ended")
}

// sessionRole guards role-specific dashboard routes against the session's identity.
func sessionRole(session *service.Session, allowed ...models.UserRole) error {
	role := session.Identity().Role
	for _, r := range allowed {
		if r == role {
			return nil
		}
	}
	return appErrors.Clone(appErrors.ErrForbidden, "operation not available on a "+string(role)+" dashboard")
}
