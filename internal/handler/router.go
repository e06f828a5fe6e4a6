package handler

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/classroom-sync/internal/middleware"
)

// Handlers groups every HTTP handler. Files may be nil when blobs are not
// served by this process.
type Handlers struct {
	Auth      *AuthHandler
	Dashboard *DashboardHandler
	Mutation  *MutationHandler
	Metrics   *MetricsHandler
	Files     *FileHandler
}

// RouteConfig carries the route-level settings.
type RouteConfig struct {
	APIPrefix     string
	ExposeMetrics bool
}

// RegisterRoutes mounts the API on r.
func RegisterRoutes(r gin.IRouter, h Handlers, tokens middleware.TokenValidator, roles middleware.RoleResolver, cfg RouteConfig) {
	r.GET("/health", h.Metrics.Health)
	r.GET("/ready", h.Metrics.Ready)
	if cfg.ExposeMetrics {
		r.GET("/metrics", h.Metrics.Prometheus)
	}

	api := r.Group("/" + strings.Trim(cfg.APIPrefix, "/"))

	if h.Files != nil {
		api.GET("/files/*path", h.Files.Download)
	}

	auth := api.Group("/auth")
	auth.POST("/signup", h.Auth.SignUp)
	auth.POST("/login", h.Auth.Login)
	auth.POST("/refresh", h.Auth.Refresh)

	secured := api.Group("", middleware.JWT(tokens))
	secured.POST("/auth/logout", h.Auth.Logout)
	secured.GET("/me", h.Auth.Me)

	dashboards := secured.Group("/dashboards", middleware.RBAC(roles))
	dashboards.POST("", h.Dashboard.Open)
	dashboards.GET("/:id", h.Dashboard.Snapshot)
	dashboards.DELETE("/:id", h.Dashboard.Close)
	dashboards.GET("/:id/events", h.Dashboard.Events)
	dashboards.POST("/:id/announcements/:aid/dismiss", h.Dashboard.Dismiss)
	dashboards.PUT("/:id/selection", h.Dashboard.Select)
	dashboards.GET("/:id/resources", h.Dashboard.Resources)

	dashboards.POST("/:id/enrollments", h.Mutation.Enroll)
	dashboards.POST("/:id/assignments/:aid/submissions", h.Mutation.Submit)
	dashboards.POST("/:id/courses", h.Mutation.CreateCourse)
	dashboards.POST("/:id/courses/:cid/topics", h.Mutation.CreateTopic)
	dashboards.DELETE("/:id/topics/:tid", h.Mutation.DeleteTopic)
	dashboards.POST("/:id/courses/:cid/assignments", h.Mutation.CreateAssignment)
	dashboards.POST("/:id/submissions/:sid/grades", h.Mutation.Grade)
	dashboards.POST("/:id/courses/:cid/attendance", h.Mutation.SaveAttendance)
	dashboards.GET("/:id/courses/:cid/attendance/export", h.Mutation.ExportAttendance)
	dashboards.POST("/:id/courses/:cid/announcements", h.Mutation.PostAnnouncement)
	dashboards.POST("/:id/courses/:cid/resources", h.Mutation.UploadResource)
	dashboards.DELETE("/:id/resources/:rid", h.Mutation.DeleteResource)
	dashboards.POST("/:id/alerts", h.Mutation.PostAlert)
}
