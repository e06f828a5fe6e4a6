package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/classroom-sync/internal/models"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

type stubValidator struct{}

func (stubValidator) ValidateToken(token string) (*models.JWTClaims, error) {
	if token != "good" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
	}
	return &models.JWTClaims{UserID: "u1", Email: "u1@b.co"}, nil
}

type stubResolver struct {
	role *models.UserRole
	err  error
}

func (s stubResolver) Wait(ctx context.Context, principalID string) (*models.UserRole, error) {
	return s.role, s.err
}

func rolePtr(r models.UserRole) *models.UserRole { return &r }

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handlers = append(handlers, func(c *gin.Context) {
		role, _ := Role(c)
		c.String(http.StatusOK, "%s|%s", Claims(c).UserID, role)
	})
	router.GET("/", handlers...)
	return router
}

func serve(router *gin.Engine, target, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestJWTAcceptsHeaderAndQueryToken(t *testing.T) {
	router := newRouter(JWT(stubValidator{}))

	rec := serve(router, "/", "Bearer good")
	if rec.Code != http.StatusOK || rec.Body.String() != "u1|" {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(router, "/?access_token=good", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("query token rejected: %d", rec.Code)
	}
}

func TestJWTRejectsMissingOrMalformedToken(t *testing.T) {
	router := newRouter(JWT(stubValidator{}))

	for _, auth := range []string{"", "Basic good", "Bearer ", "Bearer bad"} {
		rec := serve(router, "/", auth)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("auth %q: unexpected status %d", auth, rec.Code)
		}
	}
}

func TestRBACResolvesRole(t *testing.T) {
	router := newRouter(JWT(stubValidator{}), RBAC(stubResolver{role: rolePtr(models.RoleTeacher)}))

	rec := serve(router, "/", "Bearer good")
	if rec.Code != http.StatusOK || rec.Body.String() != "u1|teacher" {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestRBACRejections(t *testing.T) {
	cases := []struct {
		name     string
		resolver stubResolver
		allowed  []models.UserRole
		status   int
		code     string
	}{
		{name: "no role", resolver: stubResolver{}, status: http.StatusForbidden, code: "NO_ROLE"},
		{name: "role not allowed", resolver: stubResolver{role: rolePtr(models.RoleStudent)}, allowed: []models.UserRole{models.RoleAdmin}, status: http.StatusForbidden, code: "FORBIDDEN"},
		{name: "lookup failure", resolver: stubResolver{err: errors.New("store down")}, status: http.StatusInternalServerError, code: "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newRouter(JWT(stubValidator{}), RBAC(tc.resolver, tc.allowed...))
			rec := serve(router, "/", "Bearer good")
			if rec.Code != tc.status {
				t.Fatalf("unexpected status: %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tc.code) {
				t.Fatalf("expected code %s in %s", tc.code, rec.Body.String())
			}
		})
	}
}

type observed struct {
	method, path string
	status       int
}

type recordingObserver struct {
	calls []observed
}

func (r *recordingObserver) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	r.calls = append(r.calls, observed{method: method, path: path, status: status})
}

func TestMetricsLabelsRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	obs := &recordingObserver{}
	router := gin.New()
	router.Use(Metrics(obs))
	router.GET("/dashboards/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	serve(router, "/dashboards/abc", "")
	serve(router, "/nowhere", "")

	if len(obs.calls) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(obs.calls))
	}
	if obs.calls[0] != (observed{method: http.MethodGet, path: "/dashboards/:id", status: http.StatusNoContent}) {
		t.Fatalf("unexpected observation: %+v", obs.calls[0])
	}
	if obs.calls[1].path != "unmatched" || obs.calls[1].status != http.StatusNotFound {
		t.Fatalf("unexpected observation: %+v", obs.calls[1])
	}
}
