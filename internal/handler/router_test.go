package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/internal/service"
	"github.com/noah-isme/classroom-sync/internal/syncengine"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
)

type memoryBlobs struct {
	files map[string][]byte
}

func (m *memoryBlobs) Upload(ctx context.Context, data []byte, path, contentType string) (string, error) {
	m.files[path] = data
	return m.URL(path), nil
}

func (m *memoryBlobs) Delete(ctx context.Context, path string) error {
	delete(m.files, path)
	return nil
}

func (m *memoryBlobs) URL(path string) string { return "https://blobs.test/" + path }

type apiFixture struct {
	t        *testing.T
	store    *docstore.MemoryStore
	blobs    *memoryBlobs
	auth     *service.AuthService
	sessions *service.DashboardService
	router   *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := docstore.NewMemoryStore()
	blobs := &memoryBlobs{files: map[string][]byte{}}
	metrics := service.NewMetricsService()
	identity := service.NewIdentityService(store, nil, nil, nil, time.Minute)
	auth := service.NewAuthService(store, nil, nil, service.AuthConfig{AccessTokenSecret: "handler-test"}, identity)
	sessions := service.NewDashboardService(service.DashboardServiceParams{
		Identity: identity,
		Engine:   syncengine.Options{Store: store},
		Metrics:  metrics,
	})
	t.Cleanup(sessions.Shutdown)

	deps := service.MutationDeps{Store: store, Blobs: blobs, Metrics: metrics}
	handlers := Handlers{
		Auth:      NewAuthHandler(auth, identity),
		Dashboard: NewDashboardHandler(sessions, nil, time.Second),
		Mutation: NewMutationHandler(sessions, MutationServices{
			Enrollment:   service.NewEnrollmentService(deps),
			Course:       service.NewCourseService(deps),
			Assignment:   service.NewAssignmentService(deps),
			Attendance:   service.NewAttendanceService(deps),
			Announcement: service.NewAnnouncementService(deps),
			Resource:     service.NewResourceService(deps),
		}, 1<<20),
		Metrics: NewMetricsHandler(metrics, map[string]ReadinessCheck{
			"docstore": func(ctx context.Context) error { return nil },
		}),
	}

	router := gin.New()
	RegisterRoutes(router, handlers, auth, identity, RouteConfig{APIPrefix: "/api/v1", ExposeMetrics: true})
	return &apiFixture{t: t, store: store, blobs: blobs, auth: auth, sessions: sessions, router: router}
}

func (f *apiFixture) signUp(email string, role models.UserRole) *models.LoginResponse {
	f.t.Helper()
	resp, err := f.auth.SignUp(context.Background(), models.SignUpRequest{Email: email, Password: "secret1", FullName: "User " + email, Role: role})
	require.NoError(f.t, err)
	return resp
}

func (f *apiFixture) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) openDashboard(token string) string {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/api/v1/dashboards", token, nil)
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
	var env struct {
		Data DashboardView `json:"data"`
	}
	require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotEmpty(f.t, env.Data.SessionID)
	return env.Data.SessionID
}

func (f *apiFixture) snapshot(token, sessionID string) DashboardView {
	f.t.Helper()
	rec := f.do(http.MethodGet, "/api/v1/dashboards/"+sessionID, token, nil)
	require.Equal(f.t, http.StatusOK, rec.Code, rec.Body.String())
	var env struct {
		Data DashboardView `json:"data"`
	}
	require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Data
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error.Code
}

func TestRoutesRequireToken(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/dashboards", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/me", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignUpLoginAndMe(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/auth/signup", "", models.SignUpRequest{Email: "t@b.co", Password: "secret1", FullName: "Tess", Role: models.RoleTeacher})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, "/api/v1/auth/login", "", models.LoginRequest{Email: "t@b.co", Password: "secret1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data models.LoginResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))

	rec = f.do(http.MethodGet, "/api/v1/me", env.Data.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"role":"teacher"`)
	assert.Contains(t, rec.Body.String(), `"full_name":"Tess"`)

	rec = f.do(http.MethodPost, "/api/v1/auth/login", "", models.LoginRequest{Email: "t@b.co", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOpenDashboardWithoutRole(t *testing.T) {
	f := newAPIFixture(t)
	other := f.signUp("m@b.co", models.RoleStudent)
	require.NoError(t, f.store.Delete(context.Background(), models.CollectionUserRoles, other.UserID))

	login, err := f.auth.Login(context.Background(), models.LoginRequest{Email: "m@b.co", Password: "secret1"})
	require.NoError(t, err)
	rec := f.do(http.MethodPost, "/api/v1/dashboards", login.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NO_ROLE", errorCode(t, rec))
}

func TestTeacherCreatesCourseAndSeesItLive(t *testing.T) {
	f := newAPIFixture(t)
	teacher := f.signUp("t@b.co", models.RoleTeacher)
	sessionID := f.openDashboard(teacher.AccessToken)

	rec := f.do(http.MethodPost, "/api/v1/dashboards/"+sessionID+"/courses", teacher.AccessToken,
		service.CreateCourseRequest{Name: "Databases", Code: "db101"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"course_code":"DB101"`)

	rec = f.do(http.MethodPost, "/api/v1/dashboards/"+sessionID+"/courses", teacher.AccessToken,
		service.CreateCourseRequest{Name: "Again", Code: "DB101"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.Eventually(t, func() bool {
		view := f.snapshot(teacher.AccessToken, sessionID)
		return view.Snapshot != nil && view.Snapshot.Teacher != nil && len(view.Snapshot.Teacher.Courses) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec = f.do(http.MethodPost, "/api/v1/dashboards/"+sessionID+"/enrollments", teacher.AccessToken, service.EnrollRequest{CourseCode: "DB101"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/dashboards/"+sessionID+"/alerts", teacher.AccessToken, service.PostAlertRequest{Title: "x", Audience: models.AudienceAll})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStudentEnrollsAndTeacherExportsAttendance(t *testing.T) {
	f := newAPIFixture(t)
	teacher := f.signUp("t@b.co", models.RoleTeacher)
	student := f.signUp("s@b.co", models.RoleStudent)
	teacherSession := f.openDashboard(teacher.AccessToken)
	studentSession := f.openDashboard(student.AccessToken)

	rec := f.do(http.MethodPost, "/api/v1/dashboards/"+teacherSession+"/courses", teacher.AccessToken,
		service.CreateCourseRequest{Name: "Algorithms", Code: "CS201"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Data models.Course `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(http.MethodPost, "/api/v1/dashboards/"+studentSession+"/enrollments", student.AccessToken, service.EnrollRequest{CourseCode: "cs201"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = f.do(http.MethodPost, "/api/v1/dashboards/"+studentSession+"/enrollments", student.AccessToken, service.EnrollRequest{CourseCode: "CS201"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT", errorCode(t, rec))

	rec = f.do(http.MethodPost, "/api/v1/dashboards/"+teacherSession+"/courses/"+created.Data.ID+"/attendance", teacher.AccessToken,
		service.SaveAttendanceRequest{TopicID: "tp1", SessionDate: "2024-05-06"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, "/api/v1/dashboards/"+teacherSession+"/courses/"+created.Data.ID+"/attendance/export?format=csv", teacher.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "student_id,session_date,status\n"+student.UserID+",2024-05-06,present", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attendance_"+created.Data.ID+".csv")

	require.Eventually(t, func() bool {
		view := f.snapshot(student.AccessToken, studentSession)
		return view.Snapshot != nil && view.Snapshot.Student != nil && view.Snapshot.Student.OverallAttendance == 100
	}, 2*time.Second, 10*time.Millisecond)

	rec = f.do(http.MethodGet, "/api/v1/dashboards/"+studentSession, teacher.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResourceUploadAndSearch(t *testing.T) {
	f := newAPIFixture(t)
	teacher := f.signUp("t@b.co", models.RoleTeacher)
	sessionID := f.openDashboard(teacher.AccessToken)

	rec := f.do(http.MethodPost, "/api/v1/dashboards/"+sessionID+"/courses", teacher.AccessToken,
		service.CreateCourseRequest{Name: "Databases", Code: "DB101"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Data models.Course `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("tags", "SQL, joins"))
	part, err := mw.CreateFormFile("file", "Week1.PDF")
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.4"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/dashboards/"+sessionID+"/courses/"+created.Data.ID+"/resources", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+teacher.AccessToken)
	up := httptest.NewRecorder()
	f.router.ServeHTTP(up, req)
	require.Equal(t, http.StatusCreated, up.Code, up.Body.String())
	assert.Len(t, f.blobs.files, 1)

	require.Eventually(t, func() bool {
		rec := f.do(http.MethodGet, "/api/v1/dashboards/"+sessionID+"/resources?q=sql&type=PDF", teacher.AccessToken, nil)
		return rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), `"name":"Week1.PDF"`)
	}, 2*time.Second, 10*time.Millisecond)

	rec = f.do(http.MethodGet, "/api/v1/dashboards/"+sessionID+"/resources?q=graphs", teacher.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":0`)
}

// streamRecorder adds the CloseNotifier gin's streaming requires.
type streamRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *streamRecorder) CloseNotify() <-chan bool { return r.closed }

func TestEventsStreamSendsSnapshotAndToast(t *testing.T) {
	f := newAPIFixture(t)
	student := f.signUp("s@b.co", models.RoleStudent)
	sessionID := f.openDashboard(student.AccessToken)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/dashboards/"+sessionID+"/events?access_token="+student.AccessToken, nil).WithContext(ctx)
	rec := &streamRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}

	done := make(chan struct{})
	go func() {
		f.router.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	enroll := f.do(http.MethodPost, "/api/v1/dashboards/"+sessionID+"/enrollments", student.AccessToken, service.EnrollRequest{CourseCode: "NOPE1"})
	require.Equal(t, http.StatusNotFound, enroll.Code)
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
	out := rec.Body.String()
	assert.Contains(t, out, "event:snapshot")
	assert.Contains(t, out, "event:loading")
	assert.Contains(t, out, "event:toast")
	assert.Contains(t, out, "course not found")
}

func TestCloseDashboard(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.signUp("a@b.co", models.RoleAdmin)
	sessionID := f.openDashboard(admin.AccessToken)

	rec := f.do(http.MethodPost, "/api/v1/dashboards/"+sessionID+"/alerts", admin.AccessToken,
		service.PostAlertRequest{Title: "Snow day", Audience: models.AudienceAll})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(http.MethodDelete, "/api/v1/dashboards/"+sessionID, admin.AccessToken, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(http.MethodGet, "/api/v1/dashboards/"+sessionID, admin.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
