package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/internal/service"
	"github.com/noah-isme/classroom-sync/pkg/response"
)

type enrollmentService interface {
	Enroll(ctx context.Context, studentID string, req service.EnrollRequest) (*models.Enrollment, error)
}

type courseService interface {
	CreateCourse(ctx context.Context, teacherID string, req service.CreateCourseRequest) (*models.Course, error)
	CreateTopic(ctx context.Context, teacherID string, req service.CreateTopicRequest) (*models.Topic, error)
	DeleteTopic(ctx context.Context, teacherID, topicID string) error
}

type assignmentService interface {
	CreateAssignment(ctx context.Context, teacherID string, req service.CreateAssignmentRequest, attachment *service.Upload) (*models.Assignment, error)
	Submit(ctx context.Context, studentID, assignmentID string, file *service.Upload) (*models.Submission, error)
	Grade(ctx context.Context, teacherID, submissionID string, req service.GradeRequest) (*models.Grade, error)
}

type attendanceService interface {
	Save(ctx context.Context, teacherID string, req service.SaveAttendanceRequest) (*service.AttendanceSaveResult, error)
	Export(ctx context.Context, teacherID, courseID, format string) (*service.ExportFile, error)
}

type announcementService interface {
	Post(ctx context.Context, teacherID string, req service.PostAnnouncementRequest) (*models.Announcement, error)
	PostAlert(ctx context.Context, role models.UserRole, req service.PostAlertRequest) (*models.Alert, error)
}

type resourceService interface {
	Upload(ctx context.Context, teacherID string, req service.UploadResourceRequest, file *service.Upload) (*models.Resource, error)
	Delete(ctx context.Context, teacherID, resourceID string) error
}

// MutationServices groups the write-side services behind the dashboard routes.
type MutationServices struct {
	Enrollment   enrollmentService
	Course       courseService
	Assignment   assignmentService
	Attendance   attendanceService
	Announcement announcementService
	Resource     resourceService
}

// MutationHandler runs user actions through a dashboard session so each one
// raises its loading flag and ends with a toast. Effects reach the dashboard
// through its live subscriptions, never from the response.
type MutationHandler struct {
	sessions  sessionService
	services  MutationServices
	maxUpload int64
}

// NewMutationHandler constructs the handler. maxUpload bounds multipart files.
func NewMutationHandler(sessions sessionService, services MutationServices, maxUpload int64) *MutationHandler {
	return &MutationHandler{sessions: sessions, services: services, maxUpload: maxUpload}
}

type mutationFunc func(ctx context.Context, principalID string) (interface{}, error)

// run loads the session, checks its role and tracks fn. A nil result responds 204.
func (h *MutationHandler) run(c *gin.Context, operation string, status int, allowed []models.UserRole, fn mutationFunc) {
	claims, err := claimsFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	session, err := h.sessions.Get(claims.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := sessionRole(session, allowed...); err != nil {
		response.Error(c, err)
		return
	}

	var result interface{}
	err = session.Track(operation, func() error {
		var err error
		result, err = fn(c.Request.Context(), session.Identity().UserID)
		return err
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	if result == nil {
		response.NoContent(c)
		return
	}
	response.JSON(c, status, result)
}

var (
	studentsOnly = []models.UserRole{models.RoleStudent}
	teachersOnly = []models.UserRole{models.RoleTeacher}
	adminsOnly   = []models.UserRole{models.RoleAdmin}
)

// Enroll godoc
// @Summary Enroll by course code
// @Tags Mutations
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body service.EnrollRequest true "Course code"
// @Success 201 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /dashboards/{id}/enrollments [post]
func (h *MutationHandler) Enroll(c *gin.Context) {
	var req service.EnrollRequest
	if err := bindJSON(c, &req, "enter a course code"); err != nil {
		response.Error(c, err)
		return
	}
	h.run(c, "enroll", http.StatusCreated, studentsOnly, func(ctx context.Context, principalID string) (interface{}, error) {
		return h.services.Enrollment.Enroll(ctx, principalID, req)
	})
}

// Submit godoc
// @Summary Submit an assignment
// @Tags Mutations
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Session ID"
// @Param aid path string true "Assignment ID"
// @Param file formData file true "Answer file"
// @Success 201 {object} response.Envelope
// @Router /dashboards/{id}/assignments/{aid}/submissions [post]
func (h *MutationHandler) Submit(c *gin.Context) {
	file, err := formFile(c, "file", h.maxUpload)
	if err != nil {
		response.Error(c, err)
		return
	}
	assignmentID := c.Param("aid")
	h.run(c, "submit_assignment", http.StatusCreated, studentsOnly, func(ctx context.Context, principalID string) (interface{}, error) {
		return h.services.Assignment.Submit(ctx, principalID, assignmentID, file)
	})
}

// CreateCourse godoc
// @Summary Create a course
// @Tags Mutations
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body service.CreateCourseRequest true "Course"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /dashboards/{id}/courses [post]
func (h *MutationHandler) CreateCourse(c *gin.Context) {
	var req service.CreateCourseRequest
	if err := bindJSON(c, &req, "invalid course payload"); err != nil {
		response.Error(c, err)
		return
	}
	h.run(c, "create_course", http.StatusCreated, teachersOnly, func(ctx context.Context, principalID string) (interface{}, error) {
		return h.services.Course.CreateCourse(ctx, principalID, req)
	})
}

// CreateTopic godoc
// @Summary Add a topic to a course
// @Tags Mutations
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param cid path string true "Course ID"
// @Param payload body service.CreateTopicRequest true "Topic"
// @Success 201 {object} response.Envelope
// @Router /dashboards/{id}/courses/{cid}/topics [post]
func (h *MutationHandler) CreateTopic(c *gin.Context) {
	var req service.CreateTopicRequest
	if err := bindJSON(c, &req, "invalid topic payload"); err != nil {
		response.Error(c, err)
		return
	}
	req.CourseID = c.Param("cid")
	h.run(c, "create_topic", http.StatusCreated, teachersOnly, func(ctx context.Context, principalID string) (interface{}, error) {
		return h.services.Course.CreateTopic(ctx, principalID, req)
	})
}

// DeleteTopic godoc
// @Summary Delete a topic
// @Tags Mutations
// @Param id path string true "Session ID"
// @Param tid path string true "Topic ID"
// @Success 204
// @Router /dashboards/{id}/topics/{tid} [delete]
func (h *MutationHandler) DeleteTopic(c *gin.Context) {
	topicID := c.Param("tid")
	h.run(c, "delete_topic", http.StatusNoContent, teachersOnly, func(ctx context.Context, principalID string) (interface{}, error) {
		return nil, h.services.Course.DeleteTopic(ctx, principalID, topicID)
	})
}

// CreateAssignment godoc
// @Summary Publish an assignment
// @Description Multipart form with an optional attachment
// @Tags Mutations
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Session ID"
// @Param cid path string true "Course ID"
// @Param title formData string true "Title"
// @Param instructions formData string false "Instructions"
// @Param due_date formData string false "Due date"
// @Param file formData file false "Attachment"
// @Success 201 {object} response.Envelope
// @Router /dashboards/{id}/courses/{cid}/assignments [post]
func (h *MutationHandler) CreateAssignment(c *gin.Context) {
	attachment, err := formFile(c, "file", h.maxUpload)
	if err != nil {
		response.Error(c, err)
		return
	}
	req := service.CreateAssignmentRequest{
		CourseID:     c.Param("cid"),
		Title:        c.PostForm("title"),
		Instructions: c.PostForm("instructions"),
		DueDate:      c.PostForm("due_date"),
	}
	h.run(c, "create_assignment", http.StatusCreated, teachersOnly, func(ctx context.Context, principalID string) (interface{}, error) {
		return h.services.Assignment.CreateAssignment(ctx, principalID, req, attachment)
	})
}

// Grade godoc
// @Summary Grade a submission
// @Tags Mutations
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param sid path string true "Submission ID"
// @Param payload body service.GradeRequest true "Grade"
// @Success 201 {object} response.Envelope
// @Router /dashboards/{id}/submissions/{sid}/grades [post]
func (h *MutationHandler) Grade(c *gin.Context) {
	var req service.GradeRequest
	if err := bindJSON(c, &req, "enter a grade"); err != nil {
		response.Error(c, err)
		return
	}
	submissionID := c.Param("sid")
	h.run(c, "grade_submission", http.StatusCreated, teachersOnly, func(ctx context.Context, principalID string) (interface{}, error) {
		return h.services.Assignment.Grade(ctx, principalID, submissionID, req)
	})
}

// SaveAttendance godoc
// @Summary Record a session's attendance
// @Description One record per enrolled student; unmarked students are present
// @Tags Mutations
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param cid path string true "Course ID"
// @Param payload body service.SaveAttendanceRequest true "Attendance"
// @Success 201 {object} response.Envelope
// @Router /dashboards/{id}/courses/{cid}/attendance [post]
func (h *MutationHandler) SaveAttendance(c *gin.Context) {
	var req service.SaveAttendanceRequest
	if err := bindJSON(c, &req, "invalid attendance payload"); err != nil {
		response.Error(c, err)
		return
	}
	req.CourseID = c.Param("cid")
	h.run(c, "save_attendance", http.StatusCreated, teachersOnly, func(ctx context.Context, principalID string) (interface{}, error) {
		return h.services.Attendance.Save(ctx, principalID, req)
	})
}

// ExportAttendance godoc
// @Summary Download attendance
// @Tags Mutations
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Session ID"
// @Param cid path string true "Course ID"
// @Param format query string false "csv, rfc4180 or pdf"
// @Success 200 {file} file
// @Router /dashboards/{id}/courses/{cid}/attendance/export [get]
func (h *MutationHandler) ExportAttendance(c *gin.Context) {
	claims, err := claimsFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	session, err := h.sessions.Get(claims.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := sessionRole(session, teachersOnly...); err != nil {
		response.Error(c, err)
		return
	}
	file, err := h.services.Attendance.Export(c.Request.Context(), session.Identity().UserID, c.Param("cid"), c.Query("format"))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+strconv.Quote(file.Name))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, file.ContentType, file.Data)
}

// PostAnnouncement godoc
// @Summary Post a course announcement
// @Tags Mutations
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param cid path string true "Course ID"
// @Param payload body service.PostAnnouncementRequest true "Announcement"
// @Success 201 {object} response.Envelope
// @Router /dashboards/{id}/courses/{cid}/announcements [post]
func (h *MutationHandler) PostAnnouncement(c *gin.Context) {
	var req service.PostAnnouncementRequest
	if err := bindJSON(c, &req, "invalid announcement payload"); err != nil {
		response.Error(c, err)
		return
	}
	req.CourseID = c.Param("cid")
	h.run(c, "post_announcement", http.StatusCreated, teachersOnly, func(ctx context.Context, principalID string) (interface{}, error) {
		return h.services.Announcement.Post(ctx, principalID, req)
	})
}

// UploadResource godoc
// @Summary Upload a course resource
// @Tags Mutations
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Session ID"
// @Param cid path string true "Course ID"
// @Param tags formData string false "Comma separated tags"
// @Param file formData file true "Resource file"
// @Success 201 {object} response.Envelope
// @Router /dashboards/{id}/courses/{cid}/resources [post]
func (h *MutationHandler) UploadResource(c *gin.Context) {
	file, err := formFile(c, "file", h.maxUpload)
	if err != nil {
		response.Error(c, err)
		return
	}
	req := service.UploadResourceRequest{CourseID: c.Param("cid"), Tags: c.PostForm("tags")}
	h.run(c, "upload_resource", http.StatusCreated, teachersOnly, func(ctx context.Context, principalID string) (interface{}, error) {
		return h.services.Resource.Upload(ctx, principalID, req, file)
	})
}

// DeleteResource godoc
// @Summary Delete a course resource
// @Tags Mutations
// @Param id path string true "Session ID"
// @Param rid path string true "Resource ID"
// @Success 204
// @Router /dashboards/{id}/resources/{rid} [delete]
func (h *MutationHandler) DeleteResource(c *gin.Context) {
	resourceID := strings.TrimSpace(c.Param("rid"))
	h.run(c, "delete_resource", http.StatusNoContent, teachersOnly, func(ctx context.Context, principalID string) (interface{}, error) {
		return nil, h.services.Resource.Delete(ctx, principalID, resourceID)
	})
}

// PostAlert godoc
// @Summary Broadcast an alert
// @Tags Mutations
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body service.PostAlertRequest true "Alert"
// @Success 201 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /dashboards/{id}/alerts [post]
func (h *MutationHandler) PostAlert(c *gin.Context) {
	var req service.PostAlertRequest
	if err := bindJSON(c, &req, "invalid alert payload"); err != nil {
		response.Error(c, err)
		return
	}
	h.run(c, "post_alert", http.StatusCreated, adminsOnly, func(ctx context.Context, _ string) (interface{}, error) {
		return h.services.Announcement.PostAlert(ctx, models.RoleAdmin, req)
	})
}
