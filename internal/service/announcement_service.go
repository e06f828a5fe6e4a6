package service

import (
	"context"
	"strings"
	"time"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

// PostAnnouncementRequest describes a course notice.
type PostAnnouncementRequest struct {
	CourseID string `json:"course_id" validate:"required"`
	Title    string `json:"title" validate:"required"`
	Content  string `json:"content"`
}

// PostAlertRequest describes a broadcast alert. StudentID targets one
// student regardless of audience.
type PostAlertRequest struct {
	Title     string               `json:"title" validate:"required"`
	Message   string               `json:"message"`
	Audience  models.AlertAudience `json:"audience" validate:"required,oneof=all students teachers"`
	StudentID string               `json:"student_id"`
}

// AnnouncementService posts course announcements and alerts.
type AnnouncementService struct {
	mutationBase
}

// NewAnnouncementService constructs AnnouncementService.
func NewAnnouncementService(deps MutationDeps) *AnnouncementService {
	return &AnnouncementService{mutationBase: newMutationBase(deps)}
}

// Post publishes an announcement to one of the teacher's courses.
func (s *AnnouncementService) Post(ctx context.Context, teacherID string, req PostAnnouncementRequest) (announcement *models.Announcement, err error) {
	defer s.observe("post_announcement", time.Now(), &err)

	req.Title = strings.TrimSpace(req.Title)
	req.Content = strings.TrimSpace(req.Content)
	if err := s.validate(req, "provide title"); err != nil {
		return nil, err
	}
	if _, err := s.ownedCourse(ctx, teacherID, req.CourseID); err != nil {
		return nil, err
	}

	id, err := s.store.Add(ctx, models.CollectionAnnouncements, docstore.Fields{
		models.FieldCourseID:  req.CourseID,
		"title":               req.Title,
		"content":             req.Content,
		models.FieldCreatedAt: docstore.ServerTimestamp,
	})
	if err != nil {
		return nil, writeError(err, "failed to post announcement")
	}
	return &models.Announcement{ID: id, CourseID: req.CourseID, Title: req.Title, Content: req.Content}, nil
}

// PostAlert broadcasts an alert. Only admins may post.
func (s *AnnouncementService) PostAlert(ctx context.Context, role models.UserRole, req PostAlertRequest) (alert *models.Alert, err error) {
	defer s.observe("post_alert", time.Now(), &err)

	if role != models.RoleAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only admins can post alerts")
	}
	req.Title = strings.TrimSpace(req.Title)
	req.Message = strings.TrimSpace(req.Message)
	req.Audience = models.AlertAudience(strings.ToLower(strings.TrimSpace(string(req.Audience))))
	if err := s.validate(req, "title and audience are required"); err != nil {
		return nil, err
	}

	fields := docstore.Fields{
		"title":               req.Title,
		"message":             req.Message,
		"audience":            string(req.Audience),
		models.FieldCreatedAt: docstore.ServerTimestamp,
	}
	if req.StudentID != "" {
		fields[models.FieldStudentID] = req.StudentID
	}
	id, err := s.store.Add(ctx, models.CollectionAlerts, fields)
	if err != nil {
		return nil, writeError(err, "failed to post alert")
	}
	return &models.Alert{ID: id, Title: req.Title, Message: req.Message, Audience: req.Audience, StudentID: req.StudentID}, nil
}
