package service

import (
	"context"
	"strings"
	"time"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

// CreateCourseRequest describes a new course.
type CreateCourseRequest struct {
	Name        string `json:"course_name" validate:"required"`
	Code        string `json:"course_code" validate:"required"`
	Description string `json:"description"`
}

// CreateTopicRequest describes a new lecture topic.
type CreateTopicRequest struct {
	CourseID string             `json:"course_id" validate:"required"`
	Title    string             `json:"title" validate:"required"`
	Status   models.TopicStatus `json:"status" validate:"omitempty,oneof=pending in-progress completed"`
}

// CourseService handles the teacher's course and topic writes.
type CourseService struct {
	mutationBase
}

// NewCourseService constructs CourseService.
func NewCourseService(deps MutationDeps) *CourseService {
	return &CourseService{mutationBase: newMutationBase(deps)}
}

// CreateCourse stores a course under the teacher with an uppercased code.
// Codes are unique.
func (s *CourseService) CreateCourse(ctx context.Context, teacherID string, req CreateCourseRequest) (course *models.Course, err error) {
	defer s.observe("create_course", time.Now(), &err)

	req.Name = strings.TrimSpace(req.Name)
	req.Code = models.NormalizeCourseCode(req.Code)
	req.Description = strings.TrimSpace(req.Description)
	if err := s.validate(req, "course name and code are required"); err != nil {
		return nil, err
	}

	n, err := s.store.Count(ctx, docstore.NewQuery(models.CollectionCourses, docstore.Eq(models.FieldCourseCode, req.Code)))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check course code")
	}
	if n > 0 {
		return nil, appErrors.Clone(appErrors.ErrConflict, "course code already in use")
	}

	id, err := s.store.Add(ctx, models.CollectionCourses, docstore.Fields{
		models.FieldTeacherID:  teacherID,
		"course_name":          req.Name,
		models.FieldCourseCode: req.Code,
		"description":          req.Description,
		models.FieldCreatedAt:  docstore.ServerTimestamp,
	})
	if err != nil {
		return nil, writeError(err, "failed to create course")
	}
	return &models.Course{ID: id, Name: req.Name, Code: req.Code, Description: req.Description, TeacherID: teacherID}, nil
}

// CreateTopic adds a topic to one of the teacher's courses. Status defaults to pending.
func (s *CourseService) CreateTopic(ctx context.Context, teacherID string, req CreateTopicRequest) (topic *models.Topic, err error) {
	defer s.observe("create_topic", time.Now(), &err)

	req.Title = strings.TrimSpace(req.Title)
	if req.Status == "" {
		req.Status = models.TopicPending
	}
	if err := s.validate(req, "provide course and topic title"); err != nil {
		return nil, err
	}
	if _, err := s.ownedCourse(ctx, teacherID, req.CourseID); err != nil {
		return nil, err
	}

	id, err := s.store.Add(ctx, models.CollectionTopics, docstore.Fields{
		models.FieldCourseID:  req.CourseID,
		"title":               req.Title,
		"status":              string(req.Status),
		models.FieldCreatedAt: docstore.ServerTimestamp,
	})
	if err != nil {
		return nil, writeError(err, "failed to add topic")
	}
	return &models.Topic{ID: id, CourseID: req.CourseID, Title: req.Title, Status: req.Status}, nil
}

// DeleteTopic removes a topic of one of the teacher's courses.
func (s *CourseService) DeleteTopic(ctx context.Context, teacherID, topicID string) (err error) {
	defer s.observe("delete_topic", time.Now(), &err)

	if strings.TrimSpace(topicID) == "" {
		return appErrors.Clone(appErrors.ErrValidation, "topic id required")
	}
	doc, err := s.store.Get(ctx, models.CollectionTopics, topicID)
	if err != nil {
		return writeError(err, "topic not found")
	}
	if _, err := s.ownedCourse(ctx, teacherID, doc.String(models.FieldCourseID)); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, models.CollectionTopics, topicID); err != nil {
		return writeError(err, "failed to delete topic")
	}
	return nil
}
