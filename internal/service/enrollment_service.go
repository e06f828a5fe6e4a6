package service

import (
	"context"
	"time"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

// EnrollRequest enrolls the calling student by course code.
type EnrollRequest struct {
	CourseCode string `json:"course_code" validate:"required"`
}

// EnrollmentService handles student self-enrollment.
type EnrollmentService struct {
	mutationBase
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(deps MutationDeps) *EnrollmentService {
	return &EnrollmentService{mutationBase: newMutationBase(deps)}
}

// Enroll resolves the course by its normalised code and records the
// enrollment. The pre-check rejects repeat enrollments with a conflict; the
// deterministic enrollment id makes a concurrent duplicate fail at the store.
func (s *EnrollmentService) Enroll(ctx context.Context, studentID string, req EnrollRequest) (enrollment *models.Enrollment, err error) {
	defer s.observe("enroll", time.Now(), &err)

	req.CourseCode = models.NormalizeCourseCode(req.CourseCode)
	if err := s.validate(req, "enter a course code"); err != nil {
		return nil, err
	}

	docs, err := s.store.Query(ctx, docstore.NewQuery(models.CollectionCourses, docstore.Eq(models.FieldCourseCode, req.CourseCode)))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up course")
	}
	if len(docs) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
	}
	courseID := docs[0].ID

	n, err := s.store.Count(ctx, docstore.NewQuery(models.CollectionEnrollments,
		docstore.Eq(models.FieldStudentID, studentID),
		docstore.Eq(models.FieldCourseID, courseID)))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check enrollment")
	}
	if n > 0 {
		return nil, appErrors.Clone(appErrors.ErrConflict, "already enrolled")
	}

	id := models.EnrollmentID(studentID, courseID)
	if err := s.store.Create(ctx, models.CollectionEnrollments, id, docstore.Fields{
		models.FieldStudentID: studentID,
		models.FieldCourseID:  courseID,
		models.FieldCreatedAt: docstore.ServerTimestamp,
	}); err != nil {
		return nil, writeError(err, "already enrolled")
	}

	s.logger.Sugar().Infow("student enrolled", "student_id", studentID, "course_id", courseID)
	return &models.Enrollment{ID: id, StudentID: studentID, CourseID: courseID}, nil
}
