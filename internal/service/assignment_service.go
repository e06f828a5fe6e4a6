package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

// CreateAssignmentRequest describes new coursework.
type CreateAssignmentRequest struct {
	CourseID     string `json:"course_id" validate:"required"`
	Title        string `json:"title" validate:"required"`
	Instructions string `json:"instructions"`
	DueDate      string `json:"due_date"`
}

// GradeRequest records a verdict on a submission.
type GradeRequest struct {
	Grade    string `json:"grade" validate:"required"`
	Feedback string `json:"feedback"`
}

// AssignmentService handles assignment publication, submission and grading.
type AssignmentService struct {
	mutationBase
}

// NewAssignmentService constructs AssignmentService.
func NewAssignmentService(deps MutationDeps) *AssignmentService {
	return &AssignmentService{mutationBase: newMutationBase(deps)}
}

// CreateAssignment publishes an assignment with an optional attachment.
func (s *AssignmentService) CreateAssignment(ctx context.Context, teacherID string, req CreateAssignmentRequest, attachment *Upload) (assignment *models.Assignment, err error) {
	defer s.observe("create_assignment", time.Now(), &err)

	req.Title = strings.TrimSpace(req.Title)
	req.Instructions = strings.TrimSpace(req.Instructions)
	req.DueDate = strings.TrimSpace(req.DueDate)
	if err := s.validate(req, "fill required fields"); err != nil {
		return nil, err
	}
	if _, err := s.ownedCourse(ctx, teacherID, req.CourseID); err != nil {
		return nil, err
	}

	var attachmentURL, dueDate *string
	if req.DueDate != "" {
		dueDate = &req.DueDate
	}
	blobPath := ""
	if !attachment.empty() {
		blobPath = s.stampedPath("assignments_meta/"+req.CourseID, attachment)
		url, err := s.upload(ctx, blobPath, attachment)
		if err != nil {
			return nil, err
		}
		attachmentURL = &url
	}

	fields := docstore.Fields{
		models.FieldCourseID:  req.CourseID,
		models.FieldTeacherID: teacherID,
		"title":               req.Title,
		"instructions":        req.Instructions,
		"due_date":            nil,
		"attachment_url":      nil,
		models.FieldCreatedAt: docstore.ServerTimestamp,
	}
	if dueDate != nil {
		fields["due_date"] = *dueDate
	}
	if attachmentURL != nil {
		fields["attachment_url"] = *attachmentURL
	}
	id, err := s.store.Add(ctx, models.CollectionAssignments, fields)
	if err != nil {
		if blobPath != "" {
			s.orphaned(blobPath, err)
		}
		return nil, writeError(err, "failed to create assignment")
	}
	return &models.Assignment{
		ID:            id,
		CourseID:      req.CourseID,
		TeacherID:     teacherID,
		Title:         req.Title,
		Instructions:  req.Instructions,
		DueDate:       dueDate,
		AttachmentURL: attachmentURL,
	}, nil
}

// Submit uploads the student's answer and records the submission. Earlier
// submissions are kept; the newest one is current.
func (s *AssignmentService) Submit(ctx context.Context, studentID, assignmentID string, file *Upload) (submission *models.Submission, err error) {
	defer s.observe("submit_assignment", time.Now(), &err)

	if file.empty() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "select a file first")
	}
	if strings.TrimSpace(assignmentID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "assignment id required")
	}

	doc, err := s.store.Get(ctx, models.CollectionAssignments, assignmentID)
	if err != nil {
		return nil, writeError(err, "assignment not found")
	}
	courseID := doc.String(models.FieldCourseID)

	n, err := s.store.Count(ctx, docstore.NewQuery(models.CollectionEnrollments,
		docstore.Eq(models.FieldStudentID, studentID),
		docstore.Eq(models.FieldCourseID, courseID)))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check enrollment")
	}
	if n == 0 {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not enrolled in this course")
	}

	blobPath := s.stampedPath(fmt.Sprintf("assignments/%s/%s/%s", courseID, assignmentID, studentID), file)
	url, err := s.upload(ctx, blobPath, file)
	if err != nil {
		return nil, err
	}

	id, err := s.store.Add(ctx, models.CollectionSubmissions, docstore.Fields{
		models.FieldCourseID:  courseID,
		"assignment_id":       assignmentID,
		models.FieldStudentID: studentID,
		"file_url":            url,
		"file_path":           blobPath,
		"submitted_at":        docstore.ServerTimestamp,
	})
	if err != nil {
		s.orphaned(blobPath, err)
		return nil, writeError(err, "failed to submit assignment")
	}
	s.logger.Sugar().Infow("assignment submitted", "assignment_id", assignmentID, "student_id", studentID, "path", blobPath)
	return &models.Submission{
		ID:           id,
		AssignmentID: assignmentID,
		CourseID:     courseID,
		StudentID:    studentID,
		FileURL:      url,
		FilePath:     blobPath,
	}, nil
}

// Grade records a grade for a submission in one of the teacher's courses.
func (s *AssignmentService) Grade(ctx context.Context, teacherID, submissionID string, req GradeRequest) (grade *models.Grade, err error) {
	defer s.observe("grade_submission", time.Now(), &err)

	req.Grade = strings.TrimSpace(req.Grade)
	if err := s.validate(req, "enter a grade"); err != nil {
		return nil, err
	}

	doc, err := s.store.Get(ctx, models.CollectionSubmissions, submissionID)
	if err != nil {
		return nil, writeError(err, "submission not found")
	}
	sub, err := models.Decode[models.Submission](*doc, s.validator)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "malformed submission")
	}
	if _, err := s.ownedCourse(ctx, teacherID, sub.CourseID); err != nil {
		return nil, err
	}

	id, err := s.store.Add(ctx, models.CollectionGrades, docstore.Fields{
		"submission_id":       submissionID,
		models.FieldCourseID:  sub.CourseID,
		models.FieldStudentID: sub.StudentID,
		"grade":               req.Grade,
		"feedback":            req.Feedback,
		models.FieldCreatedAt: docstore.ServerTimestamp,
	})
	if err != nil {
		return nil, writeError(err, "failed to save grade")
	}
	return &models.Grade{
		ID:           id,
		SubmissionID: submissionID,
		CourseID:     sub.CourseID,
		StudentID:    sub.StudentID,
		Grade:        req.Grade,
		Feedback:     req.Feedback,
	}, nil
}
