package models

import (
	"strings"
	"time"
)

// Course is created by a teacher and never deleted.
type Course struct {
	ID          string     `json:"id" validate:"required"`
	Name        string     `json:"course_name" validate:"required"`
	Code        string     `json:"course_code" validate:"required,uppercase"`
	Description string     `json:"description"`
	TeacherID   string     `json:"teacher_id" validate:"required"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

// NormalizeCourseCode is applied both when a course is written and when it is looked up.
func NormalizeCourseCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Enrollment joins a student to a course.
type Enrollment struct {
	ID        string     `json:"id" validate:"required"`
	StudentID string     `json:"student_id" validate:"required"`
	CourseID  string     `json:"course_id" validate:"required"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// EnrollmentID is the deterministic document id of the (student, course) pair.
func EnrollmentID(studentID, courseID string) string {
	return studentID + "_" + courseID
}

// TopicStatus tracks lecture progress.
type TopicStatus string

const (
	TopicPending    TopicStatus = "pending"
	TopicInProgress TopicStatus = "in-progress"
	TopicCompleted  TopicStatus = "completed"
)

// Topic is a lecture unit of a course.
type Topic struct {
	ID        string      `json:"id" validate:"required"`
	CourseID  string      `json:"course_id" validate:"required"`
	Title     string      `json:"title" validate:"required"`
	Status    TopicStatus `json:"status" validate:"required,oneof=pending in-progress completed"`
	CreatedAt *time.Time  `json:"created_at,omitempty"`
}
