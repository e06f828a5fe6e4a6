package models

import "time"

// Assignment is coursework published by a teacher.
type Assignment struct {
	ID            string     `json:"id" validate:"required"`
	CourseID      string     `json:"course_id" validate:"required"`
	TeacherID     string     `json:"teacher_id"`
	Title         string     `json:"title" validate:"required"`
	Instructions  string     `json:"instructions,omitempty"`
	DueDate       *string    `json:"due_date,omitempty"`
	AttachmentURL *string    `json:"attachment_url,omitempty"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
}

// Submission is a student's uploaded answer to an assignment.
type Submission struct {
	ID           string     `json:"id" validate:"required"`
	AssignmentID string     `json:"assignment_id" validate:"required"`
	CourseID     string     `json:"course_id" validate:"required"`
	StudentID    string     `json:"student_id" validate:"required"`
	FileURL      string     `json:"file_url" validate:"required"`
	FilePath     string     `json:"file_path,omitempty"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
}

// Grade is the teacher's verdict on one submission.
type Grade struct {
	ID           string     `json:"id" validate:"required"`
	SubmissionID string     `json:"submission_id" validate:"required"`
	CourseID     string     `json:"course_id" validate:"required"`
	StudentID    string     `json:"student_id" validate:"required"`
	Grade        string     `json:"grade" validate:"required"`
	Feedback     string     `json:"feedback,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
}
