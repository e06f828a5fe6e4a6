package models

import "time"

// AttendanceStatus is the outcome recorded for one student in one session.
type AttendanceStatus string

const (
	AttendancePresent AttendanceStatus = "present"
	AttendanceAbsent  AttendanceStatus = "absent"
	AttendanceLate    AttendanceStatus = "late"
)

// Valid reports whether s is a known status.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case AttendancePresent, AttendanceAbsent, AttendanceLate:
		return true
	}
	return false
}

// AttendanceRecord is append-only; corrections are new records.
type AttendanceRecord struct {
	ID          string           `json:"id" validate:"required"`
	CourseID    string           `json:"course_id" validate:"required"`
	TopicID     string           `json:"topic_id" validate:"required"`
	StudentID   string           `json:"student_id" validate:"required"`
	Status      AttendanceStatus `json:"status" validate:"required,oneof=present absent late"`
	SessionDate string           `json:"session_date"`
	CreatedAt   *time.Time       `json:"created_at,omitempty"`
}
