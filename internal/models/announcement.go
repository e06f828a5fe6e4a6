package models

import "time"

// Announcement is an append-only course notice.
type Announcement struct {
	ID        string     `json:"id" validate:"required"`
	CourseID  string     `json:"course_id" validate:"required"`
	Title     string     `json:"title" validate:"required"`
	Content   string     `json:"content"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// AlertAudience scopes who should see an alert.
type AlertAudience string

const (
	AudienceAll      AlertAudience = "all"
	AudienceStudents AlertAudience = "students"
	AudienceTeachers AlertAudience = "teachers"
)

// Alert is a transient notification; it is observed, never materialized.
type Alert struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Message   string        `json:"message"`
	Audience  AlertAudience `json:"audience"`
	StudentID string        `json:"student_id,omitempty"`
	CreatedAt *time.Time    `json:"created_at,omitempty"`
}

// For reports whether the alert targets the given principal in role.
func (a Alert) For(userID string, role UserRole) bool {
	if a.StudentID != "" && a.StudentID == userID {
		return true
	}
	switch a.Audience {
	case AudienceAll:
		return true
	case AudienceStudents:
		return role == RoleStudent
	case AudienceTeachers:
		return role == RoleTeacher
	}
	return false
}

// Resource is a course file with searchable tags.
type Resource struct {
	ID        string     `json:"id" validate:"required"`
	CourseID  string     `json:"course_id" validate:"required"`
	Name      string     `json:"name" validate:"required"`
	URL       string     `json:"url" validate:"required"`
	Path      string     `json:"path,omitempty"`
	Tags      []string   `json:"tags"`
	Type      string     `json:"type"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}
