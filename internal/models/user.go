package models

import "strings"

// UserRole is the dashboard role resolved for a principal.
type UserRole string

const (
	RoleStudent UserRole = "student"
	RoleTeacher UserRole = "teacher"
	RoleAdmin   UserRole = "admin"
)

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	}
	return false
}

// ParseRole normalises raw into a role, reporting false for unknown values.
func ParseRole(raw string) (UserRole, bool) {
	r := UserRole(strings.ToLower(strings.TrimSpace(raw)))
	return r, r.Valid()
}

// RoleRecord is the one-row role document stored at user_roles/{user_id}.
type RoleRecord struct {
	ID     string   `json:"id"`
	UserID string   `json:"user_id" validate:"required"`
	Role   UserRole `json:"role" validate:"required,oneof=student teacher admin"`
}

// Profile holds display details stored at profiles/{user_id}.
type Profile struct {
	ID       string `json:"id" validate:"required"`
	FullName string `json:"full_name"`
	Email    string `json:"email" validate:"omitempty,email"`
}

// DisplayName falls back to the id when no name is recorded.
func (p Profile) DisplayName() string {
	if strings.TrimSpace(p.FullName) == "" {
		return p.ID
	}
	return p.FullName
}

// Credential stores a password hash keyed by normalised email.
type Credential struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id" validate:"required"`
	Email        string `json:"email" validate:"required,email"`
	PasswordHash string `json:"password_hash" validate:"required"`
}

// NormalizeEmail lowercases and trims an email for use as a document id.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
