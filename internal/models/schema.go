package models

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/classroom-sync/pkg/docstore"
)

// Entity is any decoded document type.
type Entity interface {
	Course | Enrollment | Topic | AttendanceRecord | Assignment | Submission | Grade |
		Announcement | Alert | Resource | Profile | RoleRecord | Credential | RefreshToken
}

// Decode converts a raw document into its typed entity and validates it
// against the entity's schema. Documents that fail never reach view state.
func Decode[T Entity](doc docstore.Document, validate *validator.Validate) (T, error) {
	var out T
	if err := doc.Decode(&out); err != nil {
		return out, err
	}
	if validate != nil {
		if err := validate.Struct(&out); err != nil {
			return out, fmt.Errorf("invalid %s/%s: %w", doc.Collection, doc.ID, err)
		}
	}
	return out, nil
}
