package models

import "time"

// Visibility controls who may read a class-owned resource.
type Visibility string

const (
	VisibilityClassOnly Visibility = "class_only"
	VisibilitySchool    Visibility = "school"
	VisibilityPublic    Visibility = "public"
)

// Valid reports whether v is a known visibility setting.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityClassOnly, VisibilitySchool, VisibilityPublic:
		return true
	}
	return false
}

// Class represents an academic class or section.
type Class struct {
	ID                string     `db:"id" json:"id"`
	Name              string     `db:"name" json:"name"`
	Grade             string     `db:"grade" json:"grade"`
	AcademicYear      string     `db:"academic_year" json:"academic_year"`
	ClassTeacherID    *string    `db:"class_teacher_id" json:"class_teacher_id,omitempty"`
	FinanceVisibility Visibility `db:"finance_visibility" json:"finance_visibility"`
	GalleryVisibility Visibility `db:"gallery_visibility" json:"gallery_visibility"`
	Active            bool       `db:"active" json:"active"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}
