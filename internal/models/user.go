package models

import (
	"fmt"
	"time"
)

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleSuperAdmin     UserRole = "super_admin"
	RoleAdmin          UserRole = "admin"
	RoleTeacher        UserRole = "teacher"
	RoleClassTeacher   UserRole = "class_teacher"
	RoleClassPresident UserRole = "class_president"
	RoleVicePresident  UserRole = "vice_president"
	RoleTreasurer      UserRole = "treasurer"
	RoleSecretary      UserRole = "secretary"
	RoleStudent        UserRole = "student"
)

var roleRanks = map[UserRole]int{
	RoleSuperAdmin:     100,
	RoleAdmin:          90,
	RoleTeacher:        80,
	RoleClassTeacher:   70,
	RoleClassPresident: 60,
	RoleVicePresident:  50,
	RoleTreasurer:      40,
	RoleSecretary:      30,
	RoleStudent:        10,
}

// Roles lists every role ordered from highest to lowest rank.
func Roles() []UserRole {
	return []UserRole{
		RoleSuperAdmin,
		RoleAdmin,
		RoleTeacher,
		RoleClassTeacher,
		RoleClassPresident,
		RoleVicePresident,
		RoleTreasurer,
		RoleSecretary,
		RoleStudent,
	}
}

// ParseRole validates a raw role name.
func ParseRole(raw string) (UserRole, error) {
	role := UserRole(raw)
	if _, ok := roleRanks[role]; !ok {
		return "", fmt.Errorf("unknown role %q", raw)
	}
	return role, nil
}

// Rank returns the numeric rank of the role; unknown roles rank zero.
func (r UserRole) Rank() int {
	return roleRanks[r]
}

// Valid reports whether the role is part of the hierarchy.
func (r UserRole) Valid() bool {
	_, ok := roleRanks[r]
	return ok
}

// AtLeast reports whether r ranks at or above required.
func (r UserRole) AtLeast(required UserRole) bool {
	return r.Valid() && r.Rank() >= required.Rank()
}

// User represents an application user stored in the users table.
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	FullName     string    `db:"full_name" json:"full_name"`
	Role         UserRole  `db:"role" json:"role"`
	ClassID      *string   `db:"class_id" json:"class_id,omitempty"`
	AvatarURL    string    `db:"avatar_url" json:"avatar_url,omitempty"`
	Approved     bool      `db:"approved" json:"approved"`
	Blocked      bool      `db:"blocked" json:"blocked"`
	LastActive   time.Time `db:"last_active" json:"last_active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// InClass reports whether the user is affiliated with the given class.
func (u *User) InClass(classID string) bool {
	return u != nil && u.ClassID != nil && classID != "" && *u.ClassID == classID
}

// Summary returns the public display fields of the user.
func (u *User) Summary() UserSummary {
	return UserSummary{ID: u.ID, FullName: u.FullName, Email: u.Email, AvatarURL: u.AvatarURL}
}

// UserSummary is the sender/participant projection embedded in chat payloads.
type UserSummary struct {
	ID        string `db:"id" json:"id"`
	FullName  string `db:"full_name" json:"full_name"`
	Email     string `db:"email" json:"email"`
	AvatarURL string `db:"avatar_url" json:"avatar_url,omitempty"`
}

// UserFilter captures filtering criteria for listing users.
type UserFilter struct {
	Role      *UserRole
	Approved  *bool
	Blocked   *bool
	ClassID   string
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
