package models

import (
	"strings"
	"time"
)

// UserRole is the closed set of roles known to the authorization layer.
type UserRole string

const (
	RoleClient  UserRole = "client"
	RoleTeacher UserRole = "teacher"
	RoleAdmin   UserRole = "admin"
)

// ParseRole normalises raw and reports whether it names a known role.
func ParseRole(raw string) (UserRole, bool) {
	r := UserRole(strings.ToLower(strings.TrimSpace(raw)))
	return r, r.Valid()
}

func (r UserRole) Valid() bool {
	switch r {
	case RoleClient, RoleTeacher, RoleAdmin:
		return true
	}
	return false
}

// CanManageCourses gates course create and update.
func (r UserRole) CanManageCourses() bool {
	switch r {
	case RoleAdmin, RoleTeacher:
		return true
	case RoleClient:
		return false
	}
	return false
}

// CanDeleteCourses gates course removal, which cascades to enrollments.
func (r UserRole) CanDeleteCourses() bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleTeacher, RoleClient:
		return false
	}
	return false
}

// CanManagePermissions gates role reassignment.
func (r UserRole) CanManagePermissions() bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleTeacher, RoleClient:
		return false
	}
	return false
}

// CanTeach reports whether a user with this role may be referenced as a course teacher.
func (r UserRole) CanTeach() bool {
	switch r {
	case RoleAdmin, RoleTeacher:
		return true
	case RoleClient:
		return false
	}
	return false
}

// User is a row of the users table.
type User struct {
	ID           string    `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         UserRole  `db:"role" json:"role"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Info projects the user for API responses.
func (u User) Info() UserInfo {
	return UserInfo{ID: u.ID, Username: u.Username, Email: u.Email, Role: u.Role}
}

// UpdateAccountRequest changes the caller's own profile.
type UpdateAccountRequest struct {
	Username string `json:"username" validate:"required,min=2,max=20"`
	Email    string `json:"email" validate:"required,email"`
}

// UpdatePermissionsRequest reassigns a user's role.
type UpdatePermissionsRequest struct {
	Role string `json:"role" validate:"required,oneof=client teacher admin"`
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
