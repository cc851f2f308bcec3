package models

import "time"

// Enrollment links one user to one course. At most one exists per pair.
type Enrollment struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	CourseID  string    `db:"course_id" json:"course_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// EnrollmentStatus answers the is-enrolled query.
type EnrollmentStatus struct {
	CourseID string `json:"course_id"`
	Enrolled bool   `json:"enrolled"`
}

// ToggleResult reports which branch the toggle command took.
type ToggleResult struct {
	Subscribed bool        `json:"subscribed"`
	Enrollment *Enrollment `json:"enrollment,omitempty"`
}

// CourseMember is one row of a course roster.
type CourseMember struct {
	UserID       string    `db:"user_id" json:"user_id"`
	Username     string    `db:"username" json:"username"`
	Email        string    `db:"email" json:"email"`
	SubscribedAt time.Time `db:"subscribed_at" json:"subscribed_at"`
}
