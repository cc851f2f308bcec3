package models

import (
	"fmt"
	"time"
)

// Weekday numbers days Monday-first: 0 is Monday and 6 is Sunday.
type Weekday int

const (
	Monday Weekday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

var weekdayNames = [...]string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

func (w Weekday) Valid() bool {
	return w >= Monday && w <= Sunday
}

func (w Weekday) String() string {
	if !w.Valid() {
		return fmt.Sprintf("Weekday(%d)", int(w))
	}
	return weekdayNames[w]
}

// WeekdayOf converts a time.Weekday (Sunday-first) into a Weekday.
func WeekdayOf(d time.Weekday) Weekday {
	return Weekday((int(d) + 6) % 7)
}

// Course is a row of the courses table joined with its teacher's username.
type Course struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	TeacherID   string    `db:"teacher_id" json:"teacher_id"`
	TeacherName string    `db:"teacher_name" json:"teacher_name"`
	Weekday     Weekday   `db:"weekday" json:"weekday"`
	StartTime   string    `db:"start_time" json:"start_time"`
	EndTime     string    `db:"end_time" json:"end_time"`
	Location    string    `db:"location" json:"location"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// CourseFilter narrows the public course listing.
type CourseFilter struct {
	Search    string
	TeacherID string
	Weekday   *Weekday
	Page      int
	PageSize  int
}

// CourseRequest is the create/update payload. Start and End use HH:MM.
type CourseRequest struct {
	Name        string  `json:"name" validate:"required,min=1,max=100"`
	Description string  `json:"description" validate:"max=5000"`
	TeacherID   string  `json:"teacher_id" validate:"required,uuid"`
	Weekday     Weekday `json:"weekday" validate:"min=0,max=6"`
	StartTime   string  `json:"start_time" validate:"required,datetime=15:04"`
	EndTime     string  `json:"end_time" validate:"required,datetime=15:04"`
	Location    string  `json:"location" validate:"required,min=1,max=120"`
}

// CourseDeleteResult reports how many enrollments were removed with the course.
type CourseDeleteResult struct {
	CourseID           string `json:"course_id"`
	RemovedEnrollments int64  `json:"removed_enrollments"`
}

// SearchToken is a scoped credential for client-side catalog search.
type SearchToken struct {
	Token     string    `json:"token"`
	Index     string    `json:"index"`
	Host      string    `json:"host"`
	ExpiresAt time.Time `json:"expires_at"`
}
