package models

// Lesson is one occurrence of a weekly course on a given date.
type Lesson struct {
	CourseID  string `json:"course_id"`
	Name      string `json:"name"`
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Location  string `json:"location"`
}

// CalendarDay is a cell of the month grid. Day is 0 for padding cells.
type CalendarDay struct {
	Day     int      `json:"day"`
	Lessons []Lesson `json:"lessons"`
}

// CalendarMonth is a Monday-first grid of weeks.
type CalendarMonth struct {
	Year       int             `json:"year"`
	Month      int             `json:"month"`
	MonthName  string          `json:"month_name"`
	Weeks      [][]CalendarDay `json:"weeks"`
	NextLesson *Lesson         `json:"next_lesson,omitempty"`
}
