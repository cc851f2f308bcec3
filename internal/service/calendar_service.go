package service

import (
	"context"
	"time"

	"github.com/noah-isme/pgmles-api/internal/models"
	appErrors "github.com/noah-isme/pgmles-api/pkg/errors"
)

type calendarCourses interface {
	ListAll(ctx context.Context) ([]models.Course, error)
	ListByEnrollee(ctx context.Context, userID string) ([]models.Course, error)
}

// CalendarService projects weekly courses onto a month grid.
type CalendarService struct {
	courses calendarCourses
	now     func() time.Time
}

func NewCalendarService(courses calendarCourses, now func() time.Time) *CalendarService {
	if now == nil {
		now = time.Now
	}
	return &CalendarService{courses: courses, now: now}
}

// Month builds the grid for year/month; zero values select the current month.
// Authenticated callers only see the courses they subscribed to.
func (s *CalendarService) Month(ctx context.Context, actor *models.User, year, month int) (*models.CalendarMonth, error) {
	today := s.now()
	if year == 0 && month == 0 {
		year, month = today.Year(), int(today.Month())
	}
	if month < 1 || month > 12 || year < 1 || year > 9999 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid year or month")
	}

	var (
		courses []models.Course
		err     error
	)
	if actor != nil && actor.ID != "" {
		courses, err = s.courses.ListByEnrollee(ctx, actor.ID)
	} else {
		courses, err = s.courses.ListAll(ctx)
	}
	if err != nil {
		return nil, appErrors.Internal(err, "failed to load courses")
	}

	byWeekday := make(map[models.Weekday][]models.Course, 7)
	for _, c := range courses {
		byWeekday[c.Weekday] = append(byWeekday[c.Weekday], c)
	}

	first := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, today.Location())
	out := &models.CalendarMonth{Year: year, Month: month, MonthName: first.Month().String()}

	week := make([]models.CalendarDay, int(models.WeekdayOf(first.Weekday())))
	for i := range week {
		week[i] = models.CalendarDay{Lessons: []models.Lesson{}}
	}

	todayDate := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, today.Location())
	for day := first; day.Month() == first.Month(); day = day.AddDate(0, 0, 1) {
		cell := models.CalendarDay{Day: day.Day(), Lessons: []models.Lesson{}}
		for _, c := range byWeekday[models.WeekdayOf(day.Weekday())] {
			cell.Lessons = append(cell.Lessons, models.Lesson{
				CourseID:  c.ID,
				Name:      c.Name,
				Date:      day.Format("2006-01-02"),
				StartTime: c.StartTime,
				EndTime:   c.EndTime,
				Location:  c.Location,
			})
		}
		if out.NextLesson == nil && !day.Before(todayDate) && len(cell.Lessons) > 0 {
			next := cell.Lessons[0]
			out.NextLesson = &next
		}

		week = append(week, cell)
		if len(week) == 7 {
			out.Weeks = append(out.Weeks, week)
			week = make([]models.CalendarDay, 0, 7)
		}
	}
	if len(week) > 0 {
		for len(week) < 7 {
			week = append(week, models.CalendarDay{Lessons: []models.Lesson{}})
		}
		out.Weeks = append(out.Weeks, week)
	}
	return out, nil
}

// NextLesson returns the first lesson on or after today within the current month.
func (s *CalendarService) NextLesson(ctx context.Context, actor *models.User) (*models.Lesson, error) {
	month, err := s.Month(ctx, actor, 0, 0)
	if err != nil {
		return nil, err
	}
	return month.NextLesson, nil
}
