package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/pgmles-api/internal/models"
	"github.com/noah-isme/pgmles-api/pkg/database"
)

const courseSelect = `SELECT c.id, c.name, c.description, c.teacher_id, u.username AS teacher_name, c.weekday, c.start_time, c.end_time, c.location, c.created_at, c.updated_at FROM courses c JOIN users u ON u.id = c.teacher_id`

// CourseRepository persists the course catalog.
type CourseRepository struct {
	db *sqlx.DB
}

func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// List returns one page of courses ordered by weekday, start time and name.
func (r *CourseRepository) List(ctx context.Context, filter models.CourseFilter) ([]models.Course, int, error) {
	var conditions []string
	var args []interface{}

	if s := strings.TrimSpace(filter.Search); s != "" {
		args = append(args, "%"+s+"%")
		conditions = append(conditions, fmt.Sprintf("(c.name ILIKE $%d OR c.description ILIKE $%d OR c.location ILIKE $%d)", len(args), len(args), len(args)))
	}
	if filter.TeacherID != "" {
		args = append(args, filter.TeacherID)
		conditions = append(conditions, fmt.Sprintf("c.teacher_id = $%d", len(args)))
	}
	if filter.Weekday != nil {
		args = append(args, int(*filter.Weekday))
		conditions = append(conditions, fmt.Sprintf("c.weekday = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	listQuery := fmt.Sprintf("%s%s ORDER BY c.weekday, c.start_time, c.name LIMIT %d OFFSET %d", courseSelect, where, pageSize, (page-1)*pageSize)
	var courses []models.Course
	if err := r.db.SelectContext(ctx, &courses, listQuery, args...); err != nil {
		if isMalformedID(err) {
			return []models.Course{}, 0, nil
		}
		return nil, 0, fmt.Errorf("list courses: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM courses c"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count courses: %w", err)
	}
	return courses, total, nil
}

// ListAll returns every course; the catalog is small enough to load whole.
func (r *CourseRepository) ListAll(ctx context.Context) ([]models.Course, error) {
	var courses []models.Course
	if err := r.db.SelectContext(ctx, &courses, courseSelect+" ORDER BY c.weekday, c.start_time, c.name"); err != nil {
		return nil, fmt.Errorf("list all courses: %w", err)
	}
	return courses, nil
}

// ListByEnrollee returns the courses userID is subscribed to.
func (r *CourseRepository) ListByEnrollee(ctx context.Context, userID string) ([]models.Course, error) {
	query := courseSelect + " JOIN enrollments e ON e.course_id = c.id WHERE e.user_id = $1 ORDER BY c.weekday, c.start_time, c.name"
	var courses []models.Course
	if err := r.db.SelectContext(ctx, &courses, query, userID); err != nil {
		return nil, fmt.Errorf("list enrolled courses: %w", err)
	}
	return courses, nil
}

// FindByID returns sql.ErrNoRows when the course does not exist.
func (r *CourseRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	var course models.Course
	if err := r.db.GetContext(ctx, &course, courseSelect+" WHERE c.id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("find course: %w", err)
	}
	return &course, nil
}

func (r *CourseRepository) Create(ctx context.Context, course *models.Course) error {
	if course.ID == "" {
		course.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	course.CreatedAt, course.UpdatedAt = now, now

	const query = `INSERT INTO courses (id, name, description, teacher_id, weekday, start_time, end_time, location, created_at, updated_at) VALUES (:id, :name, :description, :teacher_id, :weekday, :start_time, :end_time, :location, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, course); err != nil {
		return fmt.Errorf("create course: %w", mapPQError(err))
	}
	return nil
}

func (r *CourseRepository) Update(ctx context.Context, course *models.Course) error {
	course.UpdatedAt = time.Now().UTC()
	const query = `UPDATE courses SET name = :name, description = :description, teacher_id = :teacher_id, weekday = :weekday, start_time = :start_time, end_time = :end_time, location = :location, updated_at = :updated_at WHERE id = :id`
	res, err := r.db.NamedExecContext(ctx, query, course)
	if err != nil {
		return fmt.Errorf("update course: %w", mapPQError(err))
	}
	return expectOne(res, "update course")
}

// DeleteCascade removes a course and its enrollments in one transaction and
// returns the number of enrollments removed. The course row is locked first
// so no subscription can slip in between the two deletes.
func (r *CourseRepository) DeleteCascade(ctx context.Context, id string) (int64, error) {
	var removed int64
	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var locked string
		if err := tx.GetContext(ctx, &locked, `SELECT id FROM courses WHERE id = $1 FOR UPDATE`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
				return ErrCourseNotFound
			}
			return fmt.Errorf("lock course: %w", err)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM enrollments WHERE course_id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete course enrollments: %w", err)
		}
		if removed, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("count removed enrollments: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM courses WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete course: %w", mapPQError(err))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
