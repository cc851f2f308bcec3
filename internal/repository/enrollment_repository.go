package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/pgmles-api/internal/models"
	"github.com/noah-isme/pgmles-api/pkg/database"
)

const (
	lockCourseShare   = `SELECT id FROM courses WHERE id = $1 FOR SHARE`
	insertEnrollment  = `INSERT INTO enrollments (id, user_id, course_id) VALUES ($1, $2, $3) ON CONFLICT (user_id, course_id) DO NOTHING RETURNING id, user_id, course_id, created_at`
	selectEnrollment  = `SELECT id, user_id, course_id, created_at FROM enrollments WHERE user_id = $1 AND course_id = $2`
	deleteEnrollment  = `DELETE FROM enrollments WHERE user_id = $1 AND course_id = $2`
	enrollmentExists  = `SELECT EXISTS (SELECT 1 FROM enrollments WHERE user_id = $1 AND course_id = $2)`
	enrolledCourseIDs = `SELECT course_id FROM enrollments WHERE user_id = $1 ORDER BY created_at, course_id`
	courseMembers     = `SELECT e.user_id, u.username, u.email, e.created_at AS subscribed_at FROM enrollments e JOIN users u ON u.id = e.user_id WHERE e.course_id = $1 ORDER BY e.created_at, u.username`
)

// EnrollmentRepository owns the (user, course) join table. Every mutation
// runs in a transaction and relies on the UNIQUE (user_id, course_id)
// constraint as the final arbiter between concurrent callers.
type EnrollmentRepository struct {
	db *sqlx.DB
}

func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

func (r *EnrollmentRepository) Exists(ctx context.Context, userID, courseID string) (bool, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, enrollmentExists, userID, courseID); err != nil {
		if isMalformedID(err) {
			return false, nil
		}
		return false, fmt.Errorf("check enrollment: %w", err)
	}
	return exists, nil
}

// Subscribe inserts the pair. It returns ErrCourseNotFound or ErrAlreadyEnrolled
// without creating anything when those preconditions fail.
func (r *EnrollmentRepository) Subscribe(ctx context.Context, userID, courseID string) (*models.Enrollment, error) {
	var created *models.Enrollment
	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := lockCourse(ctx, tx, courseID); err != nil {
			return err
		}
		enrollment, err := insert(ctx, tx, userID, courseID)
		if err != nil {
			return err
		}
		if enrollment == nil {
			return ErrAlreadyEnrolled
		}
		created = enrollment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Unsubscribe removes the pair or returns ErrNotEnrolled.
func (r *EnrollmentRepository) Unsubscribe(ctx context.Context, userID, courseID string) error {
	res, err := r.db.ExecContext(ctx, deleteEnrollment, userID, courseID)
	if err != nil {
		if isMalformedID(err) {
			return ErrNotEnrolled
		}
		return fmt.Errorf("delete enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete enrollment: %w", err)
	}
	if n == 0 {
		return ErrNotEnrolled
	}
	return nil
}

// Toggle flips the subscription state of the pair based on what is stored,
// not on what the caller believes.
func (r *EnrollmentRepository) Toggle(ctx context.Context, userID, courseID string) (models.ToggleResult, error) {
	var result models.ToggleResult
	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := lockCourse(ctx, tx, courseID); err != nil {
			return err
		}

		var existing models.Enrollment
		err := tx.GetContext(ctx, &existing, selectEnrollment+" FOR UPDATE", userID, courseID)
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx, `DELETE FROM enrollments WHERE id = $1`, existing.ID); err != nil {
				return fmt.Errorf("delete enrollment: %w", err)
			}
			result = models.ToggleResult{Subscribed: false}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lock enrollment: %w", err)
		}

		enrollment, err := insert(ctx, tx, userID, courseID)
		if err != nil {
			return err
		}
		if enrollment == nil {
			// A concurrent subscribe committed first; report the row it created.
			var current models.Enrollment
			if err := tx.GetContext(ctx, &current, selectEnrollment, userID, courseID); err != nil {
				return fmt.Errorf("reload enrollment: %w", err)
			}
			enrollment = &current
		}
		result = models.ToggleResult{Subscribed: true, Enrollment: enrollment}
		return nil
	})
	if err != nil {
		return models.ToggleResult{}, err
	}
	return result, nil
}

// ListCourseIDsByUser returns course ids in subscription order.
func (r *EnrollmentRepository) ListCourseIDsByUser(ctx context.Context, userID string) ([]string, error) {
	ids := []string{}
	if err := r.db.SelectContext(ctx, &ids, enrolledCourseIDs, userID); err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	return ids, nil
}

func (r *EnrollmentRepository) ListMembers(ctx context.Context, courseID string) ([]models.CourseMember, error) {
	members := []models.CourseMember{}
	if err := r.db.SelectContext(ctx, &members, courseMembers, courseID); err != nil {
		if isMalformedID(err) {
			return members, nil
		}
		return nil, fmt.Errorf("list course members: %w", err)
	}
	return members, nil
}

func lockCourse(ctx context.Context, tx *sqlx.Tx, courseID string) error {
	var id string
	if err := tx.GetContext(ctx, &id, lockCourseShare, courseID); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
			return ErrCourseNotFound
		}
		return fmt.Errorf("lock course: %w", err)
	}
	return nil
}

// insert returns (nil, nil) when the pair already exists.
func insert(ctx context.Context, tx *sqlx.Tx, userID, courseID string) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	if err := tx.GetContext(ctx, &enrollment, insertEnrollment, uuid.NewString(), userID, courseID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("insert enrollment: %w", mapPQError(err))
	}
	return &enrollment, nil
}
