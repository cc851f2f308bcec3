package service

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/noah-isme/pgmles-api/internal/models"
	"github.com/noah-isme/pgmles-api/internal/repository"
	appErrors "github.com/noah-isme/pgmles-api/pkg/errors"
)

type enrollmentStore interface {
	Exists(ctx context.Context, userID, courseID string) (bool, error)
	Subscribe(ctx context.Context, userID, courseID string) (*models.Enrollment, error)
	Unsubscribe(ctx context.Context, userID, courseID string) error
	Toggle(ctx context.Context, userID, courseID string) (models.ToggleResult, error)
	ListCourseIDsByUser(ctx context.Context, userID string) ([]string, error)
	ListMembers(ctx context.Context, courseID string) ([]models.CourseMember, error)
}

type courseFinder interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
}

// EnrollmentService manages the (user, course) subscription relation. It is
// role-agnostic for the caller's own subscriptions; the uniqueness of a pair
// is enforced by the store inside a transaction.
type EnrollmentService struct {
	store   enrollmentStore
	courses courseFinder
	metrics *MetricsService
	logger  *zap.Logger
}

func NewEnrollmentService(store enrollmentStore, courses courseFinder, metrics *MetricsService, logger *zap.Logger) *EnrollmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{store: store, courses: courses, metrics: metrics, logger: logger}
}

// IsEnrolled reports whether user holds an enrollment for courseID.
func (s *EnrollmentService) IsEnrolled(ctx context.Context, user *models.User, courseID string) (bool, error) {
	if err := requireUser(user); err != nil {
		return false, err
	}
	ok, err := s.store.Exists(ctx, user.ID, courseID)
	if err != nil {
		return false, appErrors.Internal(err, "failed to check enrollment")
	}
	return ok, nil
}

// Subscribe creates exactly one enrollment or fails with ALREADY_ENROLLED / NOT_FOUND.
func (s *EnrollmentService) Subscribe(ctx context.Context, user *models.User, courseID string) (*models.Enrollment, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	enrollment, err := s.store.Subscribe(ctx, user.ID, courseID)
	if err != nil {
		return nil, s.fail("subscribe", user, courseID, err)
	}
	s.succeed("subscribe", user, courseID)
	return enrollment, nil
}

// Unsubscribe removes the enrollment or fails with NOT_ENROLLED.
func (s *EnrollmentService) Unsubscribe(ctx context.Context, user *models.User, courseID string) error {
	if err := requireUser(user); err != nil {
		return err
	}
	if err := s.store.Unsubscribe(ctx, user.ID, courseID); err != nil {
		return s.fail("unsubscribe", user, courseID, err)
	}
	s.succeed("unsubscribe", user, courseID)
	return nil
}

// Toggle subscribes when no enrollment exists and unsubscribes otherwise.
func (s *EnrollmentService) Toggle(ctx context.Context, user *models.User, courseID string) (models.ToggleResult, error) {
	if err := requireUser(user); err != nil {
		return models.ToggleResult{}, err
	}
	result, err := s.store.Toggle(ctx, user.ID, courseID)
	if err != nil {
		return models.ToggleResult{}, s.fail("toggle", user, courseID, err)
	}
	s.succeed("toggle", user, courseID, zap.Bool("subscribed", result.Subscribed))
	return result, nil
}

// ListEnrollmentsForUser returns the ids of every course user is subscribed to.
func (s *EnrollmentService) ListEnrollmentsForUser(ctx context.Context, user *models.User) ([]string, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	ids, err := s.store.ListCourseIDsByUser(ctx, user.ID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to list enrollments")
	}
	return ids, nil
}

// ListCourseMembers returns the roster of courseID to an admin or its teacher.
func (s *EnrollmentService) ListCourseMembers(ctx context.Context, actor *models.User, courseID string) ([]models.CourseMember, error) {
	if err := requireUser(actor); err != nil {
		return nil, err
	}
	course, err := s.courses.FindByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Internal(err, "failed to load course")
	}
	if err := requireRosterAccess(actor, course); err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, courseID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to list course members")
	}
	return members, nil
}

func (s *EnrollmentService) succeed(op string, user *models.User, courseID string, extra ...zap.Field) {
	s.metrics.RecordEnrollment(op, "ok")
	fields := append([]zap.Field{zap.String("user_id", user.ID), zap.String("course_id", courseID)}, extra...)
	s.logger.Info("enrollment "+op, fields...)
}

// fail translates store outcomes into typed errors. Constraint violations
// mean two writers raced past the transactional checks and are logged as
// errors; every other outcome is ordinary user behaviour.
func (s *EnrollmentService) fail(op string, user *models.User, courseID string, err error) error {
	fields := []zap.Field{zap.String("operation", op), zap.String("user_id", user.ID), zap.String("course_id", courseID)}

	var out *appErrors.Error
	switch {
	case errors.Is(err, repository.ErrCourseNotFound):
		out = appErrors.Clone(appErrors.ErrNotFound, "course not found")
	case errors.Is(err, repository.ErrAlreadyEnrolled):
		out = appErrors.Clone(appErrors.ErrAlreadyEnrolled, "already subscribed to this course")
	case errors.Is(err, repository.ErrNotEnrolled):
		out = appErrors.Clone(appErrors.ErrNotEnrolled, "not subscribed to this course")
	case repository.IsConstraintViolation(err):
		s.logger.Error("enrollment constraint violation", append(fields, zap.Error(err))...)
		out = appErrors.Wrap(err, appErrors.ErrConstraintViolation.Code, appErrors.ErrConstraintViolation.Status, "enrollment could not be saved")
	default:
		s.logger.Error("enrollment store failure", append(fields, zap.Error(err))...)
		out = appErrors.Internal(err, "failed to "+op)
	}

	if out.Code != appErrors.ErrConstraintViolation.Code && out.Code != appErrors.ErrInternal.Code {
		s.logger.Info("enrollment rejected", append(fields, zap.String("code", out.Code))...)
	}
	s.metrics.RecordEnrollment(op, out.Code)
	return out
}
