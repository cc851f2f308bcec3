package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/noah-isme/pgmles-api/internal/models"
	"github.com/noah-isme/pgmles-api/internal/repository"
	appErrors "github.com/noah-isme/pgmles-api/pkg/errors"
)

const (
	defaultCoursePageSize = 20
	maxCoursePageSize     = 100
)

type courseStore interface {
	List(ctx context.Context, filter models.CourseFilter) ([]models.Course, int, error)
	ListAll(ctx context.Context) ([]models.Course, error)
	FindByID(ctx context.Context, id string) (*models.Course, error)
	Create(ctx context.Context, course *models.Course) error
	Update(ctx context.Context, course *models.Course) error
	DeleteCascade(ctx context.Context, id string) (int64, error)
}

type teacherDirectory interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	ListByRole(ctx context.Context, role models.UserRole) ([]models.UserInfo, error)
}

type auditWriter interface {
	Create(ctx context.Context, entry *models.AuditLog) error
}

type courseIndexer interface {
	IndexCourses(ctx context.Context, courses ...models.Course) error
	RemoveCourse(ctx context.Context, id string) error
	TenantToken(actor *models.User) (*models.SearchToken, error)
}

// CourseService manages the course catalog.
type CourseService struct {
	courses   courseStore
	users     teacherDirectory
	audit     auditWriter
	cache     *CacheService
	search    courseIndexer
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    *zap.Logger
}

func NewCourseService(courses courseStore, users teacherDirectory, audit auditWriter, cache *CacheService, search courseIndexer, validate *validator.Validate, logger *zap.Logger) *CourseService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CourseService{
		courses:   courses,
		users:     users,
		audit:     audit,
		cache:     cache,
		search:    search,
		validator: validate,
		sanitizer: bluemonday.UGCPolicy(),
		logger:    logger,
	}
}

// List returns a page of courses ordered by weekday and start time.
func (s *CourseService) List(ctx context.Context, filter models.CourseFilter) ([]models.Course, *models.Pagination, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = defaultCoursePageSize
	}
	if filter.PageSize > maxCoursePageSize {
		filter.PageSize = maxCoursePageSize
	}
	if filter.Weekday != nil && !filter.Weekday.Valid() {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "weekday must be between 0 and 6")
	}
	filter.Search = strings.TrimSpace(filter.Search)

	courses, total, err := s.courses.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Internal(err, "failed to list courses")
	}
	return courses, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

func (s *CourseService) Get(ctx context.Context, id string) (*models.Course, error) {
	course, err := s.courses.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Internal(err, "failed to load course")
	}
	return course, nil
}

// Teachers lists users that may be assigned to a course.
func (s *CourseService) Teachers(ctx context.Context) ([]models.UserInfo, error) {
	teachers, err := s.users.ListByRole(ctx, models.RoleTeacher)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to list teachers")
	}
	return teachers, nil
}

func (s *CourseService) Create(ctx context.Context, actor *models.User, req models.CourseRequest) (*models.Course, error) {
	if err := s.authorizeManage(actor); err != nil {
		return nil, err
	}
	course := &models.Course{}
	if err := s.apply(ctx, course, req); err != nil {
		return nil, err
	}
	if err := s.courses.Create(ctx, course); err != nil {
		if errors.Is(err, repository.ErrForeignKeyViolation) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "teacher does not exist")
		}
		return nil, appErrors.Internal(err, "failed to create course")
	}

	s.record(ctx, actor, models.AuditActionCourseCreate, course.ID, nil, course)
	s.afterWrite(ctx, course)
	return course, nil
}

func (s *CourseService) Update(ctx context.Context, actor *models.User, id string, req models.CourseRequest) (*models.Course, error) {
	if err := s.authorizeManage(actor); err != nil {
		return nil, err
	}
	course, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	before := *course
	if err := s.apply(ctx, course, req); err != nil {
		return nil, err
	}
	if err := s.courses.Update(ctx, course); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		case errors.Is(err, repository.ErrForeignKeyViolation):
			return nil, appErrors.Clone(appErrors.ErrValidation, "teacher does not exist")
		}
		return nil, appErrors.Internal(err, "failed to update course")
	}

	s.record(ctx, actor, models.AuditActionCourseUpdate, course.ID, before, course)
	s.afterWrite(ctx, course)
	return course, nil
}

// Delete removes a course together with every enrollment referencing it.
func (s *CourseService) Delete(ctx context.Context, actor *models.User, id string) (*models.CourseDeleteResult, error) {
	if err := requireUser(actor); err != nil {
		return nil, err
	}
	if !actor.Role.CanDeleteCourses() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only administrators may delete courses")
	}
	course, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	removed, err := s.courses.DeleteCascade(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrCourseNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Internal(err, "failed to delete course")
	}

	s.logger.Info("course deleted", zap.String("course_id", id), zap.Int64("removed_enrollments", removed), zap.String("actor_id", actor.ID))
	s.record(ctx, actor, models.AuditActionCourseDelete, id, course, map[string]int64{"removed_enrollments": removed})
	s.cache.Invalidate(ctx, cacheKeyCatalogCourses)
	if s.search != nil {
		if err := s.search.RemoveCourse(ctx, id); err != nil {
			s.logger.Warn("failed to remove course from search index", zap.String("course_id", id), zap.Error(err))
		}
	}
	return &models.CourseDeleteResult{CourseID: id, RemovedEnrollments: removed}, nil
}

// SearchToken issues a client-side search credential for the course index.
func (s *CourseService) SearchToken(_ context.Context, actor *models.User) (*models.SearchToken, error) {
	if s.search == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "search is not enabled")
	}
	return s.search.TenantToken(actor)
}

// Reindex pushes every course into the search index.
func (s *CourseService) Reindex(ctx context.Context) error {
	if s.search == nil {
		return nil
	}
	courses, err := s.courses.ListAll(ctx)
	if err != nil {
		return err
	}
	return s.search.IndexCourses(ctx, courses...)
}

func (s *CourseService) authorizeManage(actor *models.User) error {
	if err := requireUser(actor); err != nil {
		return err
	}
	switch actor.Role {
	case models.RoleAdmin, models.RoleTeacher:
		return nil
	case models.RoleClient:
		return appErrors.Clone(appErrors.ErrForbidden, "only teachers and administrators may manage courses")
	}
	return appErrors.Clone(appErrors.ErrForbidden, "unknown role")
}

// apply validates req and copies it onto course.
func (s *CourseService) apply(ctx context.Context, course *models.Course, req models.CourseRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	req.Location = strings.TrimSpace(req.Location)
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}
	start, _ := time.Parse("15:04", req.StartTime)
	end, _ := time.Parse("15:04", req.EndTime)
	if !end.After(start) {
		return appErrors.Clone(appErrors.ErrValidation, "end time must be after start time")
	}

	teacher, err := s.users.FindByID(ctx, req.TeacherID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrValidation, "teacher does not exist")
		}
		return appErrors.Internal(err, "failed to load teacher")
	}
	if !teacher.Role.CanTeach() {
		return appErrors.Clone(appErrors.ErrValidation, "assigned user is not a teacher")
	}

	course.Name = req.Name
	course.Description = strings.TrimSpace(s.sanitizer.Sanitize(req.Description))
	course.TeacherID = teacher.ID
	course.TeacherName = teacher.Username
	course.Weekday = req.Weekday
	course.StartTime = start.Format("15:04")
	course.EndTime = end.Format("15:04")
	course.Location = req.Location
	return nil
}

func (s *CourseService) afterWrite(ctx context.Context, course *models.Course) {
	s.cache.Invalidate(ctx, cacheKeyCatalogCourses)
	if s.search != nil {
		if err := s.search.IndexCourses(ctx, *course); err != nil {
			s.logger.Warn("failed to index course", zap.String("course_id", course.ID), zap.Error(err))
		}
	}
}

func (s *CourseService) record(ctx context.Context, actor *models.User, action, courseID string, oldValues, newValues interface{}) {
	if s.audit == nil {
		return
	}
	entry := &models.AuditLog{
		UserID:     &actor.ID,
		Action:     action,
		Resource:   models.AuditResourceCourse,
		ResourceID: &courseID,
		OldValues:  marshalAudit(oldValues),
		NewValues:  marshalAudit(newValues),
	}
	if err := s.audit.Create(ctx, entry); err != nil {
		s.logger.Warn("failed to record course audit log", zap.String("action", action), zap.Error(err))
	}
}

func marshalAudit(v interface{}) []byte {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
