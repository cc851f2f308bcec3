package service

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/pgmles-api/internal/models"
	appErrors "github.com/noah-isme/pgmles-api/pkg/errors"
)

type catalogCourses interface {
	ListAll(ctx context.Context) ([]models.Course, error)
}

type catalogTeachers interface {
	ListByRole(ctx context.Context, role models.UserRole) ([]models.UserInfo, error)
}

type catalogSubscriptions interface {
	ListCourseIDsByUser(ctx context.Context, userID string) ([]string, error)
}

// CatalogService assembles the landing page. Courses and teachers are shared
// by every caller and cached; subscriptions are per user and never cached.
type CatalogService struct {
	courses       catalogCourses
	teachers      catalogTeachers
	subscriptions catalogSubscriptions
	cache         *CacheService
	logger        *zap.Logger
}

func NewCatalogService(courses catalogCourses, teachers catalogTeachers, subscriptions catalogSubscriptions, cache *CacheService, logger *zap.Logger) *CatalogService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogService{courses: courses, teachers: teachers, subscriptions: subscriptions, cache: cache, logger: logger}
}

// Overview loads courses, teachers and, when actor is set, the actor's subscriptions.
func (s *CatalogService) Overview(ctx context.Context, actor *models.User) (*models.CatalogOverview, error) {
	out := &models.CatalogOverview{Courses: []models.Course{}, Teachers: []models.UserInfo{}, Subscriptions: []string{}}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		courses, err := s.loadCourses(gctx)
		if err != nil {
			return err
		}
		out.Courses = courses
		return nil
	})
	g.Go(func() error {
		teachers, err := s.loadTeachers(gctx)
		if err != nil {
			return err
		}
		out.Teachers = teachers
		return nil
	})
	if actor != nil && actor.ID != "" {
		g.Go(func() error {
			ids, err := s.subscriptions.ListCourseIDsByUser(gctx, actor.ID)
			if err != nil {
				return err
			}
			if ids != nil {
				out.Subscriptions = ids
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, appErrors.Internal(err, "failed to load catalog")
	}
	return out, nil
}

func (s *CatalogService) loadCourses(ctx context.Context) ([]models.Course, error) {
	var courses []models.Course
	if s.cache.Get(ctx, cacheKeyCatalogCourses, &courses) && courses != nil {
		return courses, nil
	}
	courses, err := s.courses.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	if courses == nil {
		courses = []models.Course{}
	}
	s.cache.Set(ctx, cacheKeyCatalogCourses, courses)
	return courses, nil
}

func (s *CatalogService) loadTeachers(ctx context.Context) ([]models.UserInfo, error) {
	var teachers []models.UserInfo
	if s.cache.Get(ctx, cacheKeyCatalogTeachers, &teachers) && teachers != nil {
		return teachers, nil
	}
	teachers, err := s.teachers.ListByRole(ctx, models.RoleTeacher)
	if err != nil {
		return nil, err
	}
	if teachers == nil {
		teachers = []models.UserInfo{}
	}
	s.cache.Set(ctx, cacheKeyCatalogTeachers, teachers)
	return teachers, nil
}
