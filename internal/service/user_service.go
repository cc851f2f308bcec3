package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/pgmles-api/internal/models"
	"github.com/noah-isme/pgmles-api/internal/repository"
	appErrors "github.com/noah-isme/pgmles-api/pkg/errors"
)

type userRepository interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	ExistsByUsername(ctx context.Context, username, excludeID string) (bool, error)
	ExistsByEmail(ctx context.Context, email, excludeID string) (bool, error)
	UpdateProfile(ctx context.Context, user *models.User) error
	UpdateRole(ctx context.Context, id string, role models.UserRole) error
}

type sessionRevoker interface {
	RevokeAllForUser(ctx context.Context, userID string) error
}

// UserService handles account self-service and permission management.
type UserService struct {
	repo      userRepository
	sessions  sessionRevoker
	audit     auditWriter
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
}

func NewUserService(repo userRepository, sessions sessionRevoker, audit auditWriter, cache *CacheService, validate *validator.Validate, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &UserService{repo: repo, sessions: sessions, audit: audit, cache: cache, validator: validate, logger: logger}
}

// Resolve loads the user named by an access token subject.
func (s *UserService) Resolve(ctx context.Context, id string) (*models.User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "user no longer exists")
		}
		return nil, appErrors.Internal(err, "failed to load user")
	}
	return user, nil
}

func (s *UserService) Account(ctx context.Context, actor *models.User) (*models.User, error) {
	if err := requireUser(actor); err != nil {
		return nil, err
	}
	user, err := s.repo.FindByID(ctx, actor.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Internal(err, "failed to load user")
	}
	return user, nil
}

// UpdateAccount changes the actor's username and email.
func (s *UserService) UpdateAccount(ctx context.Context, actor *models.User, req models.UpdateAccountRequest) (*models.User, error) {
	user, err := s.Account(ctx, actor)
	if err != nil {
		return nil, err
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid account payload")
	}
	if err := checkUnique(ctx, s.repo, req.Username, req.Email, user.ID); err != nil {
		return nil, err
	}

	renamed := user.Username != req.Username
	user.Username, user.Email = req.Username, req.Email
	if err := s.repo.UpdateProfile(ctx, user); err != nil {
		if errors.Is(err, repository.ErrUniqueViolation) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "username or email already taken")
		}
		return nil, appErrors.Internal(err, "failed to update account")
	}

	if renamed && user.Role.CanTeach() {
		// course listings embed the teacher's username
		s.cache.Invalidate(ctx, cacheKeyCatalogCourses, cacheKeyCatalogTeachers)
	}
	return user, nil
}

// FindByUsername is the permission page lookup; admin only.
func (s *UserService) FindByUsername(ctx context.Context, actor *models.User, username string) (*models.User, error) {
	if err := s.requirePermissionManager(actor); err != nil {
		return nil, err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "username is required")
	}
	user, err := s.repo.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Internal(err, "failed to find user")
	}
	return user, nil
}

// UpdatePermissions assigns role to userID. Administrators cannot demote themselves.
func (s *UserService) UpdatePermissions(ctx context.Context, actor *models.User, userID string, req models.UpdatePermissionsRequest) (*models.User, error) {
	if err := s.requirePermissionManager(actor); err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid permissions payload")
	}
	role, ok := models.ParseRole(req.Role)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown role")
	}

	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Internal(err, "failed to load user")
	}
	if user.ID == actor.ID && role != models.RoleAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "administrators cannot remove their own admin role")
	}
	if user.Role == role {
		return user, nil
	}

	previous := user.Role
	if err := s.repo.UpdateRole(ctx, user.ID, role); err != nil {
		if errors.Is(err, repository.ErrForeignKeyViolation) || errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "role could not be changed")
		}
		return nil, appErrors.Internal(err, "failed to update role")
	}
	user.Role = role

	if s.sessions != nil {
		if err := s.sessions.RevokeAllForUser(ctx, user.ID); err != nil {
			s.logger.Warn("failed to revoke sessions after role change", zap.String("user_id", user.ID), zap.Error(err))
		}
	}
	if previous == models.RoleTeacher || role == models.RoleTeacher {
		s.cache.Invalidate(ctx, cacheKeyCatalogTeachers)
	}

	if s.audit != nil {
		oldPayload, _ := json.Marshal(map[string]models.UserRole{"role": previous})
		newPayload, _ := json.Marshal(map[string]models.UserRole{"role": role})
		if err := s.audit.Create(ctx, &models.AuditLog{
			UserID:     &actor.ID,
			Action:     models.AuditActionRoleChange,
			Resource:   models.AuditResourceUser,
			ResourceID: &user.ID,
			OldValues:  oldPayload,
			NewValues:  newPayload,
		}); err != nil {
			s.logger.Warn("failed to record role change audit log", zap.Error(err))
		}
	}

	s.logger.Info("user role changed", zap.String("user_id", user.ID), zap.String("from", string(previous)), zap.String("to", string(role)), zap.String("actor_id", actor.ID))
	return user, nil
}

func (s *UserService) requirePermissionManager(actor *models.User) error {
	if err := requireUser(actor); err != nil {
		return err
	}
	if !actor.Role.CanManagePermissions() {
		return appErrors.Clone(appErrors.ErrForbidden, "only administrators may manage permissions")
	}
	return nil
}
