package service

import (
	"github.com/noah-isme/pgmles-api/internal/models"
	appErrors "github.com/noah-isme/pgmles-api/pkg/errors"
)

func requireUser(actor *models.User) error {
	if actor == nil || actor.ID == "" {
		return appErrors.Clone(appErrors.ErrUnauthorized, "login required")
	}
	return nil
}

// requireRosterAccess allows admins and the course's own teacher.
func requireRosterAccess(actor *models.User, course *models.Course) error {
	if err := requireUser(actor); err != nil {
		return err
	}
	switch actor.Role {
	case models.RoleAdmin:
		return nil
	case models.RoleTeacher:
		if course.TeacherID == actor.ID {
			return nil
		}
		return appErrors.Clone(appErrors.ErrForbidden, "only the course teacher may view its roster")
	case models.RoleClient:
		return appErrors.Clone(appErrors.ErrForbidden, "insufficient role")
	}
	return appErrors.Clone(appErrors.ErrForbidden, "unknown role")
}
