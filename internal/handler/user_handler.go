package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/pgmles-api/internal/models"
	appErrors "github.com/noah-isme/pgmles-api/pkg/errors"
	"github.com/noah-isme/pgmles-api/pkg/response"
)

type userService interface {
	Account(ctx context.Context, actor *models.User) (*models.User, error)
	UpdateAccount(ctx context.Context, actor *models.User, req models.UpdateAccountRequest) (*models.User, error)
	FindByUsername(ctx context.Context, actor *models.User, username string) (*models.User, error)
	UpdatePermissions(ctx context.Context, actor *models.User, userID string, req models.UpdatePermissionsRequest) (*models.User, error)
}

// UserHandler manages the caller's account and, for admins, other users' roles.
type UserHandler struct {
	users userService
}

func NewUserHandler(users userService) *UserHandler {
	return &UserHandler{users: users}
}

// Me godoc
// @Summary Current account
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Router /me [get]
func (h *UserHandler) Me(c *gin.Context) {
	user, err := h.users.Account(c.Request.Context(), currentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, user.Info())
}

// UpdateMe godoc
// @Summary Update current account
// @Tags Users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body models.UpdateAccountRequest true "Account payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /me [put]
func (h *UserHandler) UpdateMe(c *gin.Context) {
	var req models.UpdateAccountRequest
	if !bindJSON(c, &req, "invalid account payload") {
		return
	}
	user, err := h.users.UpdateAccount(c.Request.Context(), currentUser(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, user.Info())
}

// FindByUsername godoc
// @Summary Look up a user for permission changes
// @Tags Permissions
// @Produce json
// @Security BearerAuth
// @Param username query string true "Exact username"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /permissions/users [get]
func (h *UserHandler) FindByUsername(c *gin.Context) {
	username := c.Query("username")
	if username == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "username required"))
		return
	}
	user, err := h.users.FindByUsername(c.Request.Context(), currentUser(c), username)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, user.Info())
}

// UpdatePermissions godoc
// @Summary Change a user's role
// @Tags Permissions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "User ID"
// @Param payload body models.UpdatePermissionsRequest true "Role payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /permissions/users/{id} [put]
func (h *UserHandler) UpdatePermissions(c *gin.Context) {
	var req models.UpdatePermissionsRequest
	if !bindJSON(c, &req, "invalid permissions payload") {
		return
	}
	user, err := h.users.UpdatePermissions(c.Request.Context(), currentUser(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, user.Info())
}
