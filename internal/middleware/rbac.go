package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/pgmles-api/internal/models"
	appErrors "github.com/noah-isme/pgmles-api/pkg/errors"
	"github.com/noah-isme/pgmles-api/pkg/response"
)

// RequireRoles admits only authenticated users holding one of roles. It must run after JWT.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make(map[models.UserRole]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			return
		}
		if _, ok := allowed[user.Role]; !ok {
			response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "insufficient role"))
			return
		}
		c.Next()
	}
}
