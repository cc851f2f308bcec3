package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/pgmles-api/internal/models"
	appErrors "github.com/noah-isme/pgmles-api/pkg/errors"
	"github.com/noah-isme/pgmles-api/pkg/logger"
	"github.com/noah-isme/pgmles-api/pkg/response"
)

// ContextUserKey is the gin context key storing the authenticated *models.User.
const ContextUserKey = "currentUser"

// TokenValidator parses access tokens.
type TokenValidator interface {
	ValidateToken(token string) (*models.JWTClaims, error)
}

// UserResolver loads the user a token was issued to.
type UserResolver interface {
	Resolve(ctx context.Context, id string) (*models.User, error)
}

// JWT protects routes by requiring a valid access token whose user still exists.
func JWT(tokens TokenValidator, users UserResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := bearerToken(c.GetHeader("Authorization"))
		if err != nil {
			response.Error(c, err)
			return
		}
		user, err := authenticate(c, tokens, users, raw)
		if err != nil {
			response.Error(c, err)
			return
		}
		setUser(c, user)
		c.Next()
	}
}

// OptionalJWT attaches the user when a valid token is present but never blocks.
func OptionalJWT(tokens TokenValidator, users UserResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := bearerToken(c.GetHeader("Authorization"))
		if err == nil && raw != "" {
			if user, err := authenticate(c, tokens, users, raw); err == nil {
				setUser(c, user)
			}
		}
		c.Next()
	}
}

// CurrentUser returns the authenticated user or nil.
func CurrentUser(c *gin.Context) *models.User {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil
	}
	user, _ := value.(*models.User)
	return user
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", appErrors.Clone(appErrors.ErrUnauthorized, "missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}

func authenticate(c *gin.Context, tokens TokenValidator, users UserResolver, raw string) (*models.User, error) {
	claims, err := tokens.ValidateToken(raw)
	if err != nil {
		return nil, err
	}
	return users.Resolve(c.Request.Context(), claims.UserID)
}

func setUser(c *gin.Context, user *models.User) {
	c.Set(ContextUserKey, user)
	c.Set(logger.UserIDKey, user.ID)
}
