package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/pgmles-api/internal/middleware"
	"github.com/noah-isme/pgmles-api/internal/models"
)

// Handlers groups every HTTP handler mounted under the API prefix.
type Handlers struct {
	Auth        *AuthHandler
	Courses     *CourseHandler
	Enrollments *EnrollmentHandler
	Catalog     *CatalogHandler
	Users       *UserHandler
	Exports     *RosterExportHandler
	Metrics     *MetricsHandler
}

// Register mounts ops endpoints on r and the API on r.Group(prefix).
func Register(r *gin.Engine, prefix string, h Handlers, tokens middleware.TokenValidator, users middleware.UserResolver) {
	r.GET("/health", h.Metrics.Health)
	r.GET("/ready", h.Metrics.Ready)
	r.GET("/metrics", h.Metrics.Prometheus)

	authed := middleware.JWT(tokens, users)
	optional := middleware.OptionalJWT(tokens, users)
	staff := middleware.RequireRoles(models.RoleAdmin, models.RoleTeacher)
	admin := middleware.RequireRoles(models.RoleAdmin)

	api := r.Group(prefix)

	auth := api.Group("/auth")
	auth.POST("/register", h.Auth.Register)
	auth.POST("/login", h.Auth.Login)
	auth.POST("/refresh", h.Auth.Refresh)
	auth.POST("/logout", authed, h.Auth.Logout)

	api.GET("/catalog", optional, h.Catalog.Overview)
	api.GET("/calendar", optional, h.Catalog.Calendar)
	api.GET("/calendar/next", optional, h.Catalog.NextLesson)

	courses := api.Group("/courses")
	courses.GET("", h.Courses.List)
	courses.GET("/teachers", authed, staff, h.Courses.Teachers)
	courses.GET("/search-token", authed, h.Courses.SearchToken)
	courses.GET("/:id", h.Courses.Get)
	courses.POST("", authed, staff, h.Courses.Create)
	courses.PUT("/:id", authed, staff, h.Courses.Update)
	courses.DELETE("/:id", authed, admin, h.Courses.Delete)

	courses.GET("/:id/enrollment", authed, h.Enrollments.Status)
	courses.POST("/:id/enrollment", authed, h.Enrollments.Subscribe)
	courses.DELETE("/:id/enrollment", authed, h.Enrollments.Unsubscribe)
	courses.POST("/:id/enrollment/toggle", authed, h.Enrollments.Toggle)
	courses.GET("/:id/members", authed, staff, h.Enrollments.Members)
	courses.POST("/:id/roster-exports", authed, staff, h.Exports.Create)

	exports := api.Group("/roster-exports")
	exports.GET("/download/:token", h.Exports.Download)
	exports.GET("/:id", authed, staff, h.Exports.Status)

	me := api.Group("/me", authed)
	me.GET("", h.Users.Me)
	me.PUT("", h.Users.UpdateMe)
	me.GET("/enrollments", h.Enrollments.Mine)

	permissions := api.Group("/permissions", authed, admin)
	permissions.GET("/users", h.Users.FindByUsername)
	permissions.PUT("/users/:id", h.Users.UpdatePermissions)
}
