package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/pgmles-api/internal/models"
	"github.com/noah-isme/pgmles-api/pkg/response"
)

type enrollmentService interface {
	IsEnrolled(ctx context.Context, user *models.User, courseID string) (bool, error)
	Subscribe(ctx context.Context, user *models.User, courseID string) (*models.Enrollment, error)
	Unsubscribe(ctx context.Context, user *models.User, courseID string) error
	Toggle(ctx context.Context, user *models.User, courseID string) (models.ToggleResult, error)
	ListEnrollmentsForUser(ctx context.Context, user *models.User) ([]string, error)
	ListCourseMembers(ctx context.Context, actor *models.User, courseID string) ([]models.CourseMember, error)
}

// EnrollmentHandler exposes subscribe and unsubscribe for the current user.
type EnrollmentHandler struct {
	enrollments enrollmentService
}

func NewEnrollmentHandler(enrollments enrollmentService) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments}
}

// Status godoc
// @Summary Whether the current user is enrolled
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Param id path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Router /courses/{id}/enrollment [get]
func (h *EnrollmentHandler) Status(c *gin.Context) {
	courseID := c.Param("id")
	enrolled, err := h.enrollments.IsEnrolled(c.Request.Context(), currentUser(c), courseID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, models.EnrollmentStatus{CourseID: courseID, Enrolled: enrolled})
}

// Subscribe godoc
// @Summary Subscribe to course
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Param id path string true "Course ID"
// @Success 201 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /courses/{id}/enrollment [post]
func (h *EnrollmentHandler) Subscribe(c *gin.Context) {
	enrollment, err := h.enrollments.Subscribe(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, enrollment)
}

// Unsubscribe godoc
// @Summary Unsubscribe from course
// @Tags Enrollments
// @Security BearerAuth
// @Param id path string true "Course ID"
// @Success 204
// @Failure 409 {object} response.Envelope
// @Router /courses/{id}/enrollment [delete]
func (h *EnrollmentHandler) Unsubscribe(c *gin.Context) {
	if err := h.enrollments.Unsubscribe(c.Request.Context(), currentUser(c), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Toggle godoc
// @Summary Flip the current user's enrollment
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Param id path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /courses/{id}/enrollment/toggle [post]
func (h *EnrollmentHandler) Toggle(c *gin.Context) {
	result, err := h.enrollments.Toggle(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, result)
}

// Mine godoc
// @Summary Course IDs the current user is enrolled in
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Router /me/enrollments [get]
func (h *EnrollmentHandler) Mine(c *gin.Context) {
	ids, err := h.enrollments.ListEnrollmentsForUser(c.Request.Context(), currentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, ids)
}

// Members godoc
// @Summary Course roster
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Param id path string true "Course ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /courses/{id}/members [get]
func (h *EnrollmentHandler) Members(c *gin.Context) {
	members, err := h.enrollments.ListCourseMembers(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, members)
}
