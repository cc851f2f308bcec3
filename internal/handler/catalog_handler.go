package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/pgmles-api/internal/models"
	"github.com/noah-isme/pgmles-api/pkg/response"
)

type catalogService interface {
	Overview(ctx context.Context, actor *models.User) (*models.CatalogOverview, error)
}

type calendarService interface {
	Month(ctx context.Context, actor *models.User, year, month int) (*models.CalendarMonth, error)
	NextLesson(ctx context.Context, actor *models.User) (*models.Lesson, error)
}

// CatalogHandler serves the landing views: catalog overview and lesson calendar.
type CatalogHandler struct {
	catalog  catalogService
	calendar calendarService
}

func NewCatalogHandler(catalog catalogService, calendar calendarService) *CatalogHandler {
	return &CatalogHandler{catalog: catalog, calendar: calendar}
}

// Overview godoc
// @Summary Catalog overview
// @Description Courses, teachers and, for a signed-in user, their subscriptions
// @Tags Catalog
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /catalog [get]
func (h *CatalogHandler) Overview(c *gin.Context) {
	overview, err := h.catalog.Overview(c.Request.Context(), currentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, overview)
}

// Calendar godoc
// @Summary Month grid of lessons
// @Description Defaults to the current month. Signed-in users see only their subscriptions.
// @Tags Catalog
// @Produce json
// @Param year query int false "Year"
// @Param month query int false "Month 1-12"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /calendar [get]
func (h *CatalogHandler) Calendar(c *gin.Context) {
	year, err := queryInt(c, "year", 0)
	if err != nil {
		response.Error(c, err)
		return
	}
	month, err := queryInt(c, "month", 0)
	if err != nil {
		response.Error(c, err)
		return
	}
	grid, err := h.calendar.Month(c.Request.Context(), currentUser(c), year, month)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, grid)
}

// NextLesson godoc
// @Summary Next lesson this month
// @Description First lesson on or after today; data is null when none remains this month
// @Tags Catalog
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /calendar/next [get]
func (h *CatalogHandler) NextLesson(c *gin.Context) {
	next, err := h.calendar.NextLesson(c.Request.Context(), currentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, next)
}
