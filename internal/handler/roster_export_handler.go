package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/pgmles-api/internal/models"
	"github.com/noah-isme/pgmles-api/internal/service"
	"github.com/noah-isme/pgmles-api/pkg/response"
)

type rosterExportService interface {
	CreateExport(ctx context.Context, actor *models.User, courseID string, req models.RosterExportRequest) (*models.RosterExport, error)
	Status(ctx context.Context, actor *models.User, id string) (*models.RosterExport, error)
	ResolveDownload(ctx context.Context, token string) (*service.RosterDownload, error)
}

// RosterExportHandler exposes asynchronous roster exports.
type RosterExportHandler struct {
	exports rosterExportService
}

func NewRosterExportHandler(exports rosterExportService) *RosterExportHandler {
	return &RosterExportHandler{exports: exports}
}

// Create godoc
// @Summary Queue a roster export
// @Tags Roster exports
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Course ID"
// @Param payload body models.RosterExportRequest true "csv or pdf"
// @Success 202 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /courses/{id}/roster-exports [post]
func (h *RosterExportHandler) Create(c *gin.Context) {
	var req models.RosterExportRequest
	if !bindJSON(c, &req, "invalid export payload") {
		return
	}
	job, err := h.exports.CreateExport(c.Request.Context(), currentUser(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, job)
}

// Status godoc
// @Summary Roster export status
// @Tags Roster exports
// @Produce json
// @Security BearerAuth
// @Param id path string true "Export ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /roster-exports/{id} [get]
func (h *RosterExportHandler) Status(c *gin.Context) {
	job, err := h.exports.Status(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, job)
}

// Download godoc
// @Summary Download a finished roster export
// @Tags Roster exports
// @Produce text/csv
// @Produce application/pdf
// @Param token path string true "Signed download token"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /roster-exports/download/{token} [get]
func (h *RosterExportHandler) Download(c *gin.Context) {
	download, err := h.exports.ResolveDownload(c.Request.Context(), c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer download.File.Close()

	info, err := download.File.Stat()
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", download.Filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, info.Size(), download.ContentType, download.File, nil)
}
