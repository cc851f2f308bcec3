package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/pgmles-api/internal/models"
	appErrors "github.com/noah-isme/pgmles-api/pkg/errors"
	"github.com/noah-isme/pgmles-api/pkg/export"
	"github.com/noah-isme/pgmles-api/pkg/jobs"
	"github.com/noah-isme/pgmles-api/pkg/storage"
)

const rosterExportTaskKind = "roster_export"

type rosterExportStore interface {
	Create(ctx context.Context, job *models.RosterExport) error
	FindByID(ctx context.Context, id string) (*models.RosterExport, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkFinished(ctx context.Context, id, filePath, resultURL string, at time.Time) error
	MarkFailed(ctx context.Context, id, message string, at time.Time) error
	ExpireFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type rosterSource interface {
	ListMembers(ctx context.Context, courseID string) ([]models.CourseMember, error)
}

type exportFiles interface {
	Put(name string, r io.Reader) error
	Open(name string) (*os.File, error)
	Sweep(ttl time.Duration, now time.Time) ([]string, error)
}

type taskEnqueuer interface {
	Enqueue(ctx context.Context, task jobs.Task) error
}

// RosterExportConfig tunes export links and retention.
type RosterExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// RosterDownload is an opened export ready to stream. Callers close File.
type RosterDownload struct {
	File        *os.File
	Filename    string
	ContentType string
}

// RosterExportService renders course rosters asynchronously.
type RosterExportService struct {
	exports   rosterExportStore
	courses   courseFinder
	members   rosterSource
	files     exportFiles
	signer    *storage.Signer
	queue     taskEnqueuer
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       RosterExportConfig
	now       func() time.Time
}

func NewRosterExportService(exports rosterExportStore, courses courseFinder, members rosterSource, files exportFiles, signer *storage.Signer, metrics *MetricsService, cfg RosterExportConfig, logger *zap.Logger) *RosterExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}
	return &RosterExportService{
		exports:   exports,
		courses:   courses,
		members:   members,
		files:     files,
		signer:    signer,
		metrics:   metrics,
		validator: validator.New(),
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// UseQueue attaches the queue whose workers call Process.
func (s *RosterExportService) UseQueue(q taskEnqueuer) {
	s.queue = q
}

// CreateExport records a QUEUED export of courseID and hands it to the worker pool.
func (s *RosterExportService) CreateExport(ctx context.Context, actor *models.User, courseID string, req models.RosterExportRequest) (*models.RosterExport, error) {
	if err := requireUser(actor); err != nil {
		return nil, err
	}
	req.Format = models.ExportFormat(strings.ToLower(string(req.Format)))
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "format must be csv or pdf")
	}
	course, err := s.findCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if err := requireRosterAccess(actor, course); err != nil {
		return nil, err
	}
	if s.queue == nil {
		return nil, appErrors.New(appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "export worker is not running")
	}

	job := &models.RosterExport{
		ID:        uuid.NewString(),
		CourseID:  course.ID,
		Format:    req.Format,
		Status:    models.ExportStatusQueued,
		CreatedBy: actor.ID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.exports.Create(ctx, job); err != nil {
		return nil, appErrors.Internal(err, "failed to create roster export")
	}

	task := jobs.Task{ID: job.ID, Kind: rosterExportTaskKind, Payload: job.ID}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.markFailed(context.WithoutCancel(ctx), job, "export queue unavailable")
		return nil, appErrors.Internal(err, "failed to enqueue roster export")
	}
	s.logger.Info("roster export queued", zap.String("export_id", job.ID), zap.String("course_id", course.ID), zap.String("format", string(job.Format)))
	return job, nil
}

// Process renders one export. It is the queue handler.
func (s *RosterExportService) Process(ctx context.Context, task jobs.Task) error {
	job, err := s.exports.FindByID(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("load roster export %s: %w", task.ID, err)
	}
	if job.Status == models.ExportStatusFinished {
		return nil
	}
	if err := s.exports.MarkProcessing(ctx, job.ID); err != nil {
		return err
	}

	course, err := s.courses.FindByID(ctx, job.CourseID)
	if err != nil {
		return fmt.Errorf("load course %s: %w", job.CourseID, err)
	}
	members, err := s.members.ListMembers(ctx, job.CourseID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	renderer, err := export.ForFormat(string(job.Format))
	if err != nil {
		return err
	}
	payload, err := renderer.Render(rosterTable(course, members))
	if err != nil {
		return fmt.Errorf("render roster: %w", err)
	}

	name := fmt.Sprintf("%s/%s.%s", job.CourseID, job.ID, renderer.Extension())
	if err := s.files.Put(name, bytes.NewReader(payload)); err != nil {
		return err
	}
	token, _, err := s.signer.Sign(job.ID, name)
	if err != nil {
		return err
	}
	url := strings.TrimRight(s.cfg.APIPrefix, "/") + "/roster-exports/download/" + token
	if err := s.exports.MarkFinished(ctx, job.ID, name, url, s.now().UTC()); err != nil {
		return err
	}

	s.metrics.RecordRosterExport(string(job.Format), string(models.ExportStatusFinished))
	s.logger.Info("roster export finished", zap.String("export_id", job.ID), zap.Int("members", len(members)))
	return nil
}

// GiveUp marks an export FAILED once the queue stops retrying it.
func (s *RosterExportService) GiveUp(ctx context.Context, task jobs.Task, cause error) {
	job, err := s.exports.FindByID(ctx, task.ID)
	if err != nil {
		s.logger.Error("failed to load roster export after give up", zap.String("export_id", task.ID), zap.Error(err))
		return
	}
	s.markFailed(ctx, job, cause.Error())
}

// Status returns an export to its creator, an admin, or the course teacher.
func (s *RosterExportService) Status(ctx context.Context, actor *models.User, id string) (*models.RosterExport, error) {
	if err := requireUser(actor); err != nil {
		return nil, err
	}
	job, err := s.exports.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "roster export not found")
		}
		return nil, appErrors.Internal(err, "failed to load roster export")
	}
	if job.CreatedBy == actor.ID {
		return job, nil
	}
	course, err := s.findCourse(ctx, job.CourseID)
	if err != nil {
		return nil, err
	}
	if err := requireRosterAccess(actor, course); err != nil {
		return nil, err
	}
	return job, nil
}

// ResolveDownload verifies a signed link and opens the export file.
func (s *RosterExportService) ResolveDownload(ctx context.Context, token string) (*RosterDownload, error) {
	grant, err := s.signer.Verify(token)
	switch {
	case errors.Is(err, storage.ErrTokenExpired):
		return nil, appErrors.Clone(appErrors.ErrForbidden, "download link expired")
	case err != nil:
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid download link")
	}

	job, err := s.exports.FindByID(ctx, grant.ResourceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "roster export not found")
		}
		return nil, appErrors.Internal(err, "failed to load roster export")
	}
	if job.Status != models.ExportStatusFinished || job.FilePath == nil || *job.FilePath != grant.Path {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "roster export is no longer available")
	}

	file, err := s.files.Open(grant.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "roster export file has been removed")
		}
		return nil, appErrors.Internal(err, "failed to open roster export")
	}
	renderer, err := export.ForFormat(string(job.Format))
	if err != nil {
		_ = file.Close()
		return nil, appErrors.Internal(err, "unknown export format")
	}
	return &RosterDownload{
		File:        file,
		Filename:    fmt.Sprintf("roster-%s.%s", job.CourseID, renderer.Extension()),
		ContentType: renderer.ContentType(),
	}, nil
}

// Cleanup deletes export files older than the retention window and clears their links.
func (s *RosterExportService) Cleanup(ctx context.Context) error {
	now := s.now()
	removed, err := s.files.Sweep(s.cfg.ResultTTL, now)
	if err != nil {
		s.logger.Warn("roster export sweep incomplete", zap.Error(err))
	}
	expired, expErr := s.exports.ExpireFinishedBefore(ctx, now.UTC().Add(-s.cfg.ResultTTL))
	if expErr != nil {
		return expErr
	}
	s.logger.Info("roster export cleanup", zap.Int("files_removed", len(removed)), zap.Int64("links_expired", expired))
	return err
}

func (s *RosterExportService) findCourse(ctx context.Context, id string) (*models.Course, error) {
	course, err := s.courses.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Internal(err, "failed to load course")
	}
	return course, nil
}

func (s *RosterExportService) markFailed(ctx context.Context, job *models.RosterExport, message string) {
	if err := s.exports.MarkFailed(ctx, job.ID, message, s.now().UTC()); err != nil {
		s.logger.Error("failed to mark roster export failed", zap.String("export_id", job.ID), zap.Error(err))
	}
	s.metrics.RecordRosterExport(string(job.Format), string(models.ExportStatusFailed))
}

func rosterTable(course *models.Course, members []models.CourseMember) export.Table {
	rows := make([][]string, 0, len(members))
	for _, m := range members {
		rows = append(rows, []string{m.Username, m.Email, m.SubscribedAt.UTC().Format(time.RFC3339)})
	}
	return export.Table{
		Title:   fmt.Sprintf("%s (%s %s-%s)", course.Name, course.Weekday, course.StartTime, course.EndTime),
		Columns: []string{"Username", "Email", "Subscribed At"},
		Rows:    rows,
	}
}
