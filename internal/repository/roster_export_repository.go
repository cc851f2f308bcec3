package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/pgmles-api/internal/models"
)

const rosterExportColumns = `id, course_id, format, status, file_path, result_url, error_message, created_by, created_at, finished_at`

// RosterExportRepository persists export job state.
type RosterExportRepository struct {
	db *sqlx.DB
}

func NewRosterExportRepository(db *sqlx.DB) *RosterExportRepository {
	return &RosterExportRepository{db: db}
}

func (r *RosterExportRepository) Create(ctx context.Context, job *models.RosterExport) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.ExportStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`INSERT INTO roster_exports (%s) VALUES (:id, :course_id, :format, :status, :file_path, :result_url, :error_message, :created_by, :created_at, :finished_at)`, rosterExportColumns)
	if _, err := r.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("create roster export: %w", mapPQError(err))
	}
	return nil
}

// FindByID returns sql.ErrNoRows when the export does not exist.
func (r *RosterExportRepository) FindByID(ctx context.Context, id string) (*models.RosterExport, error) {
	var job models.RosterExport
	if err := r.db.GetContext(ctx, &job, fmt.Sprintf(`SELECT %s FROM roster_exports WHERE id = $1`, rosterExportColumns), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMalformedID(err) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("find roster export: %w", err)
	}
	return &job, nil
}

func (r *RosterExportRepository) MarkProcessing(ctx context.Context, id string) error {
	const query = `UPDATE roster_exports SET status = $2, error_message = NULL WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, models.ExportStatusProcessing); err != nil {
		return fmt.Errorf("mark roster export processing: %w", err)
	}
	return nil
}

func (r *RosterExportRepository) MarkFinished(ctx context.Context, id, filePath, resultURL string, at time.Time) error {
	const query = `UPDATE roster_exports SET status = $2, file_path = $3, result_url = $4, finished_at = $5 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, models.ExportStatusFinished, filePath, resultURL, at); err != nil {
		return fmt.Errorf("mark roster export finished: %w", err)
	}
	return nil
}

func (r *RosterExportRepository) MarkFailed(ctx context.Context, id, message string, at time.Time) error {
	const query = `UPDATE roster_exports SET status = $2, error_message = $3, finished_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, models.ExportStatusFailed, message, at); err != nil {
		return fmt.Errorf("mark roster export failed: %w", err)
	}
	return nil
}

// ExpireFinishedBefore drops download links of exports finished before cutoff.
func (r *RosterExportRepository) ExpireFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `UPDATE roster_exports SET result_url = NULL, file_path = NULL WHERE status = $1 AND finished_at < $2 AND result_url IS NOT NULL`
	res, err := r.db.ExecContext(ctx, query, models.ExportStatusFinished, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire roster exports: %w", err)
	}
	return res.RowsAffected()
}
