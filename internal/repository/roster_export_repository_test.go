package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pgmles-api/internal/models"
)

func TestRosterExportLifecycle(t *testing.T) {
	db, mock := newMock(t)
	repo := NewRosterExportRepository(db)

	mock.ExpectExec("INSERT INTO roster_exports").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE roster_exports SET status = $2, error_message = NULL WHERE id = $1")).
		WithArgs(sqlmock.AnyArg(), models.ExportStatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE roster_exports SET status = $2, file_path = $3, result_url = $4, finished_at = $5 WHERE id = $1")).
		WithArgs(sqlmock.AnyArg(), models.ExportStatusFinished, "rosters/x.csv", "/dl/x", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &models.RosterExport{CourseID: "c-1", Format: models.ExportFormatCSV, CreatedBy: "u-1"}
	require.NoError(t, repo.Create(context.Background(), job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.ExportStatusQueued, job.Status)

	require.NoError(t, repo.MarkProcessing(context.Background(), job.ID))
	require.NoError(t, repo.MarkFinished(context.Background(), job.ID, "rosters/x.csv", "/dl/x", time.Now()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterExportFindMissing(t *testing.T) {
	db, mock := newMock(t)
	repo := NewRosterExportRepository(db)

	mock.ExpectQuery("SELECT .* FROM roster_exports WHERE id = \\$1").WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.FindByID(context.Background(), "nope")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRosterExportExpireFinishedBefore(t *testing.T) {
	db, mock := newMock(t)
	repo := NewRosterExportRepository(db)

	mock.ExpectExec("UPDATE roster_exports SET result_url = NULL").
		WithArgs(models.ExportStatusFinished, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.ExpireFinishedBefore(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRosterExportFindMalformedID(t *testing.T) {
	db, mock := newMock(t)
	repo := NewRosterExportRepository(db)

	mock.ExpectQuery("SELECT .* FROM roster_exports WHERE id = \\$1").WithArgs("not-a-uuid").
		WillReturnError(&pq.Error{Code: "22P02"})

	_, err := repo.FindByID(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}
