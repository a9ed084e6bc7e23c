package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/taxdesk/taxdesk-api/internal/models"
)

func newDocumentRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func strPtr(s string) *string { return &s }

func TestDocumentRepositoryCreateStampsChainRoot(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()

	repo := NewDocumentRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO documents")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	doc := &models.Document{
		OwnerUserID: "user-1",
		FilingID:    strPtr("filing-1"),
		Category:    models.DocCategoryTINCertificate,
		FileName:    "tin.pdf",
		StorageKey:  "documents/abc",
		MimeType:    "application/pdf",
	}
	require.NoError(t, repo.Create(context.Background(), doc, nil))
	require.Equal(t, 1, doc.Version)
	require.Equal(t, doc.ID, doc.ChainRootID)
	require.Equal(t, models.DocumentStatusPending, doc.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepositoryCreateKeepsCallerChainRoot(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()

	repo := NewDocumentRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO documents")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	doc := &models.Document{
		OwnerUserID: "user-1",
		FilingID:    strPtr("filing-1"),
		Category:    models.DocCategoryTINCertificate,
		FileName:    "tin-v2.pdf",
		StorageKey:  "documents/def",
		MimeType:    "application/pdf",
		Version:     2,
		ChainRootID: "root-1",
	}
	require.NoError(t, repo.Create(context.Background(), doc, nil))
	require.Equal(t, "root-1", doc.ChainRootID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepositoryReviewRequiresPending(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()

	repo := NewDocumentRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Review(context.Background(), ReviewParams{
		ID:         "doc-1",
		Status:     models.DocumentStatusAccepted,
		ReviewerID: "staff-1",
		ReviewedAt: time.Now().UTC(),
	})
	require.True(t, errors.Is(err, sql.ErrNoRows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepositoryReviewCommitsAudit(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()

	repo := NewDocumentRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	reviewer := "staff-1"
	note := "document is unreadable, please rescan"
	err := repo.Review(context.Background(), ReviewParams{
		ID:            "doc-1",
		Status:        models.DocumentStatusRejected,
		RejectionNote: &note,
		ReviewerID:    reviewer,
		ReviewedAt:    time.Now().UTC(),
		Audit: &models.AuditLog{
			UserID:   &reviewer,
			Action:   models.AuditActionDocumentReview,
			Resource: "document",
		},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepositorySoftDeleteChainTombstonesAllVersions(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()

	repo := NewDocumentRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET deleted_at")).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	require.NoError(t, repo.SoftDeleteChain(context.Background(), "root-1", nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepositoryGetByIDSkipsDeleted(t *testing.T) {
	db, mock, cleanup := newDocumentRepoMock(t)
	defer cleanup()

	repo := NewDocumentRepository(db)
	mock.ExpectQuery("SELECT id, owner_user_id, filing_id").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByID(context.Background(), "doc-1")
	require.True(t, errors.Is(err, sql.ErrNoRows))
	require.NoError(t, mock.ExpectationsWereMet())
}
