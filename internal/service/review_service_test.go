package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taxdesk/taxdesk-api/internal/dto"
	"github.com/taxdesk/taxdesk-api/internal/models"
	"github.com/taxdesk/taxdesk-api/internal/repository"
	appErrors "github.com/taxdesk/taxdesk-api/pkg/errors"
)

type reviewStoreStub struct {
	docs   map[string]*models.Document
	audits []*models.AuditLog
}

func newReviewStoreStub(docs ...*models.Document) *reviewStoreStub {
	stub := &reviewStoreStub{docs: make(map[string]*models.Document)}
	for _, doc := range docs {
		stub.docs[doc.ID] = doc
	}
	return stub
}

func (r *reviewStoreStub) GetByID(ctx context.Context, id string) (*models.Document, error) {
	doc, ok := r.docs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copy := *doc
	return &copy, nil
}

func (r *reviewStoreStub) Review(ctx context.Context, params repository.ReviewParams) error {
	doc, ok := r.docs[params.ID]
	if !ok || doc.Status != models.DocumentStatusPending {
		return sql.ErrNoRows
	}
	doc.Status = params.Status
	doc.RejectionNote = params.RejectionNote
	doc.ReviewedByUserID = &params.ReviewerID
	reviewedAt := params.ReviewedAt
	doc.ReviewedAt = &reviewedAt
	if params.Audit != nil {
		r.audits = append(r.audits, params.Audit)
	}
	return nil
}

func pendingDoc(id string) *models.Document {
	return &models.Document{
		ID:          id,
		OwnerUserID: "customer-1",
		Category:    models.DocCategoryTINCertificate,
		FileName:    "tin.pdf",
		Status:      models.DocumentStatusPending,
		Version:     1,
		ChainRootID: id,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestReviewServiceAccept(t *testing.T) {
	store := newReviewStoreStub(pendingDoc("doc-1"))
	notifier := &notifierStub{}
	svc := NewReviewService(store, notifier, nil)

	doc, err := svc.Review(context.Background(), "doc-1", dto.ReviewDocumentRequest{
		Status: models.DocumentStatusAccepted,
	}, staffClaims("staff-1"))
	require.NoError(t, err)
	require.Equal(t, models.DocumentStatusAccepted, doc.Status)
	require.NotNil(t, doc.ReviewedByUserID)
	require.Equal(t, "staff-1", *doc.ReviewedByUserID)
	require.Len(t, store.audits, 1)
	require.Len(t, notifier.reviewed, 1)
	require.Equal(t, models.DocumentStatusAccepted, notifier.reviewed[0].Outcome)
}

func TestReviewServiceRejectRequiresNote(t *testing.T) {
	store := newReviewStoreStub(pendingDoc("doc-1"))
	svc := NewReviewService(store, &notifierStub{}, nil)
	staff := staffClaims("staff-1")

	_, err := svc.Review(context.Background(), "doc-1", dto.ReviewDocumentRequest{
		Status: models.DocumentStatusRejected,
	}, staff)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	short := "blurry"
	_, err = svc.Review(context.Background(), "doc-1", dto.ReviewDocumentRequest{
		Status:        models.DocumentStatusRejected,
		RejectionNote: &short,
	}, staff)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	note := "scan is unreadable, please upload a sharper copy"
	doc, err := svc.Review(context.Background(), "doc-1", dto.ReviewDocumentRequest{
		Status:        models.DocumentStatusRejected,
		RejectionNote: &note,
	}, staff)
	require.NoError(t, err)
	require.Equal(t, models.DocumentStatusRejected, doc.Status)
	require.NotNil(t, doc.RejectionNote)
}

func TestReviewServiceDecidesOnlyOnce(t *testing.T) {
	store := newReviewStoreStub(pendingDoc("doc-1"))
	svc := NewReviewService(store, &notifierStub{}, nil)
	staff := staffClaims("staff-1")

	_, err := svc.Review(context.Background(), "doc-1", dto.ReviewDocumentRequest{
		Status: models.DocumentStatusAccepted,
	}, staff)
	require.NoError(t, err)

	_, err = svc.Review(context.Background(), "doc-1", dto.ReviewDocumentRequest{
		Status: models.DocumentStatusAccepted,
	}, staffClaims("staff-2"))
	require.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestReviewServiceRejectsInvalidOutcome(t *testing.T) {
	store := newReviewStoreStub(pendingDoc("doc-1"))
	svc := NewReviewService(store, &notifierStub{}, nil)

	_, err := svc.Review(context.Background(), "doc-1", dto.ReviewDocumentRequest{
		Status: models.DocumentStatusPending,
	}, staffClaims("staff-1"))
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestReviewServiceForbiddenForCustomers(t *testing.T) {
	store := newReviewStoreStub(pendingDoc("doc-1"))
	svc := NewReviewService(store, &notifierStub{}, nil)

	_, err := svc.Review(context.Background(), "doc-1", dto.ReviewDocumentRequest{
		Status: models.DocumentStatusAccepted,
	}, customerClaims("customer-1"))
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}
