package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taxdesk/taxdesk-api/internal/dto"
	"github.com/taxdesk/taxdesk-api/internal/models"
	"github.com/taxdesk/taxdesk-api/internal/repository"
	appErrors "github.com/taxdesk/taxdesk-api/pkg/errors"
)

// minRejectionNoteLen keeps rejection feedback actionable for the customer.
const minRejectionNoteLen = 10

type reviewStore interface {
	GetByID(ctx context.Context, id string) (*models.Document, error)
	Review(ctx context.Context, params repository.ReviewParams) error
}

type reviewNotifier interface {
	DocumentReviewed(event models.DocumentReviewedEvent)
}

// ReviewService applies staff decisions to pending document versions.
// A version is decided at most once; the conditional update in the store
// arbitrates concurrent reviewers.
type ReviewService struct {
	repo     reviewStore
	notifier reviewNotifier
	metrics  *MetricsService
	logger   *zap.Logger
}

// NewReviewService constructs the service.
func NewReviewService(repo reviewStore, notifier reviewNotifier, logger *zap.Logger) *ReviewService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReviewService{repo: repo, notifier: notifier, logger: logger}
}

// SetMetrics attaches Prometheus instrumentation. Optional.
func (s *ReviewService) SetMetrics(metrics *MetricsService) {
	s.metrics = metrics
}

// Review records a decision on one pending version.
func (s *ReviewService) Review(ctx context.Context, id string, req dto.ReviewDocumentRequest, actor *models.JWTClaims) (*models.Document, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.IsStaff() {
		return nil, appErrors.ErrForbidden
	}
	if !req.Status.ReviewOutcome() {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("status must be one of ACCEPTED, REJECTED, NEEDS_REUPLOAD; got %s", req.Status))
	}
	if req.Status.RequiresNote() {
		if req.RejectionNote == nil || len(strings.TrimSpace(*req.RejectionNote)) < minRejectionNoteLen {
			return nil, appErrors.Clone(appErrors.ErrValidation,
				fmt.Sprintf("a rejection note of at least %d characters is required", minRejectionNoteLen))
		}
	}

	doc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load document")
	}
	if doc.Status != models.DocumentStatusPending {
		return nil, appErrors.Clone(appErrors.ErrConflict, "document version has already been reviewed")
	}

	now := time.Now().UTC()
	var note *string
	if req.Status.RequiresNote() {
		trimmed := strings.TrimSpace(*req.RejectionNote)
		note = &trimmed
	}
	err = s.repo.Review(ctx, repository.ReviewParams{
		ID:            doc.ID,
		Status:        req.Status,
		RejectionNote: note,
		ReviewerID:    actor.UserID,
		ReviewedAt:    now,
		Audit: &models.AuditLog{
			UserID:     &actor.UserID,
			Action:     models.AuditActionDocumentReview,
			Resource:   "document",
			ResourceID: &doc.ID,
			OldValues:  mustJSON(map[string]models.DocumentStatus{"status": doc.Status}),
			NewValues:  mustJSON(map[string]models.DocumentStatus{"status": req.Status}),
		},
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "document version has already been reviewed")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to review document")
	}

	doc.Status = req.Status
	doc.RejectionNote = note
	doc.ReviewedByUserID = &actor.UserID
	doc.ReviewedAt = &now
	s.metrics.RecordReview(string(req.Status))

	if s.notifier != nil {
		s.notifier.DocumentReviewed(models.DocumentReviewedEvent{
			DocumentID:  doc.ID,
			OwnerUserID: doc.OwnerUserID,
			Category:    doc.Category,
			Outcome:     req.Status,
			Note:        note,
			ReviewerID:  actor.UserID,
		})
	}
	s.logger.Info("document reviewed",
		zap.String("document_id", doc.ID),
		zap.String("outcome", string(req.Status)),
		zap.String("reviewer", actor.UserID))
	return doc, nil
}
