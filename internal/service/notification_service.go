package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/taxdesk/taxdesk-api/internal/models"
	appErrors "github.com/taxdesk/taxdesk-api/pkg/errors"
	"github.com/taxdesk/taxdesk-api/pkg/jobs"
)

const (
	jobFilingInitiated   = "notify.filing_initiated"
	jobFilingStatus      = "notify.filing_status_changed"
	jobAdvisorAssigned   = "notify.advisor_assigned"
	jobDocumentReviewed  = "notify.document_reviewed"
	jobDocumentRequested = "notify.document_requested"
)

type notificationStore interface {
	Create(ctx context.Context, n *models.Notification) error
	ListByUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, id, userID string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
}

// NotificationService persists user notifications and delivers lifecycle
// events asynchronously. Delivery happens after the triggering transaction
// has committed; a failed delivery never rolls back domain state.
type NotificationService struct {
	repo   notificationStore
	queue  *jobs.Queue[models.NotificationEvent]
	logger *zap.Logger
}

// NewNotificationService constructs the service and its worker queue.
func NewNotificationService(repo notificationStore, logger *zap.Logger, cfg jobs.QueueConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &NotificationService{repo: repo, logger: logger}
	cfg.Logger = logger
	svc.queue = jobs.NewQueue("notifications", svc.process, cfg)
	return svc
}

// Start launches the delivery workers.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains and stops the delivery workers.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// FilingInitiated enqueues delivery for a freshly opened filing.
func (s *NotificationService) FilingInitiated(event models.FilingInitiatedEvent) {
	s.enqueue(jobFilingInitiated, event)
}

// FilingStatusChanged enqueues delivery for a committed transition.
func (s *NotificationService) FilingStatusChanged(event models.FilingStatusChangedEvent) {
	s.enqueue(jobFilingStatus, event)
}

// AdvisorAssigned enqueues delivery for an advisor assignment.
func (s *NotificationService) AdvisorAssigned(event models.AdvisorAssignedEvent) {
	s.enqueue(jobAdvisorAssigned, event)
}

// DocumentReviewed enqueues delivery for a committed review decision.
func (s *NotificationService) DocumentReviewed(event models.DocumentReviewedEvent) {
	s.enqueue(jobDocumentReviewed, event)
}

// DocumentRequested enqueues delivery for an additional-document request.
func (s *NotificationService) DocumentRequested(event models.DocumentRequestedEvent) {
	s.enqueue(jobDocumentRequested, event)
}

func (s *NotificationService) enqueue(jobType string, event models.NotificationEvent) {
	if err := s.queue.Enqueue(jobs.Job[models.NotificationEvent]{Type: jobType, Payload: event}); err != nil {
		s.logger.Warn("notification dropped", zap.String("type", jobType), zap.Error(err))
	}
}

func (s *NotificationService) process(ctx context.Context, job jobs.Job[models.NotificationEvent]) error {
	rows := buildNotifications(job)
	if len(rows) == 0 {
		s.logger.Warn("unhandled notification job", zap.String("type", job.Type))
		return nil
	}
	for _, row := range rows {
		if err := s.repo.Create(ctx, row); err != nil {
			return fmt.Errorf("persist notification %s: %w", job.Type, err)
		}
	}
	return nil
}

// buildNotifications translates one lifecycle event into persisted rows.
func buildNotifications(job jobs.Job[models.NotificationEvent]) []*models.Notification {
	switch event := job.Payload.(type) {
	case models.FilingInitiatedEvent:
		return []*models.Notification{{
			UserID: event.OwnerUserID,
			Type:   models.NotificationFilingInitiated,
			Title:  "Filing opened",
			Body: fmt.Sprintf("Your %s tax filing for assessment year %s has been opened.",
				event.ServiceType, event.AssessmentYear),
			Link: "/filings/" + event.FilingID,
		}}
	case models.FilingStatusChangedEvent:
		body := fmt.Sprintf("Your filing moved from %q to %q.", event.From.Label(), event.To.Label())
		if event.Note != nil && *event.Note != "" {
			body += " Note: " + *event.Note
		}
		return []*models.Notification{{
			UserID: event.OwnerUserID,
			Type:   models.NotificationFilingStatus,
			Title:  event.To.Label(),
			Body:   body,
			Link:   "/filings/" + event.FilingID,
		}}
	case models.AdvisorAssignedEvent:
		return []*models.Notification{
			{
				UserID: event.OwnerUserID,
				Type:   models.NotificationAdvisorAssigned,
				Title:  "Advisor assigned",
				Body:   "A tax advisor has been assigned to your filing.",
				Link:   "/filings/" + event.FilingID,
			},
			{
				UserID: event.AdvisorUserID,
				Type:   models.NotificationAdvisorAssigned,
				Title:  "New filing assigned",
				Body:   "A filing has been assigned to you for preparation.",
				Link:   "/filings/" + event.FilingID,
			},
		}
	case models.DocumentReviewedEvent:
		title := "Document accepted"
		body := fmt.Sprintf("Your %s document was accepted.", event.Category)
		if event.Outcome != models.DocumentStatusAccepted {
			title = "Document needs attention"
			body = fmt.Sprintf("Your %s document was not accepted.", event.Category)
			if event.Note != nil && *event.Note != "" {
				body += " Reason: " + *event.Note
			}
		}
		return []*models.Notification{{
			UserID: event.OwnerUserID,
			Type:   models.NotificationDocumentReviewed,
			Title:  title,
			Body:   body,
			Link:   "/documents/" + event.DocumentID,
		}}
	case models.DocumentRequestedEvent:
		body := fmt.Sprintf("Please upload a %s document. %s", event.Category, event.Note)
		link := "/documents"
		if event.FilingID != nil {
			link = "/filings/" + *event.FilingID + "/documents"
		}
		return []*models.Notification{{
			UserID: event.TargetUserID,
			Type:   models.NotificationDocumentRequested,
			Title:  "Document requested",
			Body:   body,
			Link:   link,
		}}
	default:
		return nil
	}
}

// ListForUser returns the caller's notifications, newest first.
func (s *NotificationService) ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	notifications, err := s.repo.ListByUser(ctx, userID, unreadOnly, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list notifications")
	}
	return notifications, nil
}

// MarkRead marks one of the caller's notifications as read.
func (s *NotificationService) MarkRead(ctx context.Context, id, userID string) error {
	if err := s.repo.MarkRead(ctx, id, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark notification read")
	}
	return nil
}

// MarkAllRead marks every unread notification of the caller as read.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	count, err := s.repo.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark notifications read")
	}
	return count, nil
}
