package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taxdesk/taxdesk-api/internal/models"
	appErrors "github.com/taxdesk/taxdesk-api/pkg/errors"
	"github.com/taxdesk/taxdesk-api/pkg/jobs"
)

type notificationStoreStub struct {
	rows []*models.Notification
}

func (n *notificationStoreStub) Create(ctx context.Context, row *models.Notification) error {
	n.rows = append(n.rows, row)
	return nil
}

func (n *notificationStoreStub) ListByUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	var result []models.Notification
	for _, row := range n.rows {
		if row.UserID != userID {
			continue
		}
		if unreadOnly && row.ReadAt != nil {
			continue
		}
		result = append(result, *row)
	}
	return result, nil
}

func (n *notificationStoreStub) MarkRead(ctx context.Context, id, userID string) error {
	for _, row := range n.rows {
		if row.ID == id && row.UserID == userID {
			return nil
		}
	}
	return sql.ErrNoRows
}

func (n *notificationStoreStub) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	var count int64
	for _, row := range n.rows {
		if row.UserID == userID && row.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func TestNotificationDeliveryPerEvent(t *testing.T) {
	store := &notificationStoreStub{}
	svc := NewNotificationService(store, nil, jobs.QueueConfig{})

	note := "please rescan the document"
	events := []jobs.Job[models.NotificationEvent]{
		{Type: jobFilingInitiated, Payload: models.FilingInitiatedEvent{
			FilingID: "filing-1", OwnerUserID: "customer-1",
			AssessmentYear: "2025-2026", ServiceType: models.ServiceTypeIndividual,
		}},
		{Type: jobFilingStatus, Payload: models.FilingStatusChangedEvent{
			FilingID: "filing-1", OwnerUserID: "customer-1",
			From: models.FilingStatusInitiated, To: models.FilingStatusDocumentsReceived,
		}},
		{Type: jobDocumentReviewed, Payload: models.DocumentReviewedEvent{
			DocumentID: "doc-1", OwnerUserID: "customer-1",
			Category: models.DocCategoryTINCertificate,
			Outcome:  models.DocumentStatusRejected, Note: &note,
		}},
		{Type: jobDocumentRequested, Payload: models.DocumentRequestedEvent{
			TargetUserID: "customer-1",
			Category:     models.DocCategoryBankStatement,
			Note:         "July statement is missing",
		}},
	}
	for _, job := range events {
		require.NoError(t, svc.process(context.Background(), job))
	}
	require.Len(t, store.rows, 4)
	for _, row := range store.rows {
		require.Equal(t, "customer-1", row.UserID)
		require.NotEmpty(t, row.Title)
		require.NotEmpty(t, row.Body)
	}
}

func TestNotificationAdvisorAssignmentNotifiesBothParties(t *testing.T) {
	store := &notificationStoreStub{}
	svc := NewNotificationService(store, nil, jobs.QueueConfig{})

	err := svc.process(context.Background(), jobs.Job[models.NotificationEvent]{
		Type: jobAdvisorAssigned,
		Payload: models.AdvisorAssignedEvent{
			FilingID: "filing-1", OwnerUserID: "customer-1", AdvisorUserID: "advisor-1",
		},
	})
	require.NoError(t, err)
	require.Len(t, store.rows, 2)

	recipients := map[string]bool{}
	for _, row := range store.rows {
		recipients[row.UserID] = true
	}
	require.True(t, recipients["customer-1"])
	require.True(t, recipients["advisor-1"])
}

func TestNotificationStatusChangeCarriesNote(t *testing.T) {
	store := &notificationStoreStub{}
	svc := NewNotificationService(store, nil, jobs.QueueConfig{})

	note := "waiting for bank confirmation"
	err := svc.process(context.Background(), jobs.Job[models.NotificationEvent]{
		Type: jobFilingStatus,
		Payload: models.FilingStatusChangedEvent{
			FilingID: "filing-1", OwnerUserID: "customer-1",
			From: models.FilingStatusUnderPreparation, To: models.FilingStatusOnHold,
			Note: &note,
		},
	})
	require.NoError(t, err)
	require.Len(t, store.rows, 1)
	require.Contains(t, store.rows[0].Body, note)
}

func TestNotificationMarkReadNotFound(t *testing.T) {
	store := &notificationStoreStub{}
	svc := NewNotificationService(store, nil, jobs.QueueConfig{})

	err := svc.MarkRead(context.Background(), "missing", "customer-1")
	require.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestNotificationListForUser(t *testing.T) {
	store := &notificationStoreStub{}
	svc := NewNotificationService(store, nil, jobs.QueueConfig{})

	require.NoError(t, svc.process(context.Background(), jobs.Job[models.NotificationEvent]{
		Type: jobFilingInitiated,
		Payload: models.FilingInitiatedEvent{
			FilingID: "filing-1", OwnerUserID: "customer-1",
			AssessmentYear: "2025-2026", ServiceType: models.ServiceTypeIndividual,
		},
	}))

	rows, err := svc.ListForUser(context.Background(), "customer-1", false, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	rows, err = svc.ListForUser(context.Background(), "someone-else", false, 0)
	require.NoError(t, err)
	require.Empty(t, rows)
}
