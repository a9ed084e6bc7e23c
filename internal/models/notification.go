package models

import "time"

// NotificationType classifies persisted notifications.
type NotificationType string

const (
	NotificationFilingInitiated   NotificationType = "FILING_INITIATED"
	NotificationFilingStatus      NotificationType = "FILING_STATUS_CHANGED"
	NotificationAdvisorAssigned   NotificationType = "ADVISOR_ASSIGNED"
	NotificationDocumentReviewed  NotificationType = "DOCUMENT_REVIEWED"
	NotificationDocumentRequested NotificationType = "DOCUMENT_REQUESTED"
)

// Notification is one persisted user-facing message.
type Notification struct {
	ID        string           `db:"id" json:"id"`
	UserID    string           `db:"user_id" json:"user_id"`
	Type      NotificationType `db:"type" json:"type"`
	Title     string           `db:"title" json:"title"`
	Body      string           `db:"body" json:"body"`
	Link      string           `db:"link" json:"link"`
	ReadAt    *time.Time       `db:"read_at" json:"read_at,omitempty"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
}

// NotificationEvent is implemented by every lifecycle event that can
// produce user notifications.
type NotificationEvent interface {
	notificationEvent()
}

func (FilingInitiatedEvent) notificationEvent() {}

func (FilingStatusChangedEvent) notificationEvent() {}

func (AdvisorAssignedEvent) notificationEvent() {}

func (DocumentReviewedEvent) notificationEvent() {}

func (DocumentRequestedEvent) notificationEvent() {}

// FilingInitiatedEvent fires when a customer opens a filing.
type FilingInitiatedEvent struct {
	FilingID       string
	OwnerUserID    string
	AssessmentYear string
	ServiceType    ServiceType
}

// FilingStatusChangedEvent fires after a committed status transition.
type FilingStatusChangedEvent struct {
	FilingID    string
	OwnerUserID string
	From        FilingStatus
	To          FilingStatus
	Note        *string
	ActorID     string
}

// AdvisorAssignedEvent fires when staff assign an advisor to a filing.
type AdvisorAssignedEvent struct {
	FilingID      string
	OwnerUserID   string
	AdvisorUserID string
	ActorID       string
}

// DocumentReviewedEvent fires after a committed review decision.
type DocumentReviewedEvent struct {
	DocumentID  string
	OwnerUserID string
	Category    DocumentCategory
	Outcome     DocumentStatus
	Note        *string
	ReviewerID  string
}

// DocumentRequestedEvent fires when staff ask a user for another document.
type DocumentRequestedEvent struct {
	TargetUserID string
	Category     DocumentCategory
	FilingID     *string
	Note         string
	RequesterID  string
}
