package dto

import "github.com/taxdesk/taxdesk-api/internal/models"

// UploadDocumentRequest carries upload metadata from the multipart form.
type UploadDocumentRequest struct {
	Category models.DocumentCategory `form:"category" validate:"required"`
	FilingID *string                 `form:"filing_id,omitempty"`
}

// ReviewDocumentRequest records a staff decision on a pending version.
type ReviewDocumentRequest struct {
	Status        models.DocumentStatus `json:"status" validate:"required"`
	RejectionNote *string               `json:"rejection_note,omitempty"`
}

// RequestDocumentRequest asks a user to upload an additional document.
type RequestDocumentRequest struct {
	UserID   string                  `json:"user_id" validate:"required"`
	Category models.DocumentCategory `json:"category" validate:"required"`
	FilingID *string                 `json:"filing_id,omitempty"`
	Note     string                  `json:"note" validate:"required"`
}

// DocumentQuery captures listing filters for document browsing.
type DocumentQuery struct {
	FilingID string
	Category models.DocumentCategory
	Status   []models.DocumentStatus
	Page     int
	PageSize int
}
