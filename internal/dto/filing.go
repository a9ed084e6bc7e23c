package dto

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/taxdesk/taxdesk-api/internal/models"
)

// CreateFilingRequest opens a new filing for the authenticated customer.
type CreateFilingRequest struct {
	AssessmentYear string `json:"assessment_year" validate:"required"`
	ServiceType    string `json:"service_type" validate:"required"`
}

// TransitionFilingRequest moves a filing to a new status.
type TransitionFilingRequest struct {
	Status models.FilingStatus `json:"status" validate:"required"`
	Note   *string             `json:"note,omitempty"`
}

// AssignAdvisorRequest attaches an advisor to a filing.
type AssignAdvisorRequest struct {
	AdvisorUserID string `json:"advisor_id" validate:"required"`
}

// UpdateFinancialsRequest partially updates filing financial fields.
// Only non-nil fields are written.
type UpdateFinancialsRequest struct {
	TotalIncome   *decimal.Decimal `json:"total_income,omitempty"`
	TaxPayable    *decimal.Decimal `json:"tax_payable,omitempty"`
	TaxPaid       *decimal.Decimal `json:"tax_paid,omitempty"`
	RefundAmount  *decimal.Decimal `json:"refund_amount,omitempty"`
	Deadline      *time.Time       `json:"deadline,omitempty"`
	InternalNotes *string          `json:"internal_notes,omitempty"`
}

// FilingQuery captures staff listing filters.
type FilingQuery struct {
	Status         []models.FilingStatus
	AssessmentYear string
	ServiceType    string
	AdvisorUserID  string
	Page           int
	PageSize       int
}

// FilingDetail combines a filing with its derived progress.
type FilingDetail struct {
	Filing   *models.Filing           `json:"filing"`
	Progress models.FilingProgress    `json:"progress"`
	Log      []models.FilingStatusLog `json:"status_log,omitempty"`
}
