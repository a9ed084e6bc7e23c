package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FilingStatus captures the lifecycle state of a tax filing.
type FilingStatus string

const (
	FilingStatusInitiated         FilingStatus = "INITIATED"
	FilingStatusDocumentsPending  FilingStatus = "DOCUMENTS_PENDING"
	FilingStatusDocumentsReceived FilingStatus = "DOCUMENTS_RECEIVED"
	FilingStatusUnderPreparation  FilingStatus = "UNDER_PREPARATION"
	FilingStatusReviewReady       FilingStatus = "REVIEW_READY"
	FilingStatusCustomerApproved  FilingStatus = "CUSTOMER_APPROVED"
	FilingStatusEFiled            FilingStatus = "E_FILED"
	FilingStatusAcknowledged      FilingStatus = "ACKNOWLEDGED"
	FilingStatusCompleted         FilingStatus = "COMPLETED"
	FilingStatusOnHold            FilingStatus = "ON_HOLD"
)

// FilingStatusOrder is the linear progress order; ON_HOLD sits outside it.
var FilingStatusOrder = []FilingStatus{
	FilingStatusInitiated,
	FilingStatusDocumentsPending,
	FilingStatusDocumentsReceived,
	FilingStatusUnderPreparation,
	FilingStatusReviewReady,
	FilingStatusCustomerApproved,
	FilingStatusEFiled,
	FilingStatusAcknowledged,
	FilingStatusCompleted,
}

var filingStatusIndex = func() map[FilingStatus]int {
	m := make(map[FilingStatus]int, len(FilingStatusOrder))
	for i, s := range FilingStatusOrder {
		m[s] = i
	}
	return m
}()

var filingStatusLabels = map[FilingStatus]string{
	FilingStatusInitiated:         "Filing initiated",
	FilingStatusDocumentsPending:  "Documents pending",
	FilingStatusDocumentsReceived: "Documents received",
	FilingStatusUnderPreparation:  "Return under preparation",
	FilingStatusReviewReady:       "Ready for your review",
	FilingStatusCustomerApproved:  "Approved by customer",
	FilingStatusEFiled:            "Return e-filed",
	FilingStatusAcknowledged:      "Acknowledgement received",
	FilingStatusCompleted:         "Filing completed",
	FilingStatusOnHold:            "Filing on hold",
}

// Valid reports whether the status belongs to the closed set.
func (s FilingStatus) Valid() bool {
	if s == FilingStatusOnHold {
		return true
	}
	_, ok := filingStatusIndex[s]
	return ok
}

// Index returns the position of a linear status, or -1 for ON_HOLD/unknown.
func (s FilingStatus) Index() int {
	if i, ok := filingStatusIndex[s]; ok {
		return i
	}
	return -1
}

// Label returns the human readable status label used in notifications.
func (s FilingStatus) Label() string {
	if l, ok := filingStatusLabels[s]; ok {
		return l
	}
	return string(s)
}

// CanTransition reports whether moving from one status to another is legal.
// Forward moves along the linear order may skip states; backward moves are
// rejected. ON_HOLD is reachable from any state. Resuming from ON_HOLD must
// target the held-from state or any state legal from it.
func CanTransition(from, to, heldFrom FilingStatus) bool {
	if !from.Valid() || !to.Valid() || from == to {
		return false
	}
	if to == FilingStatusOnHold {
		return from != FilingStatusOnHold
	}
	if from == FilingStatusOnHold {
		if heldFrom == "" || heldFrom.Index() < 0 {
			return false
		}
		return to == heldFrom || to.Index() > heldFrom.Index()
	}
	return to.Index() > from.Index()
}

// ServiceType identifies the engagement kind; the set is closed at the API.
type ServiceType string

const (
	ServiceTypeIndividual ServiceType = "individual"
	ServiceTypeCorporate  ServiceType = "corporate"
	ServiceTypeNRB        ServiceType = "nrb"
)

// Valid reports whether the service type is recognised.
func (t ServiceType) Valid() bool {
	switch t {
	case ServiceTypeIndividual, ServiceTypeCorporate, ServiceTypeNRB:
		return true
	default:
		return false
	}
}

// ValidAssessmentYear checks the YYYY-YYYY format with consecutive years.
func ValidAssessmentYear(raw string) bool {
	parts := strings.Split(raw, "-")
	if len(parts) != 2 || len(parts[0]) != 4 || len(parts[1]) != 4 {
		return false
	}
	first, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	second, err := strconv.Atoi(parts[1])
	if err != nil {
		return false
	}
	return second == first+1
}

// Filing represents one tax-filing engagement for an assessment year.
type Filing struct {
	ID             string           `db:"id" json:"id"`
	OwnerUserID    string           `db:"owner_user_id" json:"owner_user_id"`
	AssessmentYear string           `db:"assessment_year" json:"assessment_year"`
	ServiceType    ServiceType      `db:"service_type" json:"service_type"`
	Status         FilingStatus     `db:"status" json:"status"`
	HeldFromStatus *FilingStatus    `db:"held_from_status" json:"held_from_status,omitempty"`
	AdvisorUserID  *string          `db:"advisor_user_id" json:"advisor_user_id,omitempty"`
	TotalIncome    *decimal.Decimal `db:"total_income" json:"total_income,omitempty"`
	TaxPayable     *decimal.Decimal `db:"tax_payable" json:"tax_payable,omitempty"`
	TaxPaid        *decimal.Decimal `db:"tax_paid" json:"tax_paid,omitempty"`
	RefundAmount   *decimal.Decimal `db:"refund_amount" json:"refund_amount,omitempty"`
	Deadline       *time.Time       `db:"deadline" json:"deadline,omitempty"`
	InternalNotes  *string          `db:"internal_notes" json:"internal_notes,omitempty"`
	FiledAt        *time.Time       `db:"filed_at" json:"filed_at,omitempty"`
	AcknowledgedAt *time.Time       `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// FilingStatusLog is one immutable row of the status history.
type FilingStatusLog struct {
	ID              string       `db:"id" json:"id"`
	FilingID        string       `db:"filing_id" json:"filing_id"`
	FromStatus      FilingStatus `db:"from_status" json:"from_status"`
	ToStatus        FilingStatus `db:"to_status" json:"to_status"`
	ChangedByUserID string       `db:"changed_by_user_id" json:"changed_by_user_id"`
	Note            *string      `db:"note" json:"note,omitempty"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
}

// FilingFilter constrains staff listing queries.
type FilingFilter struct {
	OwnerUserID    string
	Status         []FilingStatus
	AssessmentYear string
	ServiceType    ServiceType
	AdvisorUserID  string
	Limit          int
	Offset         int
}

// FilingStats aggregates counts for staff dashboards.
type FilingStats struct {
	Total         int                  `json:"total"`
	ByStatus      map[FilingStatus]int `json:"by_status"`
	ByServiceType map[ServiceType]int  `json:"by_service_type"`
}

// FilingProgress is the derived read-side progress view.
type FilingProgress struct {
	Percent       int  `json:"percent"`
	StepIndex     int  `json:"step_index"`
	TotalSteps    int  `json:"total_steps"`
	DaysRemaining *int `json:"days_remaining,omitempty"`
}

// StatusCount is one row of the grouped status aggregate.
type StatusCount struct {
	Status FilingStatus `db:"status" json:"status"`
	Count  int          `db:"count" json:"count"`
}

// ServiceTypeCount is one row of the grouped service-type aggregate.
type ServiceTypeCount struct {
	ServiceType ServiceType `db:"service_type" json:"service_type"`
	Count       int         `db:"count" json:"count"`
}

// String implements fmt.Stringer for log friendliness.
func (f *Filing) String() string {
	return fmt.Sprintf("filing %s (%s %s, %s)", f.ID, f.ServiceType, f.AssessmentYear, f.Status)
}
