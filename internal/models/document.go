package models

import "time"

// DocumentStatus captures the review state of one document version.
type DocumentStatus string

const (
	DocumentStatusPending       DocumentStatus = "PENDING"
	DocumentStatusAccepted      DocumentStatus = "ACCEPTED"
	DocumentStatusRejected      DocumentStatus = "REJECTED"
	DocumentStatusNeedsReupload DocumentStatus = "NEEDS_REUPLOAD"

	// DocumentStatusNotUploaded only ever appears in derived checklists.
	DocumentStatusNotUploaded DocumentStatus = "NOT_UPLOADED"
)

// ReviewOutcome reports whether the status is a legal review decision.
func (s DocumentStatus) ReviewOutcome() bool {
	switch s {
	case DocumentStatusAccepted, DocumentStatusRejected, DocumentStatusNeedsReupload:
		return true
	default:
		return false
	}
}

// RequiresNote reports whether a review decision needs a rejection note.
func (s DocumentStatus) RequiresNote() bool {
	return s == DocumentStatusRejected || s == DocumentStatusNeedsReupload
}

// AllowsReupload reports whether the owner may push a new version.
func (s DocumentStatus) AllowsReupload() bool {
	return s == DocumentStatusRejected || s == DocumentStatusNeedsReupload
}

// DocumentCategory enumerates the closed set of document kinds.
type DocumentCategory string

const (
	DocCategoryNationalID        DocumentCategory = "NATIONAL_ID"
	DocCategoryPassport          DocumentCategory = "PASSPORT"
	DocCategoryTINCertificate    DocumentCategory = "TIN_CERTIFICATE"
	DocCategorySalaryCertificate DocumentCategory = "SALARY_CERTIFICATE"
	DocCategoryBankStatement     DocumentCategory = "BANK_STATEMENT"
	DocCategoryPreviousReturn    DocumentCategory = "PREVIOUS_RETURN"
	DocCategoryTradeLicense      DocumentCategory = "TRADE_LICENSE"
	DocCategoryFinancialStmts    DocumentCategory = "FINANCIAL_STATEMENTS"
	DocCategoryIncorporationCert DocumentCategory = "INCORPORATION_CERTIFICATE"
	DocCategoryOther             DocumentCategory = "OTHER"
)

var documentCategories = map[DocumentCategory]struct{}{
	DocCategoryNationalID:        {},
	DocCategoryPassport:          {},
	DocCategoryTINCertificate:    {},
	DocCategorySalaryCertificate: {},
	DocCategoryBankStatement:     {},
	DocCategoryPreviousReturn:    {},
	DocCategoryTradeLicense:      {},
	DocCategoryFinancialStmts:    {},
	DocCategoryIncorporationCert: {},
	DocCategoryOther:             {},
}

// Valid reports whether the category belongs to the closed set.
func (c DocumentCategory) Valid() bool {
	_, ok := documentCategories[c]
	return ok
}

// Document is one uploaded file version within a chain.
type Document struct {
	ID               string           `db:"id" json:"id"`
	OwnerUserID      string           `db:"owner_user_id" json:"owner_user_id"`
	FilingID         *string          `db:"filing_id" json:"filing_id,omitempty"`
	Category         DocumentCategory `db:"category" json:"category"`
	FileName         string           `db:"file_name" json:"file_name"`
	StorageKey       string           `db:"storage_key" json:"-"`
	FileSizeBytes    int64            `db:"file_size_bytes" json:"file_size_bytes"`
	MimeType         string           `db:"mime_type" json:"mime_type"`
	Status           DocumentStatus   `db:"status" json:"status"`
	Version          int              `db:"version" json:"version"`
	ChainRootID      string           `db:"chain_root_id" json:"chain_root_id"`
	RejectionNote    *string          `db:"rejection_note" json:"rejection_note,omitempty"`
	ReviewedByUserID *string          `db:"reviewed_by_user_id" json:"reviewed_by_user_id,omitempty"`
	ReviewedAt       *time.Time       `db:"reviewed_at" json:"reviewed_at,omitempty"`
	DeletedAt        *time.Time       `db:"deleted_at" json:"deleted_at,omitempty"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
}

// DocumentRoot is a chain-root row annotated for "my documents" listings.
type DocumentRoot struct {
	Document
	VersionCount int            `db:"version_count" json:"version_count"`
	ChainStatus  DocumentStatus `db:"chain_status" json:"chain_status"`
}

// DocumentFilter constrains document listing queries.
type DocumentFilter struct {
	OwnerUserID string
	FilingID    string
	Category    DocumentCategory
	Status      []DocumentStatus
	Limit       int
	Offset      int
}

// DocumentDownload references a signed download for one version.
type DocumentDownload struct {
	DocumentID string    `json:"document_id"`
	FileName   string    `json:"file_name"`
	MimeType   string    `json:"mime_type"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expires_at"`
}
