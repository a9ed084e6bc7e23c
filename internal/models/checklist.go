package models

// RequiredCategories maps a service type to its ordered required document set.
var RequiredCategories = map[ServiceType][]DocumentCategory{
	ServiceTypeIndividual: {
		DocCategoryTINCertificate,
		DocCategoryNationalID,
		DocCategorySalaryCertificate,
		DocCategoryBankStatement,
	},
	ServiceTypeCorporate: {
		DocCategoryTINCertificate,
		DocCategoryTradeLicense,
		DocCategoryIncorporationCert,
		DocCategoryFinancialStmts,
		DocCategoryBankStatement,
	},
	ServiceTypeNRB: {
		DocCategoryTINCertificate,
		DocCategoryPassport,
		DocCategoryBankStatement,
	},
}

// ChecklistItem annotates one required category with its chain state.
type ChecklistItem struct {
	Category   DocumentCategory `json:"category"`
	Status     DocumentStatus   `json:"status"`
	DocumentID *string          `json:"document_id,omitempty"`
	Version    int              `json:"version,omitempty"`
}

// Checklist is the derived per-filing required-document view.
type Checklist struct {
	FilingID       string          `json:"filing_id"`
	ServiceType    ServiceType     `json:"service_type"`
	Items          []ChecklistItem `json:"items"`
	RequiredCount  int             `json:"required_count"`
	AcceptedCount  int             `json:"accepted_count"`
	CompletionRate int             `json:"completion_rate"`
}
