package service

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/taxdesk/taxdesk-api/internal/models"
	appErrors "github.com/taxdesk/taxdesk-api/pkg/errors"
)

type checklistDocStore interface {
	ListByFiling(ctx context.Context, filingID string) ([]models.Document, error)
}

// ChecklistService derives the required-document checklist of a filing
// from its live document chains. The checklist is never stored; it is
// recomputed from the chains on demand.
type ChecklistService struct {
	docs    checklistDocStore
	filings documentFilingLookup
	cache   statsCache
	logger  *zap.Logger
	ttl     time.Duration
}

// NewChecklistService constructs the service.
func NewChecklistService(docs checklistDocStore, filings documentFilingLookup, cache statsCache, logger *zap.Logger, ttl time.Duration) *ChecklistService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ChecklistService{docs: docs, filings: filings, cache: cache, logger: logger, ttl: ttl}
}

// Compute builds the checklist for a filing.
func (s *ChecklistService) Compute(ctx context.Context, filingID string, actor *models.JWTClaims) (*models.Checklist, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	filing, err := s.filings.GetByID(ctx, filingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load filing")
	}
	if !actor.Role.IsStaff() && filing.OwnerUserID != actor.UserID {
		return nil, appErrors.ErrForbidden
	}
	if _, ok := models.RequiredCategories[filing.ServiceType]; !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown service type "+string(filing.ServiceType))
	}

	cacheKey := "checklist:" + filingID
	if s.cache != nil {
		var cached models.Checklist
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	docs, err := s.docs.ListByFiling(ctx, filingID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list filing documents")
	}
	checklist := buildChecklist(filing, docs)

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, checklist, s.ttl); err != nil {
			s.logger.Debug("failed to cache checklist", zap.Error(err))
		}
	}
	return checklist, nil
}

// buildChecklist resolves each required category to the state of its best
// document chain. A chain's state is the status of its highest live
// version; when several chains cover one category the most advanced one
// wins.
func buildChecklist(filing *models.Filing, docs []models.Document) *models.Checklist {
	required := models.RequiredCategories[filing.ServiceType]

	// Highest live version per chain.
	latestByChain := make(map[string]*models.Document, len(docs))
	for i := range docs {
		doc := &docs[i]
		current, ok := latestByChain[doc.ChainRootID]
		if !ok || doc.Version > current.Version {
			latestByChain[doc.ChainRootID] = doc
		}
	}

	// Best chain per category.
	bestByCategory := make(map[models.DocumentCategory]*models.Document, len(latestByChain))
	for _, doc := range latestByChain {
		current, ok := bestByCategory[doc.Category]
		if !ok || checklistRank(doc.Status) > checklistRank(current.Status) {
			bestByCategory[doc.Category] = doc
		}
	}

	checklist := &models.Checklist{
		FilingID:      filing.ID,
		ServiceType:   filing.ServiceType,
		Items:         make([]models.ChecklistItem, 0, len(required)),
		RequiredCount: len(required),
	}
	for _, category := range required {
		item := models.ChecklistItem{
			Category: category,
			Status:   models.DocumentStatusNotUploaded,
		}
		if doc, ok := bestByCategory[category]; ok {
			item.Status = doc.Status
			item.DocumentID = &doc.ID
			item.Version = doc.Version
			if doc.Status == models.DocumentStatusAccepted {
				checklist.AcceptedCount++
			}
		}
		checklist.Items = append(checklist.Items, item)
	}
	if checklist.RequiredCount > 0 {
		checklist.CompletionRate = int(math.Round(
			float64(checklist.AcceptedCount) / float64(checklist.RequiredCount) * 100))
	}
	return checklist
}

func checklistRank(status models.DocumentStatus) int {
	switch status {
	case models.DocumentStatusAccepted:
		return 3
	case models.DocumentStatusPending:
		return 2
	case models.DocumentStatusNeedsReupload, models.DocumentStatusRejected:
		return 1
	default:
		return 0
	}
}
