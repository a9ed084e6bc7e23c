package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/taxdesk/taxdesk-api/internal/dto"
	"github.com/taxdesk/taxdesk-api/internal/models"
	"github.com/taxdesk/taxdesk-api/internal/repository"
	appErrors "github.com/taxdesk/taxdesk-api/pkg/errors"
)

const filingStatsCacheKey = "filings:stats"

type filingStore interface {
	Create(ctx context.Context, filing *models.Filing, audit *models.AuditLog) error
	GetByID(ctx context.Context, id string) (*models.Filing, error)
	List(ctx context.Context, filter models.FilingFilter) ([]models.Filing, int, error)
	ListStatusLog(ctx context.Context, filingID string) ([]models.FilingStatusLog, error)
	Transition(ctx context.Context, params repository.TransitionParams) error
	AssignAdvisor(ctx context.Context, filingID, advisorUserID string) error
	UpdateFinancials(ctx context.Context, filingID string, params repository.FinancialsParams) error
	Stats(ctx context.Context) (*models.FilingStats, error)
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type userDirectory interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type filingNotifier interface {
	FilingInitiated(event models.FilingInitiatedEvent)
	FilingStatusChanged(event models.FilingStatusChangedEvent)
	AdvisorAssigned(event models.AdvisorAssignedEvent)
}

type statsCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// FilingService drives the filing lifecycle: initiation, status
// transitions, advisor assignment and the financial summary fields.
type FilingService struct {
	repo     filingStore
	users    userDirectory
	audit    auditLogger
	notifier filingNotifier
	cache    statsCache
	metrics  *MetricsService
	logger   *zap.Logger
	statsTTL time.Duration
}

// NewFilingService constructs the service.
func NewFilingService(repo filingStore, users userDirectory, audit auditLogger, notifier filingNotifier, cache statsCache, logger *zap.Logger, statsTTL time.Duration) *FilingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if statsTTL <= 0 {
		statsTTL = time.Minute
	}
	return &FilingService{
		repo:     repo,
		users:    users,
		audit:    audit,
		notifier: notifier,
		cache:    cache,
		logger:   logger,
		statsTTL: statsTTL,
	}
}

// SetMetrics attaches Prometheus instrumentation. Optional.
func (s *FilingService) SetMetrics(metrics *MetricsService) {
	s.metrics = metrics
}

// Initiate opens a new filing for the acting customer. One filing per
// (owner, assessment year); the database constraint arbitrates races.
func (s *FilingService) Initiate(ctx context.Context, req dto.CreateFilingRequest, actor *models.JWTClaims) (*models.Filing, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !models.ValidAssessmentYear(req.AssessmentYear) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "assessment_year must be consecutive years in YYYY-YYYY form")
	}
	serviceType := models.ServiceType(req.ServiceType)
	if !serviceType.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown service_type: %s", req.ServiceType))
	}

	filing := &models.Filing{
		OwnerUserID:    actor.UserID,
		AssessmentYear: req.AssessmentYear,
		ServiceType:    serviceType,
		Status:         models.FilingStatusInitiated,
	}
	newValues, _ := json.Marshal(filing)
	err := s.repo.Create(ctx, filing, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionFilingInitiate,
		Resource:   "filing",
		ResourceID: &filing.ID,
		NewValues:  newValues,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateFiling) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "a filing for this assessment year already exists")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create filing")
	}

	s.notifier.FilingInitiated(models.FilingInitiatedEvent{
		FilingID:       filing.ID,
		OwnerUserID:    filing.OwnerUserID,
		AssessmentYear: filing.AssessmentYear,
		ServiceType:    filing.ServiceType,
	})
	s.invalidateStats(ctx)
	s.logger.Info("filing initiated",
		zap.String("filing_id", filing.ID),
		zap.String("owner", filing.OwnerUserID),
		zap.String("year", filing.AssessmentYear))
	return filing, nil
}

// Get returns a filing with its derived progress and full status history.
// Customers only see their own filings.
func (s *FilingService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*dto.FilingDetail, error) {
	filing, err := s.load(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	log, err := s.repo.ListStatusLog(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load status history")
	}
	return &dto.FilingDetail{
		Filing:   filing,
		Progress: Progress(filing),
		Log:      log,
	}, nil
}

// List returns filings visible to the actor. Customers are pinned to their
// own filings regardless of requested filters.
func (s *FilingService) List(ctx context.Context, query dto.FilingQuery, actor *models.JWTClaims) ([]models.Filing, models.Pagination, error) {
	if actor == nil {
		return nil, models.Pagination{}, appErrors.ErrUnauthorized
	}
	page := query.Page
	if page <= 0 {
		page = 1
	}
	pageSize := query.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	filter := models.FilingFilter{
		Status:         query.Status,
		AssessmentYear: query.AssessmentYear,
		ServiceType:    models.ServiceType(query.ServiceType),
		AdvisorUserID:  query.AdvisorUserID,
		Limit:          pageSize,
		Offset:         (page - 1) * pageSize,
	}
	if !actor.Role.IsStaff() {
		filter.OwnerUserID = actor.UserID
	}

	filings, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, models.Pagination{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list filings")
	}
	return filings, models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// Transition moves a filing to a new status. The update is conditional on
// the currently loaded status, so two racing staff members cannot both win.
func (s *FilingService) Transition(ctx context.Context, id string, req dto.TransitionFilingRequest, actor *models.JWTClaims) (*models.Filing, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.IsStaff() {
		return nil, appErrors.ErrForbidden
	}
	if !req.Status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown status: %s", req.Status))
	}

	filing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load filing")
	}

	var heldFrom models.FilingStatus
	if filing.HeldFromStatus != nil {
		heldFrom = *filing.HeldFromStatus
	}
	if !models.CanTransition(filing.Status, req.Status, heldFrom) {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("cannot transition from %s to %s", filing.Status, req.Status))
	}

	from := filing.Status
	audit := &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionFilingTransition,
		Resource:   "filing",
		ResourceID: &filing.ID,
	}
	audit.OldValues, _ = json.Marshal(map[string]models.FilingStatus{"status": from})
	audit.NewValues, _ = json.Marshal(map[string]models.FilingStatus{"status": req.Status})

	err = s.repo.Transition(ctx, repository.TransitionParams{
		FilingID: filing.ID,
		From:     from,
		To:       req.Status,
		ActorID:  actor.UserID,
		Note:     req.Note,
		Audit:    audit,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "filing status changed concurrently, reload and retry")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to transition filing")
	}

	s.notifier.FilingStatusChanged(models.FilingStatusChangedEvent{
		FilingID:    filing.ID,
		OwnerUserID: filing.OwnerUserID,
		From:        from,
		To:          req.Status,
		Note:        req.Note,
		ActorID:     actor.UserID,
	})
	s.metrics.RecordTransition(string(req.Status))
	s.invalidateStats(ctx)

	updated, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload filing")
	}
	s.logger.Info("filing transitioned",
		zap.String("filing_id", filing.ID),
		zap.String("from", string(from)),
		zap.String("to", string(req.Status)),
		zap.String("actor", actor.UserID))
	return updated, nil
}

// AssignAdvisor attaches an advisor account to a filing.
func (s *FilingService) AssignAdvisor(ctx context.Context, id string, req dto.AssignAdvisorRequest, actor *models.JWTClaims) (*models.Filing, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.IsStaff() {
		return nil, appErrors.ErrForbidden
	}

	filing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load filing")
	}

	advisor, err := s.users.FindByID(ctx, req.AdvisorUserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "advisor account not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load advisor")
	}
	if !advisor.Active {
		return nil, appErrors.Clone(appErrors.ErrValidation, "advisor account is inactive")
	}
	if advisor.Role != models.RoleAdvisor {
		return nil, appErrors.Clone(appErrors.ErrValidation, "assigned user must hold the advisor role")
	}

	if err := s.repo.AssignAdvisor(ctx, filing.ID, advisor.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to assign advisor")
	}

	s.emitAudit(ctx, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionFilingAssign,
		Resource:   "filing",
		ResourceID: &filing.ID,
		NewValues:  mustJSON(map[string]string{"advisor_user_id": advisor.ID}),
	})
	s.notifier.AdvisorAssigned(models.AdvisorAssignedEvent{
		FilingID:      filing.ID,
		OwnerUserID:   filing.OwnerUserID,
		AdvisorUserID: advisor.ID,
		ActorID:       actor.UserID,
	})

	filing.AdvisorUserID = &advisor.ID
	return filing, nil
}

// UpdateFinancials patches the financial summary fields of a filing.
func (s *FilingService) UpdateFinancials(ctx context.Context, id string, req dto.UpdateFinancialsRequest, actor *models.JWTClaims) (*models.Filing, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.IsStaff() {
		return nil, appErrors.ErrForbidden
	}

	params := repository.FinancialsParams{
		TotalIncome:   decimalString(req.TotalIncome),
		TaxPayable:    decimalString(req.TaxPayable),
		TaxPaid:       decimalString(req.TaxPaid),
		RefundAmount:  decimalString(req.RefundAmount),
		Deadline:      req.Deadline,
		InternalNotes: req.InternalNotes,
	}
	for _, amount := range []*decimal.Decimal{req.TotalIncome, req.TaxPayable, req.TaxPaid, req.RefundAmount} {
		if amount != nil && amount.IsNegative() {
			return nil, appErrors.Clone(appErrors.ErrValidation, "financial amounts must not be negative")
		}
	}

	if err := s.repo.UpdateFinancials(ctx, id, params); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update financials")
	}

	s.emitAudit(ctx, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionFilingFinancials,
		Resource:   "filing",
		ResourceID: &id,
		NewValues:  mustJSON(req),
	})

	filing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload filing")
	}
	return filing, nil
}

// Stats returns aggregate filing counts, cached briefly for dashboards.
func (s *FilingService) Stats(ctx context.Context) (*models.FilingStats, error) {
	if s.cache != nil {
		var cached models.FilingStats
		if err := s.cache.Get(ctx, filingStatsCacheKey, &cached); err == nil {
			return &cached, nil
		}
	}
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate filings")
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, filingStatsCacheKey, stats, s.statsTTL); err != nil {
			s.logger.Warn("failed to cache filing stats", zap.Error(err))
		}
	}
	return stats, nil
}

// Progress derives the read-side progress view from a filing. ON_HOLD
// reports the position the filing was held from.
func Progress(filing *models.Filing) models.FilingProgress {
	status := filing.Status
	if status == models.FilingStatusOnHold && filing.HeldFromStatus != nil {
		status = *filing.HeldFromStatus
	}
	total := len(models.FilingStatusOrder)
	idx := status.Index()
	if idx < 0 {
		idx = 0
	}
	progress := models.FilingProgress{
		Percent:    int(math.Round(float64(idx+1) / float64(total) * 100)),
		StepIndex:  idx + 1,
		TotalSteps: total,
	}
	if filing.Deadline != nil {
		days := int(math.Ceil(time.Until(*filing.Deadline).Hours() / 24))
		if days < 0 {
			days = 0
		}
		progress.DaysRemaining = &days
	}
	return progress
}

func (s *FilingService) load(ctx context.Context, id string, actor *models.JWTClaims) (*models.Filing, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	filing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load filing")
	}
	if !actor.Role.IsStaff() && filing.OwnerUserID != actor.UserID {
		return nil, appErrors.ErrForbidden
	}
	return filing, nil
}

func (s *FilingService) emitAudit(ctx context.Context, log *models.AuditLog) {
	if s.audit == nil || log == nil {
		return
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to write audit log", zap.String("action", log.Action), zap.Error(err))
	}
}

func (s *FilingService) invalidateStats(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, filingStatsCacheKey); err != nil {
		s.logger.Debug("failed to invalidate stats cache", zap.Error(err))
	}
}

func decimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
