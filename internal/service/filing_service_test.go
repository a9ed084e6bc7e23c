package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taxdesk/taxdesk-api/internal/dto"
	"github.com/taxdesk/taxdesk-api/internal/models"
	"github.com/taxdesk/taxdesk-api/internal/repository"
	appErrors "github.com/taxdesk/taxdesk-api/pkg/errors"
)

type filingStoreStub struct {
	filings map[string]*models.Filing
	logs    map[string][]models.FilingStatusLog
	audits  []*models.AuditLog
	seq     int
}

func newFilingStoreStub() *filingStoreStub {
	return &filingStoreStub{
		filings: make(map[string]*models.Filing),
		logs:    make(map[string][]models.FilingStatusLog),
	}
}

func (f *filingStoreStub) Create(ctx context.Context, filing *models.Filing, audit *models.AuditLog) error {
	for _, existing := range f.filings {
		if existing.OwnerUserID == filing.OwnerUserID && existing.AssessmentYear == filing.AssessmentYear {
			return repository.ErrDuplicateFiling
		}
	}
	f.seq++
	filing.ID = fmt.Sprintf("filing-%d", f.seq)
	filing.CreatedAt = time.Now().UTC()
	filing.UpdatedAt = filing.CreatedAt
	stored := *filing
	f.filings[filing.ID] = &stored
	f.logs[filing.ID] = append(f.logs[filing.ID], models.FilingStatusLog{
		FilingID:   filing.ID,
		FromStatus: filing.Status,
		ToStatus:   filing.Status,
	})
	if audit != nil {
		f.audits = append(f.audits, audit)
	}
	return nil
}

func (f *filingStoreStub) GetByID(ctx context.Context, id string) (*models.Filing, error) {
	if filing, ok := f.filings[id]; ok {
		copy := *filing
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (f *filingStoreStub) List(ctx context.Context, filter models.FilingFilter) ([]models.Filing, int, error) {
	result := make([]models.Filing, 0, len(f.filings))
	for _, filing := range f.filings {
		if filter.OwnerUserID != "" && filing.OwnerUserID != filter.OwnerUserID {
			continue
		}
		result = append(result, *filing)
	}
	return result, len(result), nil
}

func (f *filingStoreStub) ListStatusLog(ctx context.Context, filingID string) ([]models.FilingStatusLog, error) {
	return f.logs[filingID], nil
}

func (f *filingStoreStub) Transition(ctx context.Context, params repository.TransitionParams) error {
	filing, ok := f.filings[params.FilingID]
	if !ok || filing.Status != params.From {
		return sql.ErrNoRows
	}
	if params.To == models.FilingStatusOnHold {
		held := params.From
		filing.HeldFromStatus = &held
	} else if params.From == models.FilingStatusOnHold {
		filing.HeldFromStatus = nil
	}
	filing.Status = params.To
	f.logs[params.FilingID] = append(f.logs[params.FilingID], models.FilingStatusLog{
		FilingID:        params.FilingID,
		FromStatus:      params.From,
		ToStatus:        params.To,
		ChangedByUserID: params.ActorID,
		Note:            params.Note,
	})
	if params.Audit != nil {
		f.audits = append(f.audits, params.Audit)
	}
	return nil
}

func (f *filingStoreStub) AssignAdvisor(ctx context.Context, filingID, advisorUserID string) error {
	filing, ok := f.filings[filingID]
	if !ok {
		return sql.ErrNoRows
	}
	filing.AdvisorUserID = &advisorUserID
	return nil
}

func (f *filingStoreStub) UpdateFinancials(ctx context.Context, filingID string, params repository.FinancialsParams) error {
	if _, ok := f.filings[filingID]; !ok {
		return sql.ErrNoRows
	}
	return nil
}

func (f *filingStoreStub) Stats(ctx context.Context) (*models.FilingStats, error) {
	stats := &models.FilingStats{
		ByStatus:      make(map[models.FilingStatus]int),
		ByServiceType: make(map[models.ServiceType]int),
	}
	for _, filing := range f.filings {
		stats.ByStatus[filing.Status]++
		stats.ByServiceType[filing.ServiceType]++
		stats.Total++
	}
	return stats, nil
}

type userDirectoryStub struct {
	users map[string]*models.User
}

func (u *userDirectoryStub) FindByID(ctx context.Context, id string) (*models.User, error) {
	if user, ok := u.users[id]; ok {
		return user, nil
	}
	return nil, sql.ErrNoRows
}

type auditStub struct {
	logs []*models.AuditLog
}

func (a *auditStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

type notifierStub struct {
	initiated []models.FilingInitiatedEvent
	status    []models.FilingStatusChangedEvent
	assigned  []models.AdvisorAssignedEvent
	reviewed  []models.DocumentReviewedEvent
	requested []models.DocumentRequestedEvent
}

func (n *notifierStub) FilingInitiated(event models.FilingInitiatedEvent) {
	n.initiated = append(n.initiated, event)
}

func (n *notifierStub) FilingStatusChanged(event models.FilingStatusChangedEvent) {
	n.status = append(n.status, event)
}

func (n *notifierStub) AdvisorAssigned(event models.AdvisorAssignedEvent) {
	n.assigned = append(n.assigned, event)
}

func (n *notifierStub) DocumentReviewed(event models.DocumentReviewedEvent) {
	n.reviewed = append(n.reviewed, event)
}

func (n *notifierStub) DocumentRequested(event models.DocumentRequestedEvent) {
	n.requested = append(n.requested, event)
}

func customerClaims(userID string) *models.JWTClaims {
	return &models.JWTClaims{UserID: userID, Role: models.RoleCustomer}
}

func staffClaims(userID string) *models.JWTClaims {
	return &models.JWTClaims{UserID: userID, Role: models.RoleStaff}
}

func newFilingServiceForTest() (*FilingService, *filingStoreStub, *notifierStub, *auditStub) {
	store := newFilingStoreStub()
	notifier := &notifierStub{}
	audit := &auditStub{}
	users := &userDirectoryStub{users: map[string]*models.User{
		"advisor-1":  {ID: "advisor-1", Role: models.RoleAdvisor, Active: true},
		"customer-2": {ID: "customer-2", Role: models.RoleCustomer, Active: true},
		"staff-9":    {ID: "staff-9", Role: models.RoleStaff, Active: true},
	}}
	svc := NewFilingService(store, users, audit, notifier, nil, nil, 0)
	return svc, store, notifier, audit
}

func TestFilingServiceInitiate(t *testing.T) {
	svc, store, notifier, _ := newFilingServiceForTest()

	filing, err := svc.Initiate(context.Background(), dto.CreateFilingRequest{
		AssessmentYear: "2025-2026",
		ServiceType:    "individual",
	}, customerClaims("customer-1"))
	require.NoError(t, err)
	require.Equal(t, models.FilingStatusInitiated, filing.Status)
	require.Len(t, store.logs[filing.ID], 1)
	require.Len(t, store.audits, 1)
	require.Len(t, notifier.initiated, 1)
}

func TestFilingServiceInitiateDuplicateYear(t *testing.T) {
	svc, _, _, _ := newFilingServiceForTest()
	actor := customerClaims("customer-1")
	req := dto.CreateFilingRequest{AssessmentYear: "2025-2026", ServiceType: "individual"}

	_, err := svc.Initiate(context.Background(), req, actor)
	require.NoError(t, err)

	_, err = svc.Initiate(context.Background(), req, actor)
	require.Error(t, err)
	require.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestFilingServiceInitiateRejectsBadInput(t *testing.T) {
	svc, _, _, _ := newFilingServiceForTest()
	actor := customerClaims("customer-1")

	_, err := svc.Initiate(context.Background(), dto.CreateFilingRequest{
		AssessmentYear: "2025-2027",
		ServiceType:    "individual",
	}, actor)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = svc.Initiate(context.Background(), dto.CreateFilingRequest{
		AssessmentYear: "2025-2026",
		ServiceType:    "partnership",
	}, actor)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestFilingServiceTransitionForward(t *testing.T) {
	svc, store, notifier, _ := newFilingServiceForTest()
	filing, err := svc.Initiate(context.Background(), dto.CreateFilingRequest{
		AssessmentYear: "2025-2026",
		ServiceType:    "individual",
	}, customerClaims("customer-1"))
	require.NoError(t, err)

	updated, err := svc.Transition(context.Background(), filing.ID, dto.TransitionFilingRequest{
		Status: models.FilingStatusDocumentsReceived,
	}, staffClaims("staff-1"))
	require.NoError(t, err)
	require.Equal(t, models.FilingStatusDocumentsReceived, updated.Status)

	// creation row plus one transition row
	require.Len(t, store.logs[filing.ID], 2)
	require.Len(t, notifier.status, 1)
	require.Equal(t, models.FilingStatusInitiated, notifier.status[0].From)

	progress := Progress(updated)
	require.Equal(t, 33, progress.Percent)
	require.Equal(t, 3, progress.StepIndex)
}

func TestFilingServiceTransitionRejectsBackward(t *testing.T) {
	svc, _, _, _ := newFilingServiceForTest()
	filing, err := svc.Initiate(context.Background(), dto.CreateFilingRequest{
		AssessmentYear: "2025-2026",
		ServiceType:    "individual",
	}, customerClaims("customer-1"))
	require.NoError(t, err)

	staff := staffClaims("staff-1")
	_, err = svc.Transition(context.Background(), filing.ID, dto.TransitionFilingRequest{
		Status: models.FilingStatusUnderPreparation,
	}, staff)
	require.NoError(t, err)

	_, err = svc.Transition(context.Background(), filing.ID, dto.TransitionFilingRequest{
		Status: models.FilingStatusDocumentsPending,
	}, staff)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestFilingServiceHoldAndResume(t *testing.T) {
	svc, _, _, _ := newFilingServiceForTest()
	filing, err := svc.Initiate(context.Background(), dto.CreateFilingRequest{
		AssessmentYear: "2025-2026",
		ServiceType:    "individual",
	}, customerClaims("customer-1"))
	require.NoError(t, err)

	staff := staffClaims("staff-1")
	_, err = svc.Transition(context.Background(), filing.ID, dto.TransitionFilingRequest{
		Status: models.FilingStatusUnderPreparation,
	}, staff)
	require.NoError(t, err)

	held, err := svc.Transition(context.Background(), filing.ID, dto.TransitionFilingRequest{
		Status: models.FilingStatusOnHold,
	}, staff)
	require.NoError(t, err)
	require.NotNil(t, held.HeldFromStatus)
	require.Equal(t, models.FilingStatusUnderPreparation, *held.HeldFromStatus)

	// resuming backwards of the held-from state is rejected
	_, err = svc.Transition(context.Background(), filing.ID, dto.TransitionFilingRequest{
		Status: models.FilingStatusInitiated,
	}, staff)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	resumed, err := svc.Transition(context.Background(), filing.ID, dto.TransitionFilingRequest{
		Status: models.FilingStatusUnderPreparation,
	}, staff)
	require.NoError(t, err)
	require.Equal(t, models.FilingStatusUnderPreparation, resumed.Status)
	require.Nil(t, resumed.HeldFromStatus)
}

type racingFilingStore struct {
	*filingStoreStub
}

func (r *racingFilingStore) Transition(ctx context.Context, params repository.TransitionParams) error {
	// another actor won the conditional update
	return sql.ErrNoRows
}

func TestFilingServiceTransitionConcurrentLoss(t *testing.T) {
	store := newFilingStoreStub()
	notifier := &notifierStub{}
	svc := NewFilingService(&racingFilingStore{store}, nil, nil, notifier, nil, nil, 0)

	filing, err := svc.Initiate(context.Background(), dto.CreateFilingRequest{
		AssessmentYear: "2025-2026",
		ServiceType:    "individual",
	}, customerClaims("customer-1"))
	require.NoError(t, err)

	_, err = svc.Transition(context.Background(), filing.ID, dto.TransitionFilingRequest{
		Status: models.FilingStatusDocumentsReceived,
	}, staffClaims("staff-1"))
	require.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
	require.Empty(t, notifier.status)
}

func TestFilingServiceTransitionForbiddenForCustomers(t *testing.T) {
	svc, _, _, _ := newFilingServiceForTest()
	filing, err := svc.Initiate(context.Background(), dto.CreateFilingRequest{
		AssessmentYear: "2025-2026",
		ServiceType:    "individual",
	}, customerClaims("customer-1"))
	require.NoError(t, err)

	_, err = svc.Transition(context.Background(), filing.ID, dto.TransitionFilingRequest{
		Status: models.FilingStatusDocumentsReceived,
	}, customerClaims("customer-1"))
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestFilingServiceAssignAdvisor(t *testing.T) {
	svc, _, notifier, audit := newFilingServiceForTest()
	filing, err := svc.Initiate(context.Background(), dto.CreateFilingRequest{
		AssessmentYear: "2025-2026",
		ServiceType:    "individual",
	}, customerClaims("customer-1"))
	require.NoError(t, err)

	updated, err := svc.AssignAdvisor(context.Background(), filing.ID, dto.AssignAdvisorRequest{
		AdvisorUserID: "advisor-1",
	}, staffClaims("staff-1"))
	require.NoError(t, err)
	require.NotNil(t, updated.AdvisorUserID)
	require.Equal(t, "advisor-1", *updated.AdvisorUserID)
	require.Len(t, notifier.assigned, 1)
	require.Len(t, audit.logs, 1)
}

func TestFilingServiceAssignAdvisorRejectsCustomerAccount(t *testing.T) {
	svc, _, _, _ := newFilingServiceForTest()
	filing, err := svc.Initiate(context.Background(), dto.CreateFilingRequest{
		AssessmentYear: "2025-2026",
		ServiceType:    "individual",
	}, customerClaims("customer-1"))
	require.NoError(t, err)

	_, err = svc.AssignAdvisor(context.Background(), filing.ID, dto.AssignAdvisorRequest{
		AdvisorUserID: "customer-2",
	}, staffClaims("staff-1"))
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestFilingServiceAssignAdvisorRejectsNonAdvisorStaff(t *testing.T) {
	svc, _, _, _ := newFilingServiceForTest()
	filing, err := svc.Initiate(context.Background(), dto.CreateFilingRequest{
		AssessmentYear: "2025-2026",
		ServiceType:    "individual",
	}, customerClaims("customer-1"))
	require.NoError(t, err)

	_, err = svc.AssignAdvisor(context.Background(), filing.ID, dto.AssignAdvisorRequest{
		AdvisorUserID: "staff-9",
	}, staffClaims("staff-1"))
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestFilingServiceGetScopesToOwner(t *testing.T) {
	svc, _, _, _ := newFilingServiceForTest()
	filing, err := svc.Initiate(context.Background(), dto.CreateFilingRequest{
		AssessmentYear: "2025-2026",
		ServiceType:    "individual",
	}, customerClaims("customer-1"))
	require.NoError(t, err)

	detail, err := svc.Get(context.Background(), filing.ID, customerClaims("customer-1"))
	require.NoError(t, err)
	require.Equal(t, filing.ID, detail.Filing.ID)
	require.Equal(t, 11, detail.Progress.Percent)

	_, err = svc.Get(context.Background(), filing.ID, customerClaims("customer-2"))
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	_, err = svc.Get(context.Background(), filing.ID, staffClaims("staff-1"))
	require.NoError(t, err)
}

func TestFilingServiceListPinsCustomers(t *testing.T) {
	svc, _, _, _ := newFilingServiceForTest()
	_, err := svc.Initiate(context.Background(), dto.CreateFilingRequest{
		AssessmentYear: "2025-2026", ServiceType: "individual",
	}, customerClaims("customer-1"))
	require.NoError(t, err)
	_, err = svc.Initiate(context.Background(), dto.CreateFilingRequest{
		AssessmentYear: "2025-2026", ServiceType: "corporate",
	}, customerClaims("customer-2"))
	require.NoError(t, err)

	mine, _, err := svc.List(context.Background(), dto.FilingQuery{}, customerClaims("customer-1"))
	require.NoError(t, err)
	require.Len(t, mine, 1)

	all, pagination, err := svc.List(context.Background(), dto.FilingQuery{}, staffClaims("staff-1"))
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, 2, pagination.TotalCount)
}

func TestFilingServiceStats(t *testing.T) {
	svc, _, _, _ := newFilingServiceForTest()
	_, err := svc.Initiate(context.Background(), dto.CreateFilingRequest{
		AssessmentYear: "2025-2026", ServiceType: "individual",
	}, customerClaims("customer-1"))
	require.NoError(t, err)

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1, stats.ByStatus[models.FilingStatusInitiated])
}
