package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taxdesk/taxdesk-api/internal/dto"
	"github.com/taxdesk/taxdesk-api/internal/middleware"
	"github.com/taxdesk/taxdesk-api/internal/models"
	appErrors "github.com/taxdesk/taxdesk-api/pkg/errors"
)

type filingServiceMock struct {
	initiateResp     *models.Filing
	initiateErr      error
	getResp          *dto.FilingDetail
	getErr           error
	listResp         []models.Filing
	listErr          error
	transitionResp   *models.Filing
	transitionErr    error
	assignResp       *models.Filing
	assignErr        error
	financialsResp   *models.Filing
	financialsErr    error
	statsResp        *models.FilingStats
	statsErr         error
	lastQuery        dto.FilingQuery
	listCalled       bool
	transitionCalled bool
}

func (m *filingServiceMock) Initiate(ctx context.Context, req dto.CreateFilingRequest, actor *models.JWTClaims) (*models.Filing, error) {
	return m.initiateResp, m.initiateErr
}

func (m *filingServiceMock) Get(ctx context.Context, id string, actor *models.JWTClaims) (*dto.FilingDetail, error) {
	return m.getResp, m.getErr
}

func (m *filingServiceMock) List(ctx context.Context, query dto.FilingQuery, actor *models.JWTClaims) ([]models.Filing, models.Pagination, error) {
	m.listCalled = true
	m.lastQuery = query
	return m.listResp, models.Pagination{Page: 1, PageSize: 20, TotalCount: len(m.listResp)}, m.listErr
}

func (m *filingServiceMock) Transition(ctx context.Context, id string, req dto.TransitionFilingRequest, actor *models.JWTClaims) (*models.Filing, error) {
	m.transitionCalled = true
	return m.transitionResp, m.transitionErr
}

func (m *filingServiceMock) AssignAdvisor(ctx context.Context, id string, req dto.AssignAdvisorRequest, actor *models.JWTClaims) (*models.Filing, error) {
	return m.assignResp, m.assignErr
}

func (m *filingServiceMock) UpdateFinancials(ctx context.Context, id string, req dto.UpdateFinancialsRequest, actor *models.JWTClaims) (*models.Filing, error) {
	return m.financialsResp, m.financialsErr
}

func (m *filingServiceMock) Stats(ctx context.Context) (*models.FilingStats, error) {
	return m.statsResp, m.statsErr
}

type checklistServiceMock struct {
	resp *models.Checklist
	err  error
}

func (m *checklistServiceMock) Compute(ctx context.Context, filingID string, actor *models.JWTClaims) (*models.Checklist, error) {
	return m.resp, m.err
}

func staffTestContext(w *httptest.ResponseRecorder) *gin.Context {
	c, _ := gin.CreateTestContext(w)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "staff-1", Role: models.RoleStaff})
	return c
}

func TestFilingHandlerCreate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &filingServiceMock{
		initiateResp: &models.Filing{ID: "filing-1", Status: models.FilingStatusInitiated},
	}
	handler := NewFilingHandler(mockSvc, nil)

	payload, _ := json.Marshal(dto.CreateFilingRequest{AssessmentYear: "2025-2026", ServiceType: "individual"})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/filings", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "customer-1", Role: models.RoleCustomer})

	handler.Create(c)
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestFilingHandlerCreateDuplicate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &filingServiceMock{
		initiateErr: appErrors.Clone(appErrors.ErrConflict, "filing already exists for this assessment year"),
	}
	handler := NewFilingHandler(mockSvc, nil)

	payload, _ := json.Marshal(dto.CreateFilingRequest{AssessmentYear: "2025-2026", ServiceType: "individual"})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/filings", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "customer-1", Role: models.RoleCustomer})

	handler.Create(c)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestFilingHandlerListParsesQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &filingServiceMock{
		listResp: []models.Filing{{ID: "filing-1"}},
	}
	handler := NewFilingHandler(mockSvc, nil)

	w := httptest.NewRecorder()
	c := staffTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/filings?status=under_preparation,on_hold&year=2025-2026&page=2&page_size=10", nil)
	c.Request = req

	handler.List(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, mockSvc.listCalled)
	assert.Equal(t, []models.FilingStatus{models.FilingStatusUnderPreparation, models.FilingStatusOnHold}, mockSvc.lastQuery.Status)
	assert.Equal(t, "2025-2026", mockSvc.lastQuery.AssessmentYear)
	assert.Equal(t, 2, mockSvc.lastQuery.Page)
	assert.Equal(t, 10, mockSvc.lastQuery.PageSize)
}

func TestFilingHandlerTransitionInvalidBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &filingServiceMock{}
	handler := NewFilingHandler(mockSvc, nil)

	w := httptest.NewRecorder()
	c := staffTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/filings/filing-1/transition", bytes.NewBufferString(`{"status":`))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "filing-1"}}

	handler.Transition(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, mockSvc.transitionCalled)
}

func TestFilingHandlerTransitionConflict(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &filingServiceMock{
		transitionErr: appErrors.Clone(appErrors.ErrConflict, "filing status changed concurrently, reload and retry"),
	}
	handler := NewFilingHandler(mockSvc, nil)

	payload, _ := json.Marshal(dto.TransitionFilingRequest{Status: models.FilingStatusDocumentsReceived})
	w := httptest.NewRecorder()
	c := staffTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/filings/filing-1/transition", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "filing-1"}}

	handler.Transition(c)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.True(t, mockSvc.transitionCalled)
}

func TestFilingHandlerChecklist(t *testing.T) {
	gin.SetMode(gin.TestMode)
	checklist := &checklistServiceMock{
		resp: &models.Checklist{FilingID: "filing-1", CompletionRate: 50},
	}
	handler := NewFilingHandler(&filingServiceMock{}, checklist)

	w := httptest.NewRecorder()
	c := staffTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/filings/filing-1/checklist", nil)
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "filing-1"}}

	handler.Checklist(c)
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Data models.Checklist `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, 50, envelope.Data.CompletionRate)
}

func TestFilingHandlerGetMissingClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewFilingHandler(&filingServiceMock{}, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/filings/filing-1", nil)
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "filing-1"}}

	handler.Get(c)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
