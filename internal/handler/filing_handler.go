package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/taxdesk/taxdesk-api/internal/dto"
	"github.com/taxdesk/taxdesk-api/internal/models"
	appErrors "github.com/taxdesk/taxdesk-api/pkg/errors"
	"github.com/taxdesk/taxdesk-api/pkg/response"
)

type filingService interface {
	Initiate(ctx context.Context, req dto.CreateFilingRequest, actor *models.JWTClaims) (*models.Filing, error)
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*dto.FilingDetail, error)
	List(ctx context.Context, query dto.FilingQuery, actor *models.JWTClaims) ([]models.Filing, models.Pagination, error)
	Transition(ctx context.Context, id string, req dto.TransitionFilingRequest, actor *models.JWTClaims) (*models.Filing, error)
	AssignAdvisor(ctx context.Context, id string, req dto.AssignAdvisorRequest, actor *models.JWTClaims) (*models.Filing, error)
	UpdateFinancials(ctx context.Context, id string, req dto.UpdateFinancialsRequest, actor *models.JWTClaims) (*models.Filing, error)
	Stats(ctx context.Context) (*models.FilingStats, error)
}

type checklistService interface {
	Compute(ctx context.Context, filingID string, actor *models.JWTClaims) (*models.Checklist, error)
}

// FilingHandler exposes REST endpoints for the filing lifecycle.
type FilingHandler struct {
	service   filingService
	checklist checklistService
}

// NewFilingHandler constructs the handler.
func NewFilingHandler(service filingService, checklist checklistService) *FilingHandler {
	return &FilingHandler{service: service, checklist: checklist}
}

// Create godoc
// @Summary Open a new filing for the authenticated customer
// @Tags Filings
// @Accept json
// @Produce json
// @Param payload body dto.CreateFilingRequest true "Filing payload"
// @Success 201 {object} response.Envelope
// @Router /filings [post]
func (h *FilingHandler) Create(c *gin.Context) {
	var req dto.CreateFilingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid filing payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	filing, err := h.service.Initiate(c.Request.Context(), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, filing)
}

// List godoc
// @Summary List filings visible to the caller
// @Tags Filings
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param year query string false "Assessment year"
// @Param service_type query string false "Service type"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /filings [get]
func (h *FilingHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	query := dto.FilingQuery{
		AssessmentYear: strings.TrimSpace(c.Query("year")),
		ServiceType:    strings.TrimSpace(c.Query("service_type")),
		AdvisorUserID:  strings.TrimSpace(c.Query("advisor_id")),
		Page:           intQuery(c, "page"),
		PageSize:       intQuery(c, "page_size"),
	}
	if rawStatus := c.Query("status"); rawStatus != "" {
		parts := strings.Split(rawStatus, ",")
		statuses := make([]models.FilingStatus, 0, len(parts))
		for _, part := range parts {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			statuses = append(statuses, models.FilingStatus(part))
		}
		query.Status = statuses
	}

	filings, pagination, err := h.service.List(c.Request.Context(), query, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, filings, &pagination)
}

// Get godoc
// @Summary Get filing detail with progress and status history
// @Tags Filings
// @Produce json
// @Param id path string true "Filing ID"
// @Success 200 {object} response.Envelope
// @Router /filings/{id} [get]
func (h *FilingHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	detail, err := h.service.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Transition godoc
// @Summary Move a filing to a new status
// @Tags Filings
// @Accept json
// @Produce json
// @Param id path string true "Filing ID"
// @Param payload body dto.TransitionFilingRequest true "Target status"
// @Success 200 {object} response.Envelope
// @Router /filings/{id}/transition [post]
func (h *FilingHandler) Transition(c *gin.Context) {
	var req dto.TransitionFilingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid transition payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	filing, err := h.service.Transition(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, filing, nil)
}

// AssignAdvisor godoc
// @Summary Assign an advisor to a filing
// @Tags Filings
// @Accept json
// @Produce json
// @Param id path string true "Filing ID"
// @Param payload body dto.AssignAdvisorRequest true "Advisor reference"
// @Success 200 {object} response.Envelope
// @Router /filings/{id}/advisor [put]
func (h *FilingHandler) AssignAdvisor(c *gin.Context) {
	var req dto.AssignAdvisorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid advisor payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	filing, err := h.service.AssignAdvisor(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, filing, nil)
}

// UpdateFinancials godoc
// @Summary Patch the financial summary of a filing
// @Tags Filings
// @Accept json
// @Produce json
// @Param id path string true "Filing ID"
// @Param payload body dto.UpdateFinancialsRequest true "Financial fields"
// @Success 200 {object} response.Envelope
// @Router /filings/{id}/financials [patch]
func (h *FilingHandler) UpdateFinancials(c *gin.Context) {
	var req dto.UpdateFinancialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid financials payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	filing, err := h.service.UpdateFinancials(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, filing, nil)
}

// Checklist godoc
// @Summary Get the required-document checklist of a filing
// @Tags Filings
// @Produce json
// @Param id path string true "Filing ID"
// @Success 200 {object} response.Envelope
// @Router /filings/{id}/checklist [get]
func (h *FilingHandler) Checklist(c *gin.Context) {
	if h.checklist == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "checklist service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	checklist, err := h.checklist.Compute(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, checklist, nil)
}

// Stats godoc
// @Summary Aggregate filing counts for staff dashboards
// @Tags Filings
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /filings/stats [get]
func (h *FilingHandler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}

func intQuery(c *gin.Context, key string) int {
	raw := c.Query(key)
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}
