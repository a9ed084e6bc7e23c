package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/taxdesk/taxdesk-api/internal/dto"
	"github.com/taxdesk/taxdesk-api/internal/models"
	"github.com/taxdesk/taxdesk-api/internal/service"
	appErrors "github.com/taxdesk/taxdesk-api/pkg/errors"
	"github.com/taxdesk/taxdesk-api/pkg/response"
)

type documentService interface {
	Upload(ctx context.Context, req dto.UploadDocumentRequest, upload service.DocumentUpload, actor *models.JWTClaims) (*models.Document, error)
	Reupload(ctx context.Context, documentID string, upload service.DocumentUpload, actor *models.JWTClaims) (*models.Document, error)
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Document, error)
	Versions(ctx context.Context, id string, actor *models.JWTClaims) ([]models.Document, error)
	ListMine(ctx context.Context, query dto.DocumentQuery, actor *models.JWTClaims) ([]models.DocumentRoot, error)
	ListForFiling(ctx context.Context, filingID string, actor *models.JWTClaims) ([]models.Document, error)
	ListAll(ctx context.Context, query dto.DocumentQuery, actor *models.JWTClaims) ([]models.Document, models.Pagination, error)
	Delete(ctx context.Context, id string, actor *models.JWTClaims) error
	RequestAdditional(ctx context.Context, req dto.RequestDocumentRequest, actor *models.JWTClaims) error
	DownloadRef(ctx context.Context, id string, actor *models.JWTClaims) (*models.DocumentDownload, error)
	Resolve(ctx context.Context, token string) (*service.DocumentStream, error)
}

type reviewService interface {
	Review(ctx context.Context, id string, req dto.ReviewDocumentRequest, actor *models.JWTClaims) (*models.Document, error)
}

// DocumentHandler manages document HTTP endpoints.
type DocumentHandler struct {
	service     documentService
	reviews     reviewService
	maxFileSize int64
}

// NewDocumentHandler constructs the handler.
func NewDocumentHandler(service documentService, reviews reviewService, maxFileSize int64) *DocumentHandler {
	if maxFileSize <= 0 {
		maxFileSize = 10 * 1024 * 1024
	}
	return &DocumentHandler{service: service, reviews: reviews, maxFileSize: maxFileSize}
}

// Upload godoc
// @Summary Upload a new document
// @Tags Documents
// @Accept multipart/form-data
// @Produce json
// @Param category formData string true "Document category"
// @Param filing_id formData string false "Filing reference"
// @Param file formData file true "Document"
// @Success 201 {object} response.Envelope
// @Router /documents [post]
func (h *DocumentHandler) Upload(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "document service not configured"))
		return
	}
	var req dto.UploadDocumentRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid document payload"))
		return
	}
	upload, err := h.uploadFromForm(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	doc, err := h.service.Upload(c.Request.Context(), req, *upload, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, doc)
}

// Reupload godoc
// @Summary Upload a corrected version of a rejected document
// @Tags Documents
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Document ID"
// @Param file formData file true "Document"
// @Success 201 {object} response.Envelope
// @Router /documents/{id}/reupload [post]
func (h *DocumentHandler) Reupload(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "document service not configured"))
		return
	}
	upload, err := h.uploadFromForm(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	doc, err := h.service.Reupload(c.Request.Context(), c.Param("id"), *upload, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, doc)
}

// Get godoc
// @Summary Get document metadata with a signed download reference
// @Tags Documents
// @Produce json
// @Param id path string true "Document ID"
// @Success 200 {object} response.Envelope
// @Router /documents/{id} [get]
func (h *DocumentHandler) Get(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "document service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	doc, err := h.service.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, doc, nil)
}

// Versions godoc
// @Summary List every version in a document chain
// @Tags Documents
// @Produce json
// @Param id path string true "Document ID"
// @Success 200 {object} response.Envelope
// @Router /documents/{id}/versions [get]
func (h *DocumentHandler) Versions(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "document service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	versions, err := h.service.Versions(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, versions, nil)
}

// ListMine godoc
// @Summary List the caller's document chains
// @Tags Documents
// @Produce json
// @Param filing_id query string false "Filing reference"
// @Param category query string false "Category filter"
// @Success 200 {object} response.Envelope
// @Router /documents/me [get]
func (h *DocumentHandler) ListMine(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "document service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	roots, err := h.service.ListMine(c.Request.Context(), documentQueryFromRequest(c), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, roots, nil)
}

// ListForFiling godoc
// @Summary List documents attached to a filing
// @Tags Documents
// @Produce json
// @Param id path string true "Filing ID"
// @Success 200 {object} response.Envelope
// @Router /filings/{id}/documents [get]
func (h *DocumentHandler) ListForFiling(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "document service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	docs, err := h.service.ListForFiling(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, docs, nil)
}

// ListAll godoc
// @Summary Browse documents across all users
// @Tags Documents
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param category query string false "Category filter"
// @Param filing_id query string false "Filing reference"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /documents [get]
func (h *DocumentHandler) ListAll(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "document service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	docs, pagination, err := h.service.ListAll(c.Request.Context(), documentQueryFromRequest(c), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, docs, &pagination)
}

// Review godoc
// @Summary Accept or reject a pending document version
// @Tags Documents
// @Accept json
// @Produce json
// @Param id path string true "Document ID"
// @Param payload body dto.ReviewDocumentRequest true "Review decision"
// @Success 200 {object} response.Envelope
// @Router /documents/{id}/review [post]
func (h *DocumentHandler) Review(c *gin.Context) {
	if h.reviews == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "review service not configured"))
		return
	}
	var req dto.ReviewDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid review payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	doc, err := h.reviews.Review(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, doc, nil)
}

// RequestAdditional godoc
// @Summary Ask a user to upload an additional document
// @Tags Documents
// @Accept json
// @Produce json
// @Param payload body dto.RequestDocumentRequest true "Request detail"
// @Success 204
// @Router /documents/requests [post]
func (h *DocumentHandler) RequestAdditional(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "document service not configured"))
		return
	}
	var req dto.RequestDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid request payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.RequestAdditional(c.Request.Context(), req, claims); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Delete godoc
// @Summary Soft delete a document chain
// @Tags Documents
// @Produce json
// @Param id path string true "Document ID"
// @Success 204
// @Router /documents/{id} [delete]
func (h *DocumentHandler) Delete(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "document service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.Delete(c.Request.Context(), c.Param("id"), claims); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// DownloadRef godoc
// @Summary Issue a signed download link for a document version
// @Tags Documents
// @Produce json
// @Param id path string true "Document ID"
// @Success 200 {object} response.Envelope
// @Router /documents/{id}/download-url [get]
func (h *DocumentHandler) DownloadRef(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "document service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	ref, err := h.service.DownloadRef(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, ref, nil)
}

// Download godoc
// @Summary Stream a document via signed token
// @Tags Documents
// @Produce octet-stream
// @Param token query string true "Signed token"
// @Success 200 {file} binary
// @Router /documents/download [get]
func (h *DocumentHandler) Download(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "document service not configured"))
		return
	}
	token := c.Query("token")
	if strings.TrimSpace(token) == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	stream, err := h.service.Resolve(c.Request.Context(), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer stream.Content.Close() //nolint:errcheck
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", stream.FileName))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, stream.SizeBytes, stream.MimeType, stream.Content, nil)
}

func (h *DocumentHandler) uploadFromForm(c *gin.Context) (*service.DocumentUpload, error) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file is required")
	}
	// Reject before buffering so oversized bodies never reach memory.
	if fileHeader.Size > h.maxFileSize {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("file exceeds %d bytes limit", h.maxFileSize))
	}
	src, err := fileHeader.Open()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file")
	}
	defer src.Close() //nolint:errcheck

	// Buffer before the form file is closed; uploads are size-capped anyway.
	buf, err := io.ReadAll(src)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to buffer file")
	}
	return &service.DocumentUpload{
		Filename: fileHeader.Filename,
		Size:     fileHeader.Size,
		MimeType: fileHeader.Header.Get("Content-Type"),
		Content:  bytes.NewReader(buf),
	}, nil
}

func documentQueryFromRequest(c *gin.Context) dto.DocumentQuery {
	query := dto.DocumentQuery{
		FilingID: strings.TrimSpace(c.Query("filing_id")),
		Page:     intQuery(c, "page"),
		PageSize: intQuery(c, "page_size"),
	}
	if category := c.Query("category"); category != "" {
		query.Category = models.DocumentCategory(strings.ToUpper(strings.TrimSpace(category)))
	}
	if rawStatus := c.Query("status"); rawStatus != "" {
		parts := strings.Split(rawStatus, ",")
		statuses := make([]models.DocumentStatus, 0, len(parts))
		for _, part := range parts {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			statuses = append(statuses, models.DocumentStatus(part))
		}
		query.Status = statuses
	}
	return query
}
