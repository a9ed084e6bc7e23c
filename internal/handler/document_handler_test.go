package handler

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taxdesk/taxdesk-api/internal/dto"
	"github.com/taxdesk/taxdesk-api/internal/middleware"
	"github.com/taxdesk/taxdesk-api/internal/models"
	"github.com/taxdesk/taxdesk-api/internal/service"
	appErrors "github.com/taxdesk/taxdesk-api/pkg/errors"
)

type documentServiceMock struct {
	uploadResp   *models.Document
	uploadErr    error
	resolveResp  *service.DocumentStream
	resolveErr   error
	lastUpload   service.DocumentUpload
	lastCategory models.DocumentCategory
	uploadCalled bool
}

func (m *documentServiceMock) Upload(ctx context.Context, req dto.UploadDocumentRequest, upload service.DocumentUpload, actor *models.JWTClaims) (*models.Document, error) {
	m.uploadCalled = true
	m.lastUpload = upload
	m.lastCategory = req.Category
	return m.uploadResp, m.uploadErr
}

func (m *documentServiceMock) Reupload(ctx context.Context, documentID string, upload service.DocumentUpload, actor *models.JWTClaims) (*models.Document, error) {
	return m.uploadResp, m.uploadErr
}

func (m *documentServiceMock) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Document, error) {
	return m.uploadResp, m.uploadErr
}

func (m *documentServiceMock) Versions(ctx context.Context, id string, actor *models.JWTClaims) ([]models.Document, error) {
	return nil, nil
}

func (m *documentServiceMock) ListMine(ctx context.Context, query dto.DocumentQuery, actor *models.JWTClaims) ([]models.DocumentRoot, error) {
	return nil, nil
}

func (m *documentServiceMock) ListForFiling(ctx context.Context, filingID string, actor *models.JWTClaims) ([]models.Document, error) {
	return nil, nil
}

func (m *documentServiceMock) ListAll(ctx context.Context, query dto.DocumentQuery, actor *models.JWTClaims) ([]models.Document, models.Pagination, error) {
	return nil, models.Pagination{}, nil
}

func (m *documentServiceMock) Delete(ctx context.Context, id string, actor *models.JWTClaims) error {
	return m.uploadErr
}

func (m *documentServiceMock) RequestAdditional(ctx context.Context, req dto.RequestDocumentRequest, actor *models.JWTClaims) error {
	return m.uploadErr
}

func (m *documentServiceMock) DownloadRef(ctx context.Context, id string, actor *models.JWTClaims) (*models.DocumentDownload, error) {
	return nil, m.uploadErr
}

func (m *documentServiceMock) Resolve(ctx context.Context, token string) (*service.DocumentStream, error) {
	return m.resolveResp, m.resolveErr
}

type reviewServiceMock struct {
	resp    *models.Document
	err     error
	lastReq dto.ReviewDocumentRequest
}

func (m *reviewServiceMock) Review(ctx context.Context, id string, req dto.ReviewDocumentRequest, actor *models.JWTClaims) (*models.Document, error) {
	m.lastReq = req
	return m.resp, m.err
}

func multipartUpload(t *testing.T, fields map[string]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestDocumentHandlerUpload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &documentServiceMock{
		uploadResp: &models.Document{ID: "doc-1", Version: 1, Status: models.DocumentStatusPending},
	}
	handler := NewDocumentHandler(mockSvc, nil, 0)

	body, contentType := multipartUpload(t, map[string]string{"category": "TIN_CERTIFICATE"}, "tin.pdf", []byte("%PDF-1.4 test"))
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	c.Request = req
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "customer-1", Role: models.RoleCustomer})

	handler.Upload(c)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, mockSvc.uploadCalled)
	assert.Equal(t, models.DocCategoryTINCertificate, mockSvc.lastCategory)
	assert.Equal(t, "tin.pdf", mockSvc.lastUpload.Filename)

	buf, err := io.ReadAll(mockSvc.lastUpload.Content)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4 test"), buf)
}

func TestDocumentHandlerUploadMissingFile(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &documentServiceMock{}
	handler := NewDocumentHandler(mockSvc, nil, 0)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.WriteField("category", "TIN_CERTIFICATE"))
	require.NoError(t, writer.Close())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.Request = req
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "customer-1", Role: models.RoleCustomer})

	handler.Upload(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, mockSvc.uploadCalled)
}

func TestDocumentHandlerUploadRejectsOversizedFile(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &documentServiceMock{}
	handler := NewDocumentHandler(mockSvc, nil, 64)

	body, contentType := multipartUpload(t, map[string]string{"category": "TIN_CERTIFICATE"}, "tin.pdf", bytes.Repeat([]byte("x"), 128))
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	c.Request = req
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "customer-1", Role: models.RoleCustomer})

	handler.Upload(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, mockSvc.uploadCalled)
}

func TestDocumentHandlerDownload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &documentServiceMock{
		resolveResp: &service.DocumentStream{
			Content:   io.NopCloser(bytes.NewReader([]byte("%PDF-1.4 payload"))),
			FileName:  "tin.pdf",
			MimeType:  "application/pdf",
			SizeBytes: 16,
		},
	}
	handler := NewDocumentHandler(mockSvc, nil, 0)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/documents/download?token=signed-token", nil)
	c.Request = req

	handler.Download(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "%PDF-1.4 payload", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "tin.pdf")
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestDocumentHandlerDownloadMissingToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewDocumentHandler(&documentServiceMock{}, nil, 0)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/documents/download", nil)
	c.Request = req

	handler.Download(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDocumentHandlerDownloadExpiredToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &documentServiceMock{
		resolveErr: appErrors.Clone(appErrors.ErrUnauthorized, "download link expired"),
	}
	handler := NewDocumentHandler(mockSvc, nil, 0)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/documents/download?token=stale", nil)
	c.Request = req

	handler.Download(c)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDocumentHandlerReview(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reviews := &reviewServiceMock{
		resp: &models.Document{ID: "doc-1", Status: models.DocumentStatusAccepted},
	}
	handler := NewDocumentHandler(&documentServiceMock{}, reviews, 0)

	w := httptest.NewRecorder()
	c := staffTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/documents/doc-1/review", bytes.NewBufferString(`{"status":"ACCEPTED"}`))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "doc-1"}}

	handler.Review(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.DocumentStatusAccepted, reviews.lastReq.Status)
}

func TestDocumentHandlerReviewConflict(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reviews := &reviewServiceMock{
		err: appErrors.Clone(appErrors.ErrConflict, "document version has already been reviewed"),
	}
	handler := NewDocumentHandler(&documentServiceMock{}, reviews, 0)

	w := httptest.NewRecorder()
	c := staffTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/documents/doc-1/review", bytes.NewBufferString(`{"status":"REJECTED","rejection_note":"scan is unreadable"}`))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "doc-1"}}

	handler.Review(c)
	require.Equal(t, http.StatusConflict, w.Code)
}
