package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taxdesk/taxdesk-api/internal/dto"
	"github.com/taxdesk/taxdesk-api/internal/models"
	appErrors "github.com/taxdesk/taxdesk-api/pkg/errors"
	"github.com/taxdesk/taxdesk-api/pkg/storage"
)

type documentStore interface {
	Create(ctx context.Context, doc *models.Document, audit *models.AuditLog) error
	GetByID(ctx context.Context, id string) (*models.Document, error)
	ChainLatest(ctx context.Context, chainRootID string) (*models.Document, error)
	ChainVersions(ctx context.Context, chainRootID string) ([]models.Document, error)
	ListRoots(ctx context.Context, filter models.DocumentFilter) ([]models.DocumentRoot, error)
	ListByFiling(ctx context.Context, filingID string) ([]models.Document, error)
	List(ctx context.Context, filter models.DocumentFilter) ([]models.Document, int, error)
	SoftDeleteChain(ctx context.Context, chainRootID string, audit *models.AuditLog) error
}

type documentFilingLookup interface {
	GetByID(ctx context.Context, id string) (*models.Filing, error)
}

type documentNotifier interface {
	DocumentRequested(event models.DocumentRequestedEvent)
}

type documentSigner interface {
	Generate(documentID, blobKey string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (documentID, blobKey string, expiresAt time.Time, err error)
}

// DocumentUpload carries upload metadata and the stream reader.
type DocumentUpload struct {
	Filename string
	Size     int64
	MimeType string
	Content  io.ReadSeeker
}

// DocumentStream bundles a blob reader with metadata for streaming.
type DocumentStream struct {
	Content   io.ReadCloser
	FileName  string
	MimeType  string
	SizeBytes int64
}

// DocumentServiceConfig holds upload validation parameters.
type DocumentServiceConfig struct {
	MaxFileSize  int64
	AllowedMIMEs []string
	DownloadPath string
}

// DocumentService manages document version chains: uploads, re-uploads,
// listings, downloads and soft deletion. Blobs are written before the
// metadata row commits; an orphaned blob is garbage, a row without a blob
// would be a broken promise.
type DocumentService struct {
	repo     documentStore
	filings  documentFilingLookup
	blobs    storage.BlobStore
	signer   documentSigner
	notifier documentNotifier
	metrics  *MetricsService
	logger   *zap.Logger
	cfg      DocumentServiceConfig
	mimeSet  map[string]struct{}
}

// NewDocumentService constructs the service with validation defaults.
func NewDocumentService(repo documentStore, filings documentFilingLookup, blobs storage.BlobStore, signer documentSigner, notifier documentNotifier, logger *zap.Logger, cfg DocumentServiceConfig) *DocumentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 10 * 1024 * 1024
	}
	if len(cfg.AllowedMIMEs) == 0 {
		cfg.AllowedMIMEs = []string{
			"application/pdf",
			"image/jpeg",
			"image/png",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		}
	}
	if cfg.DownloadPath == "" {
		cfg.DownloadPath = "/api/v1/documents/download"
	}
	mimeSet := make(map[string]struct{}, len(cfg.AllowedMIMEs))
	for _, mt := range cfg.AllowedMIMEs {
		mimeSet[strings.ToLower(mt)] = struct{}{}
	}
	return &DocumentService{
		repo:     repo,
		filings:  filings,
		blobs:    blobs,
		signer:   signer,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		mimeSet:  mimeSet,
	}
}

// SetMetrics attaches Prometheus instrumentation. Optional.
func (s *DocumentService) SetMetrics(metrics *MetricsService) {
	s.metrics = metrics
}

// Upload stores a new version-1 document for the acting user.
func (s *DocumentService) Upload(ctx context.Context, req dto.UploadDocumentRequest, upload DocumentUpload, actor *models.JWTClaims) (*models.Document, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !req.Category.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown category: %s", req.Category))
	}

	ownerID := actor.UserID
	if req.FilingID != nil {
		filing, err := s.filings.GetByID(ctx, *req.FilingID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrValidation, "filing not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load filing")
		}
		if !actor.Role.IsStaff() && filing.OwnerUserID != actor.UserID {
			return nil, appErrors.ErrForbidden
		}
		ownerID = filing.OwnerUserID
	}

	mimeType, err := s.validateUpload(upload)
	if err != nil {
		return nil, err
	}

	doc := &models.Document{
		OwnerUserID: ownerID,
		FilingID:    req.FilingID,
		Category:    req.Category,
		FileName:    filepath.Base(upload.Filename),
		MimeType:    mimeType,
		Version:     1,
	}
	if err := s.persist(ctx, doc, upload, actor, models.AuditActionDocumentUpload); err != nil {
		return nil, err
	}
	s.logger.Info("document uploaded",
		zap.String("document_id", doc.ID),
		zap.String("owner", doc.OwnerUserID),
		zap.String("category", string(doc.Category)))
	return doc, nil
}

// Reupload pushes a replacement version onto an existing chain. Only
// chains whose latest version was rejected or flagged for re-upload
// accept replacements.
func (s *DocumentService) Reupload(ctx context.Context, documentID string, upload DocumentUpload, actor *models.JWTClaims) (*models.Document, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	existing, err := s.loadDocument(ctx, documentID, actor)
	if err != nil {
		return nil, err
	}
	latest, err := s.repo.ChainLatest(ctx, existing.ChainRootID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load latest version")
	}
	if !latest.Status.AllowsReupload() {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("latest version is %s, only rejected documents accept a replacement", latest.Status))
	}

	mimeType, err := s.validateUpload(upload)
	if err != nil {
		return nil, err
	}

	doc := &models.Document{
		OwnerUserID: latest.OwnerUserID,
		FilingID:    latest.FilingID,
		Category:    latest.Category,
		FileName:    filepath.Base(upload.Filename),
		MimeType:    mimeType,
		Version:     latest.Version + 1,
		ChainRootID: latest.ChainRootID,
	}
	if err := s.persist(ctx, doc, upload, actor, models.AuditActionDocumentReupload); err != nil {
		return nil, err
	}
	s.logger.Info("document reuploaded",
		zap.String("document_id", doc.ID),
		zap.String("chain_root_id", doc.ChainRootID),
		zap.Int("version", doc.Version))
	return doc, nil
}

// Get returns a single live document version.
func (s *DocumentService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Document, error) {
	return s.loadDocument(ctx, id, actor)
}

// Versions returns every live version of a chain, oldest first.
func (s *DocumentService) Versions(ctx context.Context, id string, actor *models.JWTClaims) ([]models.Document, error) {
	doc, err := s.loadDocument(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	versions, err := s.repo.ChainVersions(ctx, doc.ChainRootID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list versions")
	}
	return versions, nil
}

// ListMine returns the caller's chain roots with per-chain state.
func (s *DocumentService) ListMine(ctx context.Context, query dto.DocumentQuery, actor *models.JWTClaims) ([]models.DocumentRoot, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	page, pageSize := normalizePage(query.Page, query.PageSize)
	roots, err := s.repo.ListRoots(ctx, models.DocumentFilter{
		OwnerUserID: actor.UserID,
		FilingID:    query.FilingID,
		Category:    query.Category,
		Limit:       pageSize,
		Offset:      (page - 1) * pageSize,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list documents")
	}
	return roots, nil
}

// ListForFiling returns every live version attached to a filing.
func (s *DocumentService) ListForFiling(ctx context.Context, filingID string, actor *models.JWTClaims) ([]models.Document, error) {
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
	docs, err := s.repo.ListByFiling(ctx, filingID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list filing documents")
	}
	return docs, nil
}

// ListAll returns documents across all users for staff review queues.
func (s *DocumentService) ListAll(ctx context.Context, query dto.DocumentQuery, actor *models.JWTClaims) ([]models.Document, models.Pagination, error) {
	if actor == nil {
		return nil, models.Pagination{}, appErrors.ErrUnauthorized
	}
	if !actor.Role.IsStaff() {
		return nil, models.Pagination{}, appErrors.ErrForbidden
	}
	page, pageSize := normalizePage(query.Page, query.PageSize)
	docs, total, err := s.repo.List(ctx, models.DocumentFilter{
		FilingID: query.FilingID,
		Category: query.Category,
		Status:   query.Status,
		Limit:    pageSize,
		Offset:   (page - 1) * pageSize,
	})
	if err != nil {
		return nil, models.Pagination{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list documents")
	}
	return docs, models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// Delete tombstones a whole chain. Chains whose latest version has been
// accepted are part of the filing record and cannot be removed.
func (s *DocumentService) Delete(ctx context.Context, id string, actor *models.JWTClaims) error {
	doc, err := s.loadDocument(ctx, id, actor)
	if err != nil {
		return err
	}
	latest, err := s.repo.ChainLatest(ctx, doc.ChainRootID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load latest version")
	}
	if latest.Status == models.DocumentStatusAccepted {
		return appErrors.Clone(appErrors.ErrForbidden, "accepted documents cannot be deleted")
	}

	audit := &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionDocumentDelete,
		Resource:   "document",
		ResourceID: &doc.ChainRootID,
	}
	if err := s.repo.SoftDeleteChain(ctx, doc.ChainRootID, audit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete document")
	}
	s.logger.Info("document chain deleted",
		zap.String("chain_root_id", doc.ChainRootID),
		zap.String("actor", actor.UserID))
	return nil
}

// RequestAdditional asks a user to provide another document.
func (s *DocumentService) RequestAdditional(ctx context.Context, req dto.RequestDocumentRequest, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if !actor.Role.IsStaff() {
		return appErrors.ErrForbidden
	}
	if !req.Category.Valid() {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown category: %s", req.Category))
	}
	if strings.TrimSpace(req.Note) == "" {
		return appErrors.Clone(appErrors.ErrValidation, "note is required")
	}
	if req.FilingID != nil {
		if _, err := s.filings.GetByID(ctx, *req.FilingID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrValidation, "filing not found")
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load filing")
		}
	}

	if s.notifier != nil {
		s.notifier.DocumentRequested(models.DocumentRequestedEvent{
			TargetUserID: req.UserID,
			Category:     req.Category,
			FilingID:     req.FilingID,
			Note:         req.Note,
			RequesterID:  actor.UserID,
		})
	}
	return nil
}

// DownloadRef issues a short-lived signed download reference.
func (s *DocumentService) DownloadRef(ctx context.Context, id string, actor *models.JWTClaims) (*models.DocumentDownload, error) {
	doc, err := s.loadDocument(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	token, expiresAt, err := s.signer.Generate(doc.ID, doc.StorageKey)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download")
	}
	return &models.DocumentDownload{
		DocumentID: doc.ID,
		FileName:   doc.FileName,
		MimeType:   doc.MimeType,
		URL:        s.cfg.DownloadPath + "?token=" + token,
		ExpiresAt:  expiresAt,
	}, nil
}

// Resolve exchanges a signed token for the underlying blob stream.
func (s *DocumentService) Resolve(ctx context.Context, token string) (*DocumentStream, error) {
	documentID, blobKey, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired download token")
	}
	doc, err := s.repo.GetByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load document")
	}
	if doc.StorageKey != blobKey {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "token does not match document")
	}
	content, err := s.blobs.Open(doc.StorageKey)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open stored file")
	}
	return &DocumentStream{
		Content:   content,
		FileName:  doc.FileName,
		MimeType:  doc.MimeType,
		SizeBytes: doc.FileSizeBytes,
	}, nil
}

// persist writes the blob first, then the metadata row; the blob is
// removed again if the row cannot commit.
func (s *DocumentService) persist(ctx context.Context, doc *models.Document, upload DocumentUpload, actor *models.JWTClaims, action string) error {
	doc.ID = uuid.NewString()
	if doc.Version == 1 {
		doc.ChainRootID = doc.ID
	}
	doc.Status = models.DocumentStatusPending
	doc.StorageKey = blobKeyFor(doc, upload.Filename)

	if _, err := upload.Content.Seek(0, io.SeekStart); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reset upload stream")
	}
	written, err := s.blobs.Put(doc.StorageKey, upload.Content)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store file")
	}
	doc.FileSizeBytes = written

	audit := &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     action,
		Resource:   "document",
		ResourceID: &doc.ID,
		NewValues: mustJSON(map[string]interface{}{
			"category": doc.Category,
			"version":  doc.Version,
			"filename": doc.FileName,
		}),
	}
	if err := s.repo.Create(ctx, doc, audit); err != nil {
		if cleanupErr := s.blobs.Delete(doc.StorageKey); cleanupErr != nil {
			s.logger.Warn("failed to remove orphaned blob",
				zap.String("key", doc.StorageKey), zap.Error(cleanupErr))
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save document")
	}
	s.metrics.RecordUpload(string(doc.Category))
	return nil
}

func (s *DocumentService) validateUpload(upload DocumentUpload) (string, error) {
	if upload.Content == nil {
		return "", appErrors.Clone(appErrors.ErrValidation, "file is required")
	}
	if upload.Size > s.cfg.MaxFileSize {
		return "", appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("file exceeds %d bytes limit", s.cfg.MaxFileSize))
	}

	header := make([]byte, 512)
	n, err := upload.Content.Read(header)
	if err != nil && err != io.EOF {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to inspect file")
	}
	if _, err := upload.Content.Seek(0, io.SeekStart); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reset upload stream")
	}
	if n == 0 {
		return "", appErrors.Clone(appErrors.ErrValidation, "empty file")
	}

	mimeType := upload.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(header[:n])
	}
	mimeType = strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))
	if _, allowed := s.mimeSet[mimeType]; !allowed {
		return "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("mime type %s not allowed", mimeType))
	}
	return mimeType, nil
}

func (s *DocumentService) loadDocument(ctx context.Context, id string, actor *models.JWTClaims) (*models.Document, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	doc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load document")
	}
	// Cross-owner access reads as NotFound so document ids cannot be
	// probed for existence.
	if !actor.Role.IsStaff() && doc.OwnerUserID != actor.UserID {
		return nil, appErrors.ErrNotFound
	}
	return doc, nil
}

// Keys partition by owner, filing and category so blobs stay browsable
// on disk; the document id keeps them collision-free.
func blobKeyFor(doc *models.Document, filename string) string {
	filing := "unassigned"
	if doc.FilingID != nil {
		filing = *doc.FilingID
	}
	ext := strings.ToLower(filepath.Ext(filename))
	return path.Join("documents", doc.OwnerUserID, filing, strings.ToLower(string(doc.Category)), doc.ID+ext)
}

func normalizePage(page, pageSize int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}
