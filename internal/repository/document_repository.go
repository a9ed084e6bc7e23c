package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/taxdesk/taxdesk-api/internal/models"
)

const documentColumns = `id, owner_user_id, filing_id, category, file_name, storage_key,
       file_size_bytes, mime_type, status, version, chain_root_id, rejection_note,
       reviewed_by_user_id, reviewed_at, deleted_at, created_at`

// DocumentRepository persists document version chains.
type DocumentRepository struct {
	db *sqlx.DB
}

// NewDocumentRepository constructs the repository.
func NewDocumentRepository(db *sqlx.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create inserts one document version. Version 1 rows stamp their own id as
// the chain root; later versions reuse the root handed in by the caller.
func (r *DocumentRepository) Create(ctx context.Context, doc *models.Document, audit *models.AuditLog) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Version <= 0 {
		doc.Version = 1
	}
	if doc.Version == 1 {
		doc.ChainRootID = doc.ID
	}
	if doc.Status == "" {
		doc.Status = models.DocumentStatusPending
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create document: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `INSERT INTO documents
	(id, owner_user_id, filing_id, category, file_name, storage_key, file_size_bytes,
	 mime_type, status, version, chain_root_id, created_at)
	VALUES (:id, :owner_user_id, :filing_id, :category, :file_name, :storage_key, :file_size_bytes,
	 :mime_type, :status, :version, :chain_root_id, :created_at)`
	if _, err := tx.NamedExecContext(ctx, query, doc); err != nil {
		return fmt.Errorf("create document: %w", err)
	}

	if audit != nil {
		if err := insertAuditLog(ctx, tx, audit); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetByID fetches a live (non-deleted) document version.
func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1 AND deleted_at IS NULL`
	var doc models.Document
	if err := r.db.GetContext(ctx, &doc, query, id); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ChainLatest returns the highest live version of a chain.
func (r *DocumentRepository) ChainLatest(ctx context.Context, chainRootID string) (*models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents
	WHERE chain_root_id = $1 AND deleted_at IS NULL ORDER BY version DESC LIMIT 1`
	var doc models.Document
	if err := r.db.GetContext(ctx, &doc, query, chainRootID); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ChainVersions returns every live version of a chain, oldest first.
func (r *DocumentRepository) ChainVersions(ctx context.Context, chainRootID string) ([]models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents
	WHERE chain_root_id = $1 AND deleted_at IS NULL ORDER BY version ASC`
	var docs []models.Document
	if err := r.db.SelectContext(ctx, &docs, query, chainRootID); err != nil {
		return nil, fmt.Errorf("list chain versions: %w", err)
	}
	return docs, nil
}

// ListRoots returns chain-root rows for an owner annotated with the version
// count and the chain's current (highest live version) status.
func (r *DocumentRepository) ListRoots(ctx context.Context, filter models.DocumentFilter) ([]models.DocumentRoot, error) {
	args := make([]interface{}, 0, 4)
	conditions := []string{"d.version = 1", "d.deleted_at IS NULL"}

	if filter.OwnerUserID != "" {
		args = append(args, filter.OwnerUserID)
		conditions = append(conditions, fmt.Sprintf("d.owner_user_id = $%d", len(args)))
	}
	if filter.FilingID != "" {
		args = append(args, filter.FilingID)
		conditions = append(conditions, fmt.Sprintf("d.filing_id = $%d", len(args)))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		conditions = append(conditions, fmt.Sprintf("d.category = $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + prefixColumns(documentColumns, "d") + `,
	 (SELECT COUNT(*) FROM documents v WHERE v.chain_root_id = d.chain_root_id AND v.deleted_at IS NULL) AS version_count,
	 (SELECT v.status FROM documents v WHERE v.chain_root_id = d.chain_root_id AND v.deleted_at IS NULL ORDER BY v.version DESC LIMIT 1) AS chain_status
	FROM documents d WHERE ` + strings.Join(conditions, " AND ") +
		fmt.Sprintf(" ORDER BY d.created_at DESC LIMIT %d OFFSET %d", limit, offset)

	var roots []models.DocumentRoot
	if err := r.db.SelectContext(ctx, &roots, query, args...); err != nil {
		return nil, fmt.Errorf("list document roots: %w", err)
	}
	return roots, nil
}

// ListByFiling returns every live version of every chain for a filing,
// grouped by chain and ascending version.
func (r *DocumentRepository) ListByFiling(ctx context.Context, filingID string) ([]models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents
	WHERE filing_id = $1 AND deleted_at IS NULL ORDER BY chain_root_id, version ASC`
	var docs []models.Document
	if err := r.db.SelectContext(ctx, &docs, query, filingID); err != nil {
		return nil, fmt.Errorf("list filing documents: %w", err)
	}
	return docs, nil
}

// List returns live versions matching the filter plus a total count
// (staff browsing).
func (r *DocumentRepository) List(ctx context.Context, filter models.DocumentFilter) ([]models.Document, int, error) {
	args := make([]interface{}, 0, 5)
	conditions := []string{"deleted_at IS NULL"}

	if filter.OwnerUserID != "" {
		args = append(args, filter.OwnerUserID)
		conditions = append(conditions, fmt.Sprintf("owner_user_id = $%d", len(args)))
	}
	if filter.FilingID != "" {
		args = append(args, filter.FilingID)
		conditions = append(conditions, fmt.Sprintf("filing_id = $%d", len(args)))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		conditions = append(conditions, fmt.Sprintf("category = $%d", len(args)))
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}

	where := " WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM documents"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + documentColumns + ` FROM documents` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", limit, offset)

	var docs []models.Document
	if err := r.db.SelectContext(ctx, &docs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}
	return docs, total, nil
}

// ReviewParams groups the columns a review decision writes.
type ReviewParams struct {
	ID            string
	Status        models.DocumentStatus
	RejectionNote *string
	ReviewerID    string
	ReviewedAt    time.Time
	Audit         *models.AuditLog
}

// Review applies a decision as a compare-and-swap conditioned on the version
// still being PENDING; sql.ErrNoRows means the precondition failed. The
// audit row commits in the same transaction.
func (r *DocumentRepository) Review(ctx context.Context, params ReviewParams) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin review: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := fmt.Sprintf(`UPDATE documents
	SET status = :status, rejection_note = :rejection_note,
	    reviewed_by_user_id = :reviewer_id, reviewed_at = :reviewed_at
	WHERE id = :id AND status = '%s' AND deleted_at IS NULL`, models.DocumentStatusPending)
	result, err := tx.NamedExecContext(ctx, query, map[string]interface{}{
		"id":             params.ID,
		"status":         params.Status,
		"rejection_note": params.RejectionNote,
		"reviewer_id":    params.ReviewerID,
		"reviewed_at":    params.ReviewedAt,
	})
	if err != nil {
		return fmt.Errorf("review document: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check review rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}

	if params.Audit != nil {
		if err := insertAuditLog(ctx, tx, params.Audit); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SoftDeleteChain tombstones every live version of a chain; blobs stay
// resolvable so historical audit entries keep their meaning.
func (r *DocumentRepository) SoftDeleteChain(ctx context.Context, chainRootID string, audit *models.AuditLog) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete chain: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `UPDATE documents SET deleted_at = $1 WHERE chain_root_id = $2 AND deleted_at IS NULL`
	result, err := tx.ExecContext(ctx, query, time.Now().UTC(), chainRootID)
	if err != nil {
		return fmt.Errorf("delete chain: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check delete rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}

	if audit != nil {
		if err := insertAuditLog(ctx, tx, audit); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func prefixColumns(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
