package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/taxdesk/taxdesk-api/internal/models"
)

// ErrDuplicateFiling marks a unique constraint violation on (owner, year).
var ErrDuplicateFiling = errors.New("filing already exists for assessment year")

const filingColumns = `id, owner_user_id, assessment_year, service_type, status, held_from_status,
       advisor_user_id, total_income, tax_payable, tax_paid, refund_amount, deadline,
       internal_notes, filed_at, acknowledged_at, created_at, updated_at`

// FilingRepository persists filings and their status history.
type FilingRepository struct {
	db *sqlx.DB
}

// NewFilingRepository constructs the repository.
func NewFilingRepository(db *sqlx.DB) *FilingRepository {
	return &FilingRepository{db: db}
}

// Create inserts the filing and its creation-time self-transition log row in
// one transaction. Duplicate (owner, year) pairs surface as
// ErrDuplicateFiling via the DB unique constraint, never a read-then-write.
func (r *FilingRepository) Create(ctx context.Context, filing *models.Filing, audit *models.AuditLog) error {
	if filing.ID == "" {
		filing.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if filing.CreatedAt.IsZero() {
		filing.CreatedAt = now
	}
	filing.UpdatedAt = filing.CreatedAt
	if filing.Status == "" {
		filing.Status = models.FilingStatusInitiated
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create filing: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const insert = `INSERT INTO filings
	(id, owner_user_id, assessment_year, service_type, status, created_at, updated_at)
	VALUES (:id, :owner_user_id, :assessment_year, :service_type, :status, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, insert, filing); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateFiling
		}
		return fmt.Errorf("create filing: %w", err)
	}

	if err := insertStatusLog(ctx, tx, &models.FilingStatusLog{
		FilingID:        filing.ID,
		FromStatus:      filing.Status,
		ToStatus:        filing.Status,
		ChangedByUserID: filing.OwnerUserID,
	}); err != nil {
		return err
	}

	if audit != nil {
		if err := insertAuditLog(ctx, tx, audit); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetByID fetches a filing by identifier.
func (r *FilingRepository) GetByID(ctx context.Context, id string) (*models.Filing, error) {
	query := `SELECT ` + filingColumns + ` FROM filings WHERE id = $1`
	var filing models.Filing
	if err := r.db.GetContext(ctx, &filing, query, id); err != nil {
		return nil, err
	}
	return &filing, nil
}

// List returns filings matching the filter, newest first, plus a total count.
func (r *FilingRepository) List(ctx context.Context, filter models.FilingFilter) ([]models.Filing, int, error) {
	args := make([]interface{}, 0, 6)
	conditions := make([]string, 0, 5)

	if filter.OwnerUserID != "" {
		args = append(args, filter.OwnerUserID)
		conditions = append(conditions, fmt.Sprintf("owner_user_id = $%d", len(args)))
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.AssessmentYear != "" {
		args = append(args, filter.AssessmentYear)
		conditions = append(conditions, fmt.Sprintf("assessment_year = $%d", len(args)))
	}
	if filter.ServiceType != "" {
		args = append(args, filter.ServiceType)
		conditions = append(conditions, fmt.Sprintf("service_type = $%d", len(args)))
	}
	if filter.AdvisorUserID != "" {
		args = append(args, filter.AdvisorUserID)
		conditions = append(conditions, fmt.Sprintf("advisor_user_id = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM filings"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count filings: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + filingColumns + ` FROM filings` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", limit, offset)

	var filings []models.Filing
	if err := r.db.SelectContext(ctx, &filings, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list filings: %w", err)
	}
	return filings, total, nil
}

// ListStatusLog returns the complete transition history, oldest first.
func (r *FilingRepository) ListStatusLog(ctx context.Context, filingID string) ([]models.FilingStatusLog, error) {
	const query = `SELECT id, filing_id, from_status, to_status, changed_by_user_id, note, created_at
	FROM filing_status_logs WHERE filing_id = $1 ORDER BY created_at ASC`
	var logs []models.FilingStatusLog
	if err := r.db.SelectContext(ctx, &logs, query, filingID); err != nil {
		return nil, fmt.Errorf("list status log: %w", err)
	}
	return logs, nil
}

// TransitionParams groups the inputs of one status change.
type TransitionParams struct {
	FilingID string
	From     models.FilingStatus
	To       models.FilingStatus
	ActorID  string
	Note     *string
	Audit    *models.AuditLog
}

// Transition atomically commits the {filing update, status-log append,
// audit append} triad. The update is conditional on the expected current
// status; sql.ErrNoRows signals a concurrent change.
func (r *FilingRepository) Transition(ctx context.Context, params TransitionParams) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	setParts := []string{"status = $1", "updated_at = $2"}
	args := []interface{}{params.To, now}

	switch {
	case params.To == models.FilingStatusOnHold:
		args = append(args, params.From)
		setParts = append(setParts, fmt.Sprintf("held_from_status = $%d", len(args)))
	case params.From == models.FilingStatusOnHold:
		setParts = append(setParts, "held_from_status = NULL")
	}
	if params.To == models.FilingStatusEFiled {
		args = append(args, now)
		setParts = append(setParts, fmt.Sprintf("filed_at = COALESCE(filed_at, $%d)", len(args)))
	}
	if params.To == models.FilingStatusAcknowledged {
		args = append(args, now)
		setParts = append(setParts, fmt.Sprintf("acknowledged_at = COALESCE(acknowledged_at, $%d)", len(args)))
	}

	args = append(args, params.FilingID)
	idArg := len(args)
	args = append(args, params.From)
	query := fmt.Sprintf("UPDATE filings SET %s WHERE id = $%d AND status = $%d",
		strings.Join(setParts, ", "), idArg, len(args))

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update filing status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check filing update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}

	if err := insertStatusLog(ctx, tx, &models.FilingStatusLog{
		FilingID:        params.FilingID,
		FromStatus:      params.From,
		ToStatus:        params.To,
		ChangedByUserID: params.ActorID,
		Note:            params.Note,
	}); err != nil {
		return err
	}

	if params.Audit != nil {
		if err := insertAuditLog(ctx, tx, params.Audit); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// AssignAdvisor stores the advisor reference.
func (r *FilingRepository) AssignAdvisor(ctx context.Context, filingID, advisorUserID string) error {
	const query = `UPDATE filings SET advisor_user_id = $1, updated_at = $2 WHERE id = $3`
	result, err := r.db.ExecContext(ctx, query, advisorUserID, time.Now().UTC(), filingID)
	if err != nil {
		return fmt.Errorf("assign advisor: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check assign advisor rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// FinancialsParams lists the optional financial columns; nil fields are
// left untouched.
type FinancialsParams struct {
	TotalIncome   *string
	TaxPayable    *string
	TaxPaid       *string
	RefundAmount  *string
	Deadline      *time.Time
	InternalNotes *string
}

// UpdateFinancials partially updates financial fields without touching
// status or the log.
func (r *FilingRepository) UpdateFinancials(ctx context.Context, filingID string, params FinancialsParams) error {
	setParts := make([]string, 0, 7)
	args := make([]interface{}, 0, 8)

	add := func(column string, value interface{}) {
		args = append(args, value)
		setParts = append(setParts, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if params.TotalIncome != nil {
		add("total_income", *params.TotalIncome)
	}
	if params.TaxPayable != nil {
		add("tax_payable", *params.TaxPayable)
	}
	if params.TaxPaid != nil {
		add("tax_paid", *params.TaxPaid)
	}
	if params.RefundAmount != nil {
		add("refund_amount", *params.RefundAmount)
	}
	if params.Deadline != nil {
		add("deadline", *params.Deadline)
	}
	if params.InternalNotes != nil {
		add("internal_notes", *params.InternalNotes)
	}
	if len(setParts) == 0 {
		return nil
	}
	add("updated_at", time.Now().UTC())

	args = append(args, filingID)
	query := fmt.Sprintf("UPDATE filings SET %s WHERE id = $%d", strings.Join(setParts, ", "), len(args))
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update financials: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check financials rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Stats aggregates filing counts by status and service type.
func (r *FilingRepository) Stats(ctx context.Context) (*models.FilingStats, error) {
	var byStatus []models.StatusCount
	if err := r.db.SelectContext(ctx, &byStatus,
		`SELECT status, COUNT(*) AS count FROM filings GROUP BY status`); err != nil {
		return nil, fmt.Errorf("filing stats by status: %w", err)
	}
	var byType []models.ServiceTypeCount
	if err := r.db.SelectContext(ctx, &byType,
		`SELECT service_type, COUNT(*) AS count FROM filings GROUP BY service_type`); err != nil {
		return nil, fmt.Errorf("filing stats by type: %w", err)
	}

	stats := &models.FilingStats{
		ByStatus:      make(map[models.FilingStatus]int, len(byStatus)),
		ByServiceType: make(map[models.ServiceType]int, len(byType)),
	}
	for _, row := range byStatus {
		stats.ByStatus[row.Status] = row.Count
		stats.Total += row.Count
	}
	for _, row := range byType {
		stats.ByServiceType[row.ServiceType] = row.Count
	}
	return stats, nil
}

func insertStatusLog(ctx context.Context, ext sqlx.ExtContext, log *models.FilingStatusLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO filing_status_logs
	(id, filing_id, from_status, to_status, changed_by_user_id, note, created_at)
	VALUES (:id, :filing_id, :from_status, :to_status, :changed_by_user_id, :note, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, ext, query, log); err != nil {
		return fmt.Errorf("append status log: %w", err)
	}
	return nil
}
