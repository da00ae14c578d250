package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jobtrackd/jobtrackd/internal/data/pgxutil"
	"github.com/jobtrackd/jobtrackd/internal/domain/model"
)

// DeliveryRepo provides database operations for the append-only webhook
// delivery audit trail.
type DeliveryRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewDeliveryRepo creates a new DeliveryRepo.
func NewDeliveryRepo(db *sql.DB) *DeliveryRepo {
	return &DeliveryRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewDeliveryRepoWithTimeProvider creates a new DeliveryRepo with a custom time provider.
func NewDeliveryRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *DeliveryRepo {
	return &DeliveryRepo{
		DB:           db,
		timeProvider: tp,
	}
}

const deliveryColumns = `
  id,
  webhook_id,
  job_id,
  event_type,
  payload,
  status_code,
  response_body,
  error_message,
  retry_count,
  delivered_at,
  created_at
`

// Insert appends one delivery record. The record's ID and CreatedAt are
// assigned here when unset; records are never updated afterwards.
func (r *DeliveryRepo) Insert(ctx context.Context, record *model.DeliveryRecord) error {
	if record == nil {
		return ErrDeliveryRecordRequired
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.timeProvider.Now().UTC()
	}

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO delivery_records
			(id, webhook_id, job_id, event_type, payload, status_code, response_body, error_message, retry_count, delivered_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		record.ID, record.WebhookID, record.JobID, string(record.EventType),
		[]byte(record.Payload), record.StatusCode, record.ResponseBody,
		record.ErrorMessage, record.RetryCount, record.DeliveredAt, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert delivery record: %w", err)
	}
	return nil
}

// List returns delivery records with pagination, newest first.
func (r *DeliveryRepo) List(ctx context.Context, limit, offset int) ([]*model.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + deliveryColumns + `
		FROM delivery_records
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	var records []*model.DeliveryRecord
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qErr := conn.Query(ctx, query, limit, offset)
		if qErr != nil {
			return qErr
		}
		defer rows.Close()
		records, qErr = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.DeliveryRecord])
		return qErr
	})
	if err != nil {
		return nil, fmt.Errorf("list delivery records: %w", err)
	}

	return records, nil
}

// DeleteOlderThan removes up to batchSize records created before cutoff.
// Bounded batches keep lock times short; callers loop until zero rows.
func (r *DeliveryRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM delivery_records
		WHERE id IN (
			SELECT id FROM delivery_records
			WHERE created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale delivery records: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete stale delivery records rows affected: %w", err)
	}
	return count, nil
}
