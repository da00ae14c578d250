package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jobtrackd/jobtrackd/internal/core"
	"github.com/jobtrackd/jobtrackd/internal/data/pgxutil"
	"github.com/jobtrackd/jobtrackd/internal/domain/model"
)

// WebhookRepo provides database operations for webhook registrations.
type WebhookRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewWebhookRepo creates a new WebhookRepo.
func NewWebhookRepo(db *sql.DB) *WebhookRepo {
	return &WebhookRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewWebhookRepoWithTimeProvider creates a new WebhookRepo with a custom time provider.
func NewWebhookRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *WebhookRepo {
	return &WebhookRepo{
		DB:           db,
		timeProvider: tp,
	}
}

const webhookColumns = `
  id,
  url,
  events,
  headers,
  body_template,
  is_active,
  last_triggered,
  retry_count,
  created_at,
  updated_at
`

// Insert registers a new webhook. Validation must have happened at the
// request layer; this maps unique-url violations to ErrWebhookURLExists.
func (r *WebhookRepo) Insert(ctx context.Context, req *model.CreateWebhookRequest) (*model.Webhook, error) {
	if req == nil {
		return nil, errors.New("create webhook request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.timeProvider.Now().UTC()
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	headers := req.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	query := `
		INSERT INTO webhooks (id, url, events, headers, body_template, is_active, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
		RETURNING ` + webhookColumns

	var hook model.Webhook
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qErr := conn.Query(ctx, query,
			uuid.NewString(), req.URL, eventStrings(req.Events), headers, req.BodyTemplate, active, now)
		if qErr != nil {
			return qErr
		}
		defer rows.Close()
		hook, qErr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Webhook])
		return qErr
	})
	if err != nil {
		return nil, fmt.Errorf("insert webhook: %w", mapWebhookWriteErr(err))
	}

	return &hook, nil
}

// GetByID retrieves a webhook by its id.
func (r *WebhookRepo) GetByID(ctx context.Context, id string) (*model.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE id = $1`

	var hook model.Webhook
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qErr := conn.Query(ctx, query, id)
		if qErr != nil {
			return qErr
		}
		defer rows.Close()
		hook, qErr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Webhook])
		return qErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWebhookNotFound
		}
		return nil, fmt.Errorf("get webhook by id: %w", err)
	}

	return &hook, nil
}

// Update applies the non-nil fields of the request and returns the updated webhook.
func (r *WebhookRepo) Update(ctx context.Context, id string, req *model.UpdateWebhookRequest) (*model.Webhook, error) {
	if req == nil {
		return nil, errors.New("update webhook request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	set := make([]string, 0, 6)
	args := make([]any, 0, 6)
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if req.URL != nil {
		add("url", *req.URL)
	}
	if req.Events != nil {
		add("events", eventStrings(req.Events))
	}
	if req.Headers != nil {
		add("headers", req.Headers)
	}
	if req.BodyTemplate != nil {
		add("body_template", *req.BodyTemplate)
	}
	if req.IsActive != nil {
		add("is_active", *req.IsActive)
	}
	add("updated_at", r.timeProvider.Now().UTC())
	args = append(args, id)

	query := fmt.Sprintf(
		`UPDATE webhooks SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(set, ", "), len(args), webhookColumns,
	)

	var hook model.Webhook
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qErr := conn.Query(ctx, query, args...)
		if qErr != nil {
			return qErr
		}
		defer rows.Close()
		hook, qErr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Webhook])
		return qErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWebhookNotFound
		}
		return nil, fmt.Errorf("update webhook: %w", mapWebhookWriteErr(err))
	}

	return &hook, nil
}

// Delete removes a webhook by id. Returns true if a row was removed.
func (r *WebhookRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete webhook: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete webhook rows affected: %w", err)
	}
	return count > 0, nil
}

// ListActiveForEvent returns active webhooks subscribed to the given event type.
func (r *WebhookRepo) ListActiveForEvent(ctx context.Context, event model.EventType) ([]*model.Webhook, error) {
	query := `
		SELECT ` + webhookColumns + `
		FROM webhooks
		WHERE is_active = true AND $1 = ANY(events)
		ORDER BY created_at ASC`

	var hooks []*model.Webhook
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qErr := conn.Query(ctx, query, string(event))
		if qErr != nil {
			return qErr
		}
		defer rows.Close()
		hooks, qErr = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Webhook])
		return qErr
	})
	if err != nil {
		return nil, fmt.Errorf("list active webhooks for event: %w", err)
	}

	return hooks, nil
}

// List returns webhooks with pagination, newest first.
func (r *WebhookRepo) List(ctx context.Context, limit, offset int) ([]*model.Webhook, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + webhookColumns + `
		FROM webhooks
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	var hooks []*model.Webhook
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qErr := conn.Query(ctx, query, limit, offset)
		if qErr != nil {
			return qErr
		}
		defer rows.Close()
		hooks, qErr = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Webhook])
		return qErr
	})
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}

	return hooks, nil
}

// MarkTriggered records a send-attempt initiation and accumulates the
// informational retry counter. Best-effort: callers log and continue on error.
func (r *WebhookRepo) MarkTriggered(ctx context.Context, params core.MarkTriggeredParams) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE webhooks
		SET last_triggered = $2, retry_count = retry_count + $3
		WHERE id = $1`,
		params.WebhookID, params.TriggeredAt.UTC(), params.Retries)
	if err != nil {
		return fmt.Errorf("mark webhook triggered: %w", err)
	}
	return nil
}

func eventStrings(events []model.EventType) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

// mapWebhookWriteErr converts postgres unique violations on the url index
// into the repository sentinel.
func mapWebhookWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return ErrWebhookURLExists
	}
	return err
}
