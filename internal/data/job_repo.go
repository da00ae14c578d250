package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jobtrackd/jobtrackd/internal/core"
	"github.com/jobtrackd/jobtrackd/internal/data/pgxutil"
	"github.com/jobtrackd/jobtrackd/internal/domain/model"
)

// JobRepo provides database operations for job records.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// JobRepoConfig holds optional configuration for the job repository.
type JobRepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg JobRepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &JobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  id,
  name,
  status,
  progress,
  tags,
  metadata,
  ttl_ms,
  error,
  completed_at,
  created_at,
  updated_at
`

// Insert creates a new job record. The repository assigns the id and
// server-side timestamps; a request creating the job directly in completed
// status gets completed_at stamped as well.
func (r *JobRepo) Insert(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.timeProvider.Now().UTC()
	status := model.JobStatusPending
	if req.Status != nil {
		status = *req.Status
	}
	progress := 0.0
	if req.Progress != nil {
		progress = *req.Progress
	}
	var completedAt *time.Time
	if status == model.JobStatusCompleted {
		completedAt = &now
	}
	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}
	meta := req.Metadata
	if meta == nil {
		meta = map[string]string{}
	}

	query := `
		INSERT INTO jobs (id, name, status, progress, tags, metadata, ttl_ms, error, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, $8, $9, $9)
		RETURNING ` + jobColumns

	var job model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qErr := conn.Query(ctx, query,
			uuid.NewString(), req.Name, status, progress, tags, meta, req.TTL, completedAt, now)
		if qErr != nil {
			return qErr
		}
		defer rows.Close()
		job, qErr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Job])
		return qErr
	})
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	return &job, nil
}

// GetByID retrieves a job by its id.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	var job model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qErr := conn.Query(ctx, query, id)
		if qErr != nil {
			return qErr
		}
		defer rows.Close()
		job, qErr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Job])
		return qErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job by id: %w", err)
	}

	return &job, nil
}

// Update applies the non-nil fields to the job row and returns the updated record.
func (r *JobRepo) Update(ctx context.Context, id string, fields core.UpdateJobFields) (*model.Job, error) {
	set, args := buildJobUpdateSet(fields)
	args = append(args, id)

	query := fmt.Sprintf(
		`UPDATE jobs SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(set, ", "), len(args), jobColumns,
	)

	var job model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qErr := conn.Query(ctx, query, args...)
		if qErr != nil {
			return qErr
		}
		defer rows.Close()
		job, qErr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Job])
		return qErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("update job: %w", err)
	}

	return &job, nil
}

// buildJobUpdateSet builds the SET clause for Update from the non-nil fields.
func buildJobUpdateSet(fields core.UpdateJobFields) ([]string, []any) {
	set := make([]string, 0, 8)
	args := make([]any, 0, 8)

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if fields.Name != nil {
		add("name", *fields.Name)
	}
	if fields.Status != nil {
		add("status", *fields.Status)
	}
	if fields.Progress != nil {
		add("progress", *fields.Progress)
	}
	if fields.Tags != nil {
		add("tags", fields.Tags)
	}
	if fields.Metadata != nil {
		add("metadata", fields.Metadata)
	}
	if fields.Error != nil {
		add("error", *fields.Error)
	}
	if fields.CompletedAt != nil {
		add("completed_at", *fields.CompletedAt)
	}
	add("updated_at", fields.UpdatedAt.UTC())

	return set, args
}

// Delete removes a job by id and returns the number of rows removed.
func (r *JobRepo) Delete(ctx context.Context, id string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("delete job: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete job rows affected: %w", err)
	}
	return count, nil
}

// List returns jobs matching the filter options plus the total match count.
func (r *JobRepo) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, int, error) {
	where, args := buildJobListWhere(opts)

	countQuery := `SELECT COUNT(*) FROM jobs` + where
	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + where +
		` ORDER BY ` + jobSortColumn(opts.SortBy) + ` ` + jobSortDir(opts.SortDir)

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var jobs []*model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qErr := conn.Query(ctx, query, args...)
		if qErr != nil {
			return qErr
		}
		defer rows.Close()
		jobs, qErr = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Job])
		return qErr
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}

	return jobs, total, nil
}

func buildJobListWhere(opts model.JobListOptions) (string, []any) {
	var clauses []string
	var args []any

	if opts.Status != nil {
		args = append(args, *opts.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if opts.Tag != nil {
		args = append(args, *opts.Tag)
		clauses = append(clauses, fmt.Sprintf("$%d = ANY(tags)", len(args)))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// jobSortColumn whitelists sortable columns to keep the query injection-safe.
func jobSortColumn(sortBy string) string {
	switch sortBy {
	case "name", "progress", "updated_at", "created_at":
		return sortBy
	default:
		return "created_at"
	}
}

func jobSortDir(dir string) string {
	if strings.EqualFold(dir, "asc") {
		return "ASC"
	}
	return "DESC"
}

// ListExpired returns jobs whose ttl has elapsed relative to now. Jobs
// without a ttl never match regardless of age.
func (r *JobRepo) ListExpired(ctx context.Context, now time.Time) ([]*model.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE ttl_ms IS NOT NULL
		  AND ttl_ms > 0
		  AND created_at + (ttl_ms * interval '1 millisecond') < $1`

	var jobs []*model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qErr := conn.Query(ctx, query, now.UTC())
		if qErr != nil {
			return qErr
		}
		defer rows.Close()
		jobs, qErr = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Job])
		return qErr
	})
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}

	return jobs, nil
}

// DeleteBatch removes the given jobs in one statement and returns the count removed.
func (r *JobRepo) DeleteBatch(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var count int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		tag, execErr := conn.Exec(ctx, `DELETE FROM jobs WHERE id = ANY($1)`, ids)
		if execErr != nil {
			return execErr
		}
		count = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete jobs batch: %w", err)
	}

	if count > 0 && r.logger != nil {
		r.logger.DebugContext(ctx, "deleted job batch", "count", count)
	}
	return count, nil
}
