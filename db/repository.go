package db

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Attempt is one row of upscale_attempts: the outcome of a single
// UpscaleFirst call.
type Attempt struct {
	ID            int64
	CorrelationID string
	PageURL       string
	ImageSrc      string
	Strategy      string // acquisition strategy that produced the pixels
	Mode          string
	Success       bool
	Kind          string // failure kind, empty on success
	Stage         string
	Message       string
	InputWidth    int
	InputHeight   int
	OutputWidth   int
	OutputHeight  int
	Duration      time.Duration
	CreatedAt     time.Time
}

// KindCount is one row of CountByKind.
type KindCount struct {
	Kind  string
	Count int64
}

// Repository reads and writes attempt history. Inserts go through the
// async writer when one is started and fall back to a synchronous write
// when its buffer is full.
type Repository struct {
	db          *Database
	asyncWriter *AsyncWriter
}

// NewRepository returns a repository on database. asyncWriter may be nil.
func NewRepository(database *Database, asyncWriter *AsyncWriter) *Repository {
	return &Repository{db: database, asyncWriter: asyncWriter}
}

const insertAttemptQuery = `
	INSERT INTO upscale_attempts (
		correlation_id, page_url, image_src, strategy, mode,
		success, kind, stage, message,
		input_width, input_height, output_width, output_height,
		duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type asyncInsertOp struct {
	query string
	args  []any
}

// InsertAttempt stores a. It returns the row id, or 0 when the write was
// queued. A zero CreatedAt is set to now.
func (r *Repository) InsertAttempt(ctx context.Context, a Attempt) (int64, error) {
	if r.db == nil {
		return 0, errors.New("database connection is nil")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	args := []any{
		a.CorrelationID, a.PageURL, a.ImageSrc, a.Strategy, a.Mode,
		a.Success, a.Kind, a.Stage, a.Message,
		a.InputWidth, a.InputHeight, a.OutputWidth, a.OutputHeight,
		a.Duration.Milliseconds(), a.CreatedAt.UnixMilli(),
	}

	if r.asyncWriter != nil && r.asyncWriter.IsStarted() {
		if r.asyncWriter.Write(asyncInsertOp{query: insertAttemptQuery, args: args}) {
			return 0, nil
		}
	}

	res, err := r.db.ExecContext(ctx, insertAttemptQuery, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert attempt: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return id, nil
}

// AsyncWriteHandler returns the handler an AsyncWriter needs to apply this
// repository's queued inserts.
func (r *Repository) AsyncWriteHandler() WriteHandler {
	return func(op WriteOperation) error {
		insert, ok := op.Data.(asyncInsertOp)
		if !ok {
			return fmt.Errorf("invalid operation type %T", op.Data)
		}
		_, err := r.db.ExecContext(context.Background(), insert.query, insert.args...)
		return err
	}
}

const selectAttemptColumns = `
	SELECT id, correlation_id, page_url, image_src, strategy, mode,
		success, kind, stage, message,
		input_width, input_height, output_width, output_height,
		duration_ms, created_at
	FROM upscale_attempts`

// RecentAttempts returns up to limit attempts, newest first. A
// non-positive limit means 10.
func (r *Repository) RecentAttempts(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 10
	}
	return r.queryAttempts(ctx, selectAttemptColumns+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

// AttemptsByCorrelationID returns attempts carrying id.
func (r *Repository) AttemptsByCorrelationID(ctx context.Context, id string) ([]Attempt, error) {
	return r.queryAttempts(ctx, selectAttemptColumns+` WHERE correlation_id = ? ORDER BY created_at DESC, id DESC`, id)
}

func (r *Repository) queryAttempts(ctx context.Context, query string, args ...any) ([]Attempt, error) {
	if r.db == nil {
		return nil, errors.New("database connection is nil")
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var durationMS, createdAt int64
		if err := rows.Scan(
			&a.ID, &a.CorrelationID, &a.PageURL, &a.ImageSrc, &a.Strategy, &a.Mode,
			&a.Success, &a.Kind, &a.Stage, &a.Message,
			&a.InputWidth, &a.InputHeight, &a.OutputWidth, &a.OutputHeight,
			&durationMS, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan attempt row: %w", err)
		}
		a.Duration = time.Duration(durationMS) * time.Millisecond
		a.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempt rows: %w", err)
	}
	return out, nil
}

// CountAttempts returns the number of stored attempts.
func (r *Repository) CountAttempts(ctx context.Context) (int64, error) {
	if r.db == nil {
		return 0, errors.New("database connection is nil")
	}
	rows, err := r.db.QueryContext(ctx, "SELECT COUNT(*) FROM upscale_attempts")
	if err != nil {
		return 0, fmt.Errorf("failed to count attempts: %w", err)
	}
	defer rows.Close()

	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to count attempts: %w", err)
		}
	}
	return n, rows.Err()
}

// CountByKind groups attempts by outcome. Successes are reported under
// the kind "success".
func (r *Repository) CountByKind(ctx context.Context) ([]KindCount, error) {
	if r.db == nil {
		return nil, errors.New("database connection is nil")
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT CASE WHEN success = 1 THEN 'success' ELSE kind END AS outcome, COUNT(*)
		FROM upscale_attempts
		GROUP BY outcome
		ORDER BY COUNT(*) DESC, outcome`)
	if err != nil {
		return nil, fmt.Errorf("failed to count attempts by kind: %w", err)
	}
	defer rows.Close()

	var out []KindCount
	for rows.Next() {
		var kc KindCount
		if err := rows.Scan(&kc.Kind, &kc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan kind count: %w", err)
		}
		out = append(out, kc)
	}
	return out, rows.Err()
}
