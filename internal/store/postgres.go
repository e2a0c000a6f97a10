// Package store holds the Postgres implementation of the task store. Every
// attempt is one row of the tasks table; claims use FOR UPDATE SKIP LOCKED
// so concurrent workers never receive the same row.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/banyancomputer/banyan-core-sub001/internal/models"
	"github.com/banyancomputer/banyan-core-sub001/internal/task"
)

const taskColumns = `id, task_name, queue_name, unique_key, payload, current_attempt, maximum_attempts,
	state, original_task_id, scheduled_to_run_at, last_error, created_at, started_at, finished_at`

// inFlightPredicate matches the partial unique index on unique_key.
const inFlightPredicate = `unique_key IS NOT NULL AND state IN ('new', 'scheduled', 'retry', 'in_progress')`

// PostgresStore wraps pgxpool for task persistence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ task.Store     = (*PostgresStore)(nil)
	_ task.Reclaimer = (*PostgresStore)(nil)
)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", wrapErr(err))
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return wrapErr(s.pool.Ping(ctx))
}

func (s *PostgresStore) Enqueue(ctx context.Context, inst task.Instance) (string, bool, error) {
	created, err := insert(ctx, s.pool, inst)
	if err != nil {
		return "", false, err
	}
	if !created {
		return "", false, nil
	}
	return inst.ID, true, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// insert adds inst unless an in-flight row holds its unique key.
func insert(ctx context.Context, db execer, inst task.Instance) (bool, error) {
	tag, err := db.Exec(ctx, `
		INSERT INTO tasks (id, task_name, queue_name, unique_key, payload, current_attempt, maximum_attempts,
			state, original_task_id, scheduled_to_run_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (unique_key) WHERE `+inFlightPredicate+` DO NOTHING
	`, inst.ID, inst.TaskName, inst.QueueName, inst.UniqueKey, inst.Payload, inst.CurrentAttempt, inst.MaxAttempts,
		string(inst.State), inst.OriginalTaskID, inst.ScheduledToRunAt, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("insert task %s: %w", inst.TaskName, wrapErr(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Next(ctx context.Context, queue string, names []string) (*models.Task, error) {
	if len(names) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks SET state = $5, started_at = $4
		WHERE id = (
			SELECT id FROM tasks
			WHERE queue_name = $1
			  AND task_name = ANY($2)
			  AND state IN ('new', 'scheduled', 'retry')
			  AND scheduled_to_run_at <= $3
			ORDER BY scheduled_to_run_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns, queue, names, now, now, string(models.StateInProgress))
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next task on %s: %w", queue, err)
	}
	return &t, nil
}

func (s *PostgresStore) UpdateState(ctx context.Context, id string, state models.TaskState, lastError *string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return transition(ctx, tx, id, state, lastError)
	})
}

func (s *PostgresStore) Retry(ctx context.Context, id string, runAt time.Time) (newID string, created bool, err error) {
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		newID, created, err = retry(ctx, tx, id, runAt)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return newID, created, nil
}

func (s *PostgresStore) Fail(ctx context.Context, id string, kind task.ErrorKind, lastError string, runAt time.Time) (newID string, created bool, err error) {
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		newID, created, err = fail(ctx, tx, id, kind, lastError, runAt)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return newID, created, nil
}

func (s *PostgresStore) ScheduleNext(ctx context.Context, id string, at time.Time) (string, bool, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return "", false, err
	}
	inst, err := task.NextOccurrence(t).ScheduledAt(at).Build(time.Now())
	if err != nil {
		return "", false, err
	}
	return s.Enqueue(ctx, inst)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (models.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("%w: %s", task.ErrUnknownTask, id)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) Chain(ctx context.Context, originalID string) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE id = $1 OR original_task_id = $1
		ORDER BY current_attempt, created_at
	`, originalID)
	if err != nil {
		return nil, fmt.Errorf("query chain %s: %w", originalID, wrapErr(err))
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chain %s: %w", originalID, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chain %s: %w", originalID, wrapErr(err))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", task.ErrUnknownTask, originalID)
	}
	return out, nil
}

// Reclaim errors and retries rows claimed before startedBefore.
func (s *PostgresStore) Reclaim(ctx context.Context, startedBefore time.Time) (int, error) {
	var n int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id FROM tasks
			WHERE state = $1 AND started_at < $2
			ORDER BY started_at
			LIMIT 100
			FOR UPDATE SKIP LOCKED
		`, string(models.StateInProgress), startedBefore.UTC())
		if err != nil {
			return fmt.Errorf("query stale tasks: %w", wrapErr(err))
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("collect stale tasks: %w", wrapErr(err))
		}
		msg := "lease expired"
		for _, id := range ids {
			if _, _, err := fail(ctx, tx, id, task.Execution, msg, time.Now()); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", wrapErr(err))
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", wrapErr(err))
	}
	return nil
}

func lockTask(ctx context.Context, tx pgx.Tx, id string) (models.Task, error) {
	t, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("%w: %s", task.ErrUnknownTask, id)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("lock task %s: %w", id, err)
	}
	return t, nil
}

func transition(ctx context.Context, tx pgx.Tx, id string, state models.TaskState, lastError *string) error {
	t, err := lockTask(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := task.CheckTransition(id, t.State, state); err != nil {
		return err
	}
	var finishedAt *time.Time
	if state != models.StateInProgress {
		now := time.Now().UTC()
		finishedAt = &now
	}
	_, err = tx.Exec(ctx, `
		UPDATE tasks
		SET state = $2, last_error = COALESCE($3, last_error), finished_at = COALESCE($4, finished_at)
		WHERE id = $1
	`, id, string(state), lastError, finishedAt)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, wrapErr(err))
	}
	return nil
}

// fail records a failed attempt and resolves it to a successor or dead inside
// tx.
func fail(ctx context.Context, tx pgx.Tx, id string, kind task.ErrorKind, lastError string, runAt time.Time) (string, bool, error) {
	failed, retryable, err := task.FailureStates(kind)
	if err != nil {
		return "", false, err
	}
	if err := transition(ctx, tx, id, failed, &lastError); err != nil {
		return "", false, err
	}
	if !retryable {
		return "", false, transition(ctx, tx, id, models.StateDead, nil)
	}
	return retry(ctx, tx, id, runAt)
}

func retry(ctx context.Context, tx pgx.Tx, id string, runAt time.Time) (string, bool, error) {
	t, err := lockTask(ctx, tx, id)
	if err != nil {
		return "", false, err
	}
	if t.State != models.StateError && t.State != models.StatePanicked {
		return "", false, fmt.Errorf("%w: %s is %s", task.ErrNotRetryable, id, t.State)
	}
	if !t.AttemptsRemaining() {
		return "", false, transition(ctx, tx, id, models.StateDead, nil)
	}
	inst, err := task.FromTask(t).ScheduledAt(runAt).Build(time.Now())
	if err != nil {
		return "", false, err
	}
	created, err := insert(ctx, tx, inst)
	if err != nil {
		return "", false, err
	}
	if !created {
		// A fresh enqueue took the unique key; this chain is superseded.
		return "", false, transition(ctx, tx, id, models.StateDead, nil)
	}
	return inst.ID, true, nil
}

func scanTask(row pgx.Row) (models.Task, error) {
	var (
		t                     models.Task
		state                 string
		uniqueKey, original   pgtype.Text
		lastErr               pgtype.Text
		startedAt, finishedAt pgtype.Timestamptz
	)
	if err := row.Scan(&t.ID, &t.TaskName, &t.QueueName, &uniqueKey, &t.Payload, &t.CurrentAttempt, &t.MaxAttempts,
		&state, &original, &t.ScheduledToRunAt, &lastErr, &t.CreatedAt, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Task{}, err
		}
		return models.Task{}, fmt.Errorf("scan task: %w", wrapErr(err))
	}
	t.State = models.TaskState(state)
	t.UniqueKey = textPtr(uniqueKey)
	t.OriginalTaskID = textPtr(original)
	t.LastError = textPtr(lastErr)
	t.StartedAt = timePtr(startedAt)
	t.FinishedAt = timePtr(finishedAt)
	return t, nil
}

// wrapErr classifies driver errors into the task store taxonomy.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var (
		pgErr      *pgconn.PgError
		connectErr *pgconn.ConnectError
		netErr     net.Error
	)
	switch {
	case errors.As(err, &pgErr):
		return fmt.Errorf("%w: %s (%s)", task.ErrDatabase, pgErr.Message, pgErr.Code)
	case errors.As(err, &connectErr), errors.As(err, &netErr):
		return fmt.Errorf("%w: %v", task.ErrConnectionFailure, err)
	default:
		return fmt.Errorf("%w: %v", task.ErrDatabase, err)
	}
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
