// Package queue holds the Redis implementation of the task store. Each task
// row is a hash; claimable rows are indexed per queue in a sorted set scored
// by their due time so a Lua script can claim the earliest eligible row
// atomically.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/banyancomputer/banyan-core-sub001/internal/config"
	"github.com/banyancomputer/banyan-core-sub001/internal/models"
	"github.com/banyancomputer/banyan-core-sub001/internal/task"
)

const watchRetries = 10

// RedisStore persists task rows in Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var (
	_ task.Store     = (*RedisStore)(nil)
	_ task.Reclaimer = (*RedisStore)(nil)
)

// NewRedisStore builds a store client from config.
func NewRedisStore(cfg config.Config) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisStoreWithClient(client, cfg.RedisKeyPrefix)
}

// NewRedisStoreWithClient wraps an existing client. Keys are namespaced
// under prefix.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "banyan:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return wrapErr(s.client.Ping(ctx).Err())
}

func (s *RedisStore) taskPrefix() string { return s.prefix + "task:" }

func (s *RedisStore) taskKey(id string) string { return s.taskPrefix() + id }

func (s *RedisStore) readyKey(queue string) string {
	return fmt.Sprintf("%squeue:%s:ready", s.prefix, queue)
}

// inProgressKey indexes claimed rows by claim time for Reclaim.
func (s *RedisStore) inProgressKey() string { return s.prefix + "inprogress" }

func (s *RedisStore) uniqueKey(key string) string { return s.prefix + "unique:" + key }

func (s *RedisStore) chainKey(originalID string) string { return s.prefix + "chain:" + originalID }

func (s *RedisStore) chainOf(inst task.Instance) string {
	if inst.OriginalTaskID != nil {
		return s.chainKey(*inst.OriginalTaskID)
	}
	return s.chainKey(inst.ID)
}

func (s *RedisStore) Enqueue(ctx context.Context, inst task.Instance) (string, bool, error) {
	keys := []string{s.taskKey(inst.ID), s.readyKey(inst.QueueName), s.chainOf(inst)}
	if inst.UniqueKey != nil {
		keys = append(keys, s.uniqueKey(*inst.UniqueKey))
	}
	args := append([]any{s.taskPrefix(), inst.ID, inst.ScheduledToRunAt.UnixMilli()}, encodeInstance(inst, time.Now())...)

	res, err := enqueueScript.Run(ctx, s.client, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s: %w", inst.TaskName, wrapErr(err))
	}
	id, ok := res.(string)
	if !ok {
		return "", false, fmt.Errorf("%w: unexpected type from enqueue script: %T", task.ErrDatabase, res)
	}
	return id, true, nil
}

func (s *RedisStore) Next(ctx context.Context, queue string, names []string) (*models.Task, error) {
	if len(names) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(names)+2)
	args = append(args, s.taskPrefix(), time.Now().UnixMilli())
	for _, n := range names {
		args = append(args, n)
	}
	res, err := claimScript.Run(ctx, s.client, []string{s.readyKey(queue), s.inProgressKey()}, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next task on %s: %w", queue, wrapErr(err))
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected type from claim script: %T", task.ErrDatabase, res)
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *RedisStore) UpdateState(ctx context.Context, id string, state models.TaskState, lastError *string) error {
	key := s.taskKey(id)
	return s.watch(ctx, func(tx *redis.Tx) error {
		t, err := s.read(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := task.CheckTransition(id, t.State, state); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.setState(ctx, pipe, t, state, lastError)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) setState(ctx context.Context, pipe redis.Pipeliner, t models.Task, state models.TaskState, lastError *string) {
	key := s.taskKey(t.ID)
	fields := []any{"state", string(state)}
	if lastError != nil {
		fields = append(fields, "last_error", *lastError)
	}
	if state != models.StateInProgress {
		fields = append(fields, "finished_at", time.Now().UnixMilli())
	}
	pipe.HSet(ctx, key, fields...)
	if !state.Claimable() {
		pipe.ZRem(ctx, s.readyKey(t.QueueName), t.ID)
	}
	if state != models.StateInProgress {
		pipe.ZRem(ctx, s.inProgressKey(), t.ID)
	}
}

func (s *RedisStore) Retry(ctx context.Context, id string, runAt time.Time) (newID string, created bool, err error) {
	watched, err := s.watchedKeys(ctx, id)
	if err != nil {
		return "", false, err
	}
	err = s.watch(ctx, func(tx *redis.Tx) error {
		newID, created = "", false
		t, err := s.read(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.State != models.StateError && t.State != models.StatePanicked {
			return fmt.Errorf("%w: %s is %s", task.ErrNotRetryable, id, t.State)
		}
		next, err := s.successor(ctx, tx, t, runAt)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				s.setState(ctx, pipe, t, models.StateDead, nil)
				return nil
			}
			s.appendInstance(ctx, pipe, *next)
			return nil
		})
		if err != nil {
			return err
		}
		if next != nil {
			newID, created = next.ID, true
		}
		return nil
	}, watched...)
	if err != nil {
		return "", false, err
	}
	return newID, created, nil
}

func (s *RedisStore) Fail(ctx context.Context, id string, kind task.ErrorKind, lastError string, runAt time.Time) (newID string, created bool, err error) {
	failed, retryable, err := task.FailureStates(kind)
	if err != nil {
		return "", false, err
	}
	watched, err := s.watchedKeys(ctx, id)
	if err != nil {
		return "", false, err
	}
	err = s.watch(ctx, func(tx *redis.Tx) error {
		newID, created = "", false
		t, err := s.read(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := task.CheckTransition(id, t.State, failed); err != nil {
			return err
		}
		var next *task.Instance
		if retryable {
			if next, err = s.successor(ctx, tx, t, runAt); err != nil {
				return err
			}
		}
		final := models.StateDead
		if next != nil {
			final = failed
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.setState(ctx, pipe, t, final, &lastError)
			if next != nil {
				s.appendInstance(ctx, pipe, *next)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if next != nil {
			newID, created = next.ID, true
		}
		return nil
	}, watched...)
	if err != nil {
		return "", false, err
	}
	return newID, created, nil
}

// Reclaim fails rows claimed before startedBefore as lease expirations, at
// most 100 per call.
func (s *RedisStore) Reclaim(ctx context.Context, startedBefore time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.inProgressKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("(%d", startedBefore.UnixMilli()),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("query stale tasks: %w", wrapErr(err))
	}
	var n int
	for _, id := range ids {
		_, _, err := s.Fail(ctx, id, task.Execution, "lease expired", time.Now())
		var terr *task.TransitionError
		switch {
		case err == nil:
			n++
		case errors.As(err, &terr) || errors.Is(err, task.ErrUnknownTask):
			// Finished or removed since the scan.
			if err := s.client.ZRem(ctx, s.inProgressKey(), id).Err(); err != nil {
				return n, fmt.Errorf("drop stale index entry %s: %w", id, wrapErr(err))
			}
		default:
			return n, err
		}
	}
	return n, nil
}

// watchedKeys returns the keys a transaction over id must watch.
func (s *RedisStore) watchedKeys(ctx context.Context, id string) ([]string, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	keys := []string{s.taskKey(id)}
	if t.UniqueKey != nil {
		keys = append(keys, s.uniqueKey(*t.UniqueKey))
	}
	return keys, nil
}

// successor builds the next attempt of t, or returns nil when the chain ends
// because attempts are exhausted or another row took the unique key.
func (s *RedisStore) successor(ctx context.Context, tx *redis.Tx, t models.Task, runAt time.Time) (*task.Instance, error) {
	if !t.AttemptsRemaining() {
		return nil, nil
	}
	superseded, err := s.keyHeld(ctx, tx, t.UniqueKey, t.ID)
	if err != nil {
		return nil, err
	}
	if superseded {
		return nil, nil
	}
	inst, err := task.FromTask(t).ScheduledAt(runAt).Build(time.Now())
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *RedisStore) appendInstance(ctx context.Context, pipe redis.Pipeliner, inst task.Instance) {
	pipe.HSet(ctx, s.taskKey(inst.ID), encodeInstance(inst, time.Now())...)
	pipe.ZAdd(ctx, s.readyKey(inst.QueueName), redis.Z{Score: float64(inst.ScheduledToRunAt.UnixMilli()), Member: inst.ID})
	pipe.RPush(ctx, s.chainOf(inst), inst.ID)
	if inst.UniqueKey != nil {
		pipe.Set(ctx, s.uniqueKey(*inst.UniqueKey), inst.ID, 0)
	}
}

// keyHeld reports whether an in-flight row other than self holds key.
func (s *RedisStore) keyHeld(ctx context.Context, tx *redis.Tx, key *string, self string) (bool, error) {
	if key == nil {
		return false, nil
	}
	holder, err := tx.Get(ctx, s.uniqueKey(*key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr(err)
	}
	if holder == self {
		return false, nil
	}
	state, err := tx.HGet(ctx, s.taskKey(holder), "state").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr(err)
	}
	return models.TaskState(state).InFlight(), nil
}

func (s *RedisStore) ScheduleNext(ctx context.Context, id string, at time.Time) (string, bool, error) {
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

func (s *RedisStore) Get(ctx context.Context, id string) (models.Task, error) {
	return s.read(ctx, s.client, id)
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *RedisStore) read(ctx context.Context, c hashReader, id string) (models.Task, error) {
	fields, err := c.HGetAll(ctx, s.taskKey(id)).Result()
	if err != nil {
		return models.Task{}, fmt.Errorf("get task %s: %w", id, wrapErr(err))
	}
	if len(fields) == 0 {
		return models.Task{}, fmt.Errorf("%w: %s", task.ErrUnknownTask, id)
	}
	t, err := decodeTask(fields)
	if err != nil {
		return models.Task{}, fmt.Errorf("%w: task %s: %v", task.ErrDatabase, id, err)
	}
	return t, nil
}

func (s *RedisStore) Chain(ctx context.Context, originalID string) ([]models.Task, error) {
	ids, err := s.client.LRange(ctx, s.chainKey(originalID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query chain %s: %w", originalID, wrapErr(err))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %s", task.ErrUnknownTask, originalID)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, s.taskKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read chain %s: %w", originalID, wrapErr(err))
	}
	out := make([]models.Task, 0, len(ids))
	for i, c := range cmds {
		t, err := decodeTask(c.Val())
		if err != nil {
			return nil, fmt.Errorf("%w: task %s: %v", task.ErrDatabase, ids[i], err)
		}
		out = append(out, t)
	}
	return out, nil
}

// ReadyDepth returns how many rows wait in queue's ready set.
func (s *RedisStore) ReadyDepth(ctx context.Context, queue string) (int64, error) {
	n, err := s.client.ZCard(ctx, s.readyKey(queue)).Result()
	return n, wrapErr(err)
}

// watch runs fn in an optimistic transaction over keys, retrying when a
// watched key changes underneath it.
func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < watchRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var terr *task.TransitionError
		if err == nil || errors.As(err, &terr) || errors.Is(err, task.ErrUnknownTask) ||
			errors.Is(err, task.ErrNotRetryable) || errors.Is(err, task.ErrDatabase) || errors.Is(err, task.ErrConnectionFailure) {
			return err
		}
		return wrapErr(err)
	}
	return fmt.Errorf("%w: transaction contention on %v", task.ErrDatabase, keys)
}

func encodeInstance(inst task.Instance, now time.Time) []any {
	fields := []any{
		"id", inst.ID,
		"task_name", inst.TaskName,
		"queue_name", inst.QueueName,
		"payload", string(inst.Payload),
		"current_attempt", inst.CurrentAttempt,
		"maximum_attempts", inst.MaxAttempts,
		"state", string(inst.State),
		"scheduled_to_run_at", inst.ScheduledToRunAt.UnixMilli(),
		"created_at", now.UnixMilli(),
	}
	if inst.UniqueKey != nil {
		fields = append(fields, "unique_key", *inst.UniqueKey)
	}
	if inst.OriginalTaskID != nil {
		fields = append(fields, "original_task_id", *inst.OriginalTaskID)
	}
	return fields
}

func decodeTask(f map[string]string) (models.Task, error) {
	t := models.Task{
		ID:        f["id"],
		TaskName:  f["task_name"],
		QueueName: f["queue_name"],
		Payload:   []byte(f["payload"]),
		State:     models.TaskState(f["state"]),
	}
	var err error
	if t.CurrentAttempt, err = strconv.Atoi(f["current_attempt"]); err != nil {
		return t, fmt.Errorf("current_attempt: %w", err)
	}
	if t.MaxAttempts, err = strconv.Atoi(f["maximum_attempts"]); err != nil {
		return t, fmt.Errorf("maximum_attempts: %w", err)
	}
	if t.ScheduledToRunAt, err = parseMillis(f["scheduled_to_run_at"]); err != nil {
		return t, fmt.Errorf("scheduled_to_run_at: %w", err)
	}
	if t.CreatedAt, err = parseMillis(f["created_at"]); err != nil {
		return t, fmt.Errorf("created_at: %w", err)
	}
	t.UniqueKey = optional(f, "unique_key")
	t.OriginalTaskID = optional(f, "original_task_id")
	t.LastError = optional(f, "last_error")
	if v, ok := f["started_at"]; ok {
		at, err := parseMillis(v)
		if err != nil {
			return t, fmt.Errorf("started_at: %w", err)
		}
		t.StartedAt = &at
	}
	if v, ok := f["finished_at"]; ok {
		at, err := parseMillis(v)
		if err != nil {
			return t, fmt.Errorf("finished_at: %w", err)
		}
		t.FinishedAt = &at
	}
	return t, nil
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func optional(f map[string]string, key string) *string {
	if v, ok := f[key]; ok {
		return &v
	}
	return nil
}

// wrapErr classifies client errors into the task store taxonomy.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %v", task.ErrConnectionFailure, err)
	}
	return fmt.Errorf("%w: %v", task.ErrDatabase, err)
}

// enqueueScript inserts a task row unless an in-flight row holds its unique
// key. KEYS: task hash, ready set, chain list, optional unique pointer.
// ARGV: task key prefix, id, due score, field/value pairs.
var enqueueScript = redis.NewScript(`
if KEYS[4] then
  local holder = redis.call('GET', KEYS[4])
  if holder then
    local state = redis.call('HGET', ARGV[1] .. holder, 'state')
    if state == 'new' or state == 'scheduled' or state == 'retry' or state == 'in_progress' then
      return false
    end
  end
end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
redis.call('RPUSH', KEYS[3], ARGV[2])
if KEYS[4] then
  redis.call('SET', KEYS[4], ARGV[2])
end
return ARGV[2]
`)

// claimScript pops the earliest due row whose name is known and marks it in
// progress. Rows that are no longer claimable are dropped from the set.
// KEYS: ready set, in-progress index. ARGV: task key prefix, now ms, names.
var claimScript = redis.NewScript(`
local names = {}
for i = 3, #ARGV do
  names[ARGV[i]] = true
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  local fields = redis.call('HMGET', key, 'state', 'task_name')
  local state = fields[1]
  if state ~= 'new' and state ~= 'scheduled' and state ~= 'retry' then
    redis.call('ZREM', KEYS[1], id)
  elseif names[fields[2]] then
    redis.call('ZREM', KEYS[1], id)
    redis.call('HSET', key, 'state', 'in_progress', 'started_at', ARGV[2])
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    return id
  end
end
return false
`)
