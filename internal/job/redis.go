package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "recapd:"

// putRetries bounds how often Put re-runs its WATCH transaction when another
// writer touched the same keys.
const putRetries = 3

// RedisStore keeps each job as a JSON document with sorted-set indexes per
// status and per session. Writes go through WATCH/MULTI so that version checks
// and the one-active-job-per-session rule hold across processes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: defaultRedisPrefix}
}

// DialRedis connects to addr and verifies the server answers.
func DialRedis(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedisStore(client), nil
}

func (s *RedisStore) jobKey(id string) string {
	return s.prefix + "job:" + id
}

func (s *RedisStore) statusKey(st Status) string {
	return s.prefix + "status:" + string(st)
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *RedisStore) activeKey(sessionID string) string {
	return s.prefix + "active:" + sessionID
}

func (s *RedisStore) Put(ctx context.Context, j *Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.ID, err)
	}
	for i := 0; i < putRetries; i++ {
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			prev, err := s.load(ctx, tx, j.ID)
			if err != nil {
				return err
			}
			if err := s.checkActive(ctx, tx, j); err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				s.write(ctx, pipe, prev, j, raw)
				return nil
			})
			return err
		}, s.jobKey(j.ID), s.activeKey(j.SessionID))
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		var dup *DuplicateJobError
		if errors.As(err, &dup) {
			return err
		}
		return fmt.Errorf("put job %s: %w", j.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	j, err := s.load(ctx, s.client, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *RedisStore) ListBySession(ctx context.Context, sessionID string) ([]*Job, error) {
	ids, err := s.client.ZRevRange(ctx, s.sessionKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list session %s: %w", sessionID, err)
	}
	jobs, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
		}
		return jobs[a].ID > jobs[b].ID
	})
	return jobs, nil
}

func (s *RedisStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error) {
	var ids []string
	for _, st := range statuses {
		members, err := s.client.ZRange(ctx, s.statusKey(st), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("list status %s: %w", st, err)
		}
		ids = append(ids, members...)
	}
	jobs, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
	return jobs, nil
}

func (s *RedisStore) Update(ctx context.Context, j *Job, expected int64) error {
	next := j.Clone()
	next.Version = expected + 1
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.ID, err)
	}
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := s.load(ctx, tx, j.ID)
		if err != nil {
			return err
		}
		if prev == nil || prev.Version != expected {
			return ErrVersionConflict
		}
		if err := s.checkActive(ctx, tx, next); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.write(ctx, pipe, prev, next, raw)
			return nil
		})
		return err
	}, s.jobKey(j.ID), s.activeKey(j.SessionID))
	switch {
	case err == nil:
		j.Version = next.Version
		return nil
	case errors.Is(err, redis.TxFailedErr), errors.Is(err, ErrVersionConflict):
		return ErrVersionConflict
	default:
		var dup *DuplicateJobError
		if errors.As(err, &dup) {
			return err
		}
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
}

func (s *RedisStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	pipe := s.client.Pipeline()
	cmds := make(map[Status]*redis.IntCmd, len(AllStatuses))
	for _, st := range AllStatuses {
		cmds[st] = pipe.ZCard(ctx, s.statusKey(st))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	counts := make(map[Status]int, len(AllStatuses))
	for st, cmd := range cmds {
		if n := cmd.Val(); n > 0 {
			counts[st] = int(n)
		}
	}
	return counts, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := s.load(ctx, tx, id)
		if err != nil || prev == nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.jobKey(id))
			pipe.ZRem(ctx, s.statusKey(prev.Status), id)
			pipe.ZRem(ctx, s.sessionKey(prev.SessionID), id)
			if !prev.Status.IsTerminal() {
				pipe.Del(ctx, s.activeKey(prev.SessionID))
			}
			return nil
		})
		return err
	}, s.jobKey(id))
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	jobs, err := s.ListByStatus(ctx, StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, j := range jobs {
		if j.CompletedAt == nil || !j.CompletedAt.Before(before) {
			continue
		}
		if err := s.Delete(ctx, j.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// load reads one job through cmd, which is either the client or a WATCH transaction.
func (s *RedisStore) load(ctx context.Context, cmd getter, id string) (*Job, error) {
	raw, err := cmd.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}

// checkActive rejects j when it is non-terminal and another job already holds the session.
func (s *RedisStore) checkActive(ctx context.Context, tx *redis.Tx, j *Job) error {
	if j.Status.IsTerminal() {
		return nil
	}
	holder, err := tx.Get(ctx, s.activeKey(j.SessionID)).Result()
	if errors.Is(err, redis.Nil) || holder == j.ID {
		return nil
	}
	if err != nil {
		return err
	}
	dup := &DuplicateJobError{SessionID: j.SessionID, ExistingJobID: holder}
	if existing, err := s.load(ctx, tx, holder); err == nil && existing != nil {
		dup.Status = existing.Status
	}
	return dup
}

func (s *RedisStore) write(ctx context.Context, pipe redis.Pipeliner, prev, next *Job, raw []byte) {
	score := float64(next.CreatedAt.UnixMicro())
	pipe.Set(ctx, s.jobKey(next.ID), raw, 0)
	if prev != nil && prev.Status != next.Status {
		pipe.ZRem(ctx, s.statusKey(prev.Status), next.ID)
	}
	pipe.ZAdd(ctx, s.statusKey(next.Status), redis.Z{Score: score, Member: next.ID})
	pipe.ZAdd(ctx, s.sessionKey(next.SessionID), redis.Z{Score: score, Member: next.ID})
	switch {
	case !next.Status.IsTerminal():
		pipe.Set(ctx, s.activeKey(next.SessionID), next.ID, 0)
	case prev != nil && !prev.Status.IsTerminal():
		pipe.Del(ctx, s.activeKey(next.SessionID))
	}
}

func (s *RedisStore) fetch(ctx context.Context, ids []string) ([]*Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch jobs: %w", err)
	}
	jobs := make([]*Job, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var j Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}
