package execstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "execution:"

// RedisStore is the shared execution-record tier. In production it is
// authoritative: a failure to write surfaces to the caller, never masked.
type RedisStore struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
	local  *cancelFlags
}

// NewRedisStore creates the shared store. ttl bounds how long a record is
// pollable after its last write.
func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
		local:  newCancelFlags(),
	}
}

func recordKey(id string) string { return keyPrefix + id }

func (s *RedisStore) Init(ctx context.Context, id, kind string, userID *uuid.UUID) error {
	rec := &Record{
		ID:        id,
		UserID:    userID,
		Kind:      kind,
		Status:    StatusRunning,
		StartTime: time.Now().UnixMilli(),
	}
	if kind == "sql" {
		rec.Progress = &Progress{}
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshalling execution record: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, recordKey(id), payload, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("initialising execution %s: %w", id, err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	s.local.clear(id)
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading execution %s: %w", id, err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding execution %s: %w", id, err)
	}
	return &rec, nil
}

// mutate applies fn to the current record and writes it back, preserving the
// TTL. Concurrent writers race last-writer-wins on progress fields; terminal
// stickiness is enforced inside the mutation callbacks.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*Record) bool) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	if !fn(rec) {
		return nil
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshalling execution %s: %w", id, err)
	}
	if err := s.rdb.Set(ctx, recordKey(id), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("writing execution %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) UpdateProgress(ctx context.Context, id string, current, total int, text string) error {
	return s.mutate(ctx, id, func(rec *Record) bool {
		if rec.Status.Terminal() {
			return false
		}
		rec.Progress = &Progress{
			CurrentStatement:     current,
			TotalStatements:      total,
			CurrentStatementText: text,
		}
		return true
	})
}

// SaveScan writes the per-cloud scan map. Like SavePartial it still applies
// after cancellation, so the operator sees the counters accumulated before
// the executor halted.
func (s *RedisStore) SaveScan(ctx context.Context, id string, scan map[string]*ScanProgress) error {
	return s.mutate(ctx, id, func(rec *Record) bool {
		rec.Scan = scan
		return true
	})
}

func (s *RedisStore) SavePartial(ctx context.Context, id string, result json.RawMessage) error {
	return s.mutate(ctx, id, func(rec *Record) bool {
		rec.Result = result
		return true
	})
}

func (s *RedisStore) Complete(ctx context.Context, id string, result json.RawMessage, success bool) error {
	return s.mutate(ctx, id, func(rec *Record) bool {
		rec.Result = result
		if rec.Status == StatusCancelled {
			// Cancelled sticks; the late result is still recorded above.
			return true
		}
		if rec.Status.Terminal() {
			return false
		}
		if success {
			rec.Status = StatusCompleted
		} else {
			rec.Status = StatusFailed
		}
		rec.EndTime = time.Now().UnixMilli()
		return true
	})
}

func (s *RedisStore) Fail(ctx context.Context, id, errorMessage string) error {
	result, _ := json.Marshal(map[string]any{"success": false, "error": errorMessage})
	return s.mutate(ctx, id, func(rec *Record) bool {
		if rec.Status.Terminal() {
			return false
		}
		rec.Status = StatusFailed
		rec.Result = result
		rec.EndTime = time.Now().UnixMilli()
		return true
	})
}

func (s *RedisStore) MarkCancelled(ctx context.Context, id string) error {
	s.local.set(id)
	return s.mutate(ctx, id, func(rec *Record) bool {
		if rec.Status.Terminal() {
			return false
		}
		rec.Status = StatusCancelled
		rec.EndTime = time.Now().UnixMilli()
		return true
	})
}

func (s *RedisStore) IsCancelled(ctx context.Context, id string) bool {
	if s.local.isSet(id) {
		return true
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("cancellation check failed", "execution_id", id, "error", err)
		}
		return false
	}

	if rec.Status == StatusCancelled {
		s.local.set(id)
		return true
	}
	return false
}
