package execstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	sweepInterval = 5 * time.Minute
	sweepAge      = 25 * time.Minute
)

// MemoryStore is the per-replica fallback tier, used only when the shared
// Redis is a local dev instance. Records are invisible to other replicas.
type MemoryStore struct {
	logger *slog.Logger

	mu      sync.Mutex
	records map[string]*Record
	local   *cancelFlags
}

// NewMemoryStore creates the in-memory tier. Call Start to run the sweeper.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	return &MemoryStore{
		logger:  logger,
		records: make(map[string]*Record),
		local:   newCancelFlags(),
	}
}

// Start runs the background sweep loop until ctx is cancelled.
func (s *MemoryStore) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// sweep evicts records whose terminal time is older than the retention window.
func (s *MemoryStore) sweep() {
	cutoff := time.Now().Add(-sweepAge).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rec := range s.records {
		if rec.EndTime != 0 && rec.EndTime < cutoff {
			delete(s.records, id)
			s.local.clear(id)
			s.logger.Debug("swept expired execution", "execution_id", id)
		}
	}
}

func (s *MemoryStore) Init(_ context.Context, id, kind string, userID *uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[id]; exists {
		return ErrAlreadyExists
	}

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
	s.records[id] = rec
	s.local.clear(id)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *MemoryStore) mutate(id string, fn func(*Record) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return
	}
	fn(rec)
}

func (s *MemoryStore) UpdateProgress(_ context.Context, id string, current, total int, text string) error {
	s.mutate(id, func(rec *Record) bool {
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
	return nil
}

func (s *MemoryStore) SaveScan(_ context.Context, id string, scan map[string]*ScanProgress) error {
	s.mutate(id, func(rec *Record) bool {
		rec.Scan = scan
		return true
	})
	return nil
}

func (s *MemoryStore) SavePartial(_ context.Context, id string, result json.RawMessage) error {
	s.mutate(id, func(rec *Record) bool {
		rec.Result = result
		return true
	})
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, id string, result json.RawMessage, success bool) error {
	s.mutate(id, func(rec *Record) bool {
		rec.Result = result
		if rec.Status == StatusCancelled {
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
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, id, errorMessage string) error {
	result, _ := json.Marshal(map[string]any{"success": false, "error": errorMessage})
	s.mutate(id, func(rec *Record) bool {
		if rec.Status.Terminal() {
			return false
		}
		rec.Status = StatusFailed
		rec.Result = result
		rec.EndTime = time.Now().UnixMilli()
		return true
	})
	return nil
}

func (s *MemoryStore) MarkCancelled(_ context.Context, id string) error {
	s.local.set(id)
	s.mutate(id, func(rec *Record) bool {
		if rec.Status.Terminal() {
			return false
		}
		rec.Status = StatusCancelled
		rec.EndTime = time.Now().UnixMilli()
		return true
	})
	return nil
}

func (s *MemoryStore) IsCancelled(_ context.Context, id string) bool {
	return s.local.isSet(id)
}
