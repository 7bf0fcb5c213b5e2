// Package history archives finished SQL submissions so operators can revisit
// what ran where. It stores the submission, not the result payload; results
// expire from the execution store on their own TTL.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/queryowl/internal/auth"
)

// Entry is one archived submission.
type Entry struct {
	UserID     *uuid.UUID
	Query      string
	Database   string
	Mode       string
	Success    bool
	DurationMS int64
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// Writer archives submissions asynchronously in the background, mirroring
// the audit writer's buffered lifecycle.
type Writer struct {
	dbtx    auth.DBTX
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

// NewWriter creates a history Writer. Call Start to begin processing.
func NewWriter(dbtx auth.DBTX, logger *slog.Logger) *Writer {
	return &Writer{
		dbtx:    dbtx,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background flush loop.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// RecordQuery enqueues a finished submission. Never blocks; drops with a
// warning when the buffer is full.
func (w *Writer) RecordQuery(userID *uuid.UUID, query, database, mode string, success bool, durationMS int64) {
	entry := Entry{
		UserID:     userID,
		Query:      query,
		Database:   database,
		Mode:       mode,
		Success:    success,
		DurationMS: durationMS,
	}
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("history buffer full, dropping entry", "database", database, "mode", mode)
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, e := range entries {
		if _, err := w.dbtx.Exec(ctx,
			`INSERT INTO query_history (user_id, query, database_name, mode, success, duration_ms)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.UserID, e.Query, e.Database, e.Mode, e.Success, e.DurationMS,
		); err != nil {
			w.logger.Error("writing history entry", "error", err, "database", e.Database)
		}
	}
}
