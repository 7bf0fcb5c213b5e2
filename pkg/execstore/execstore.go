// Package execstore holds the pollable state of asynchronous executions. A
// Redis-backed tier makes records visible across control-plane replicas; an
// in-memory tier exists for local development only.
package execstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an execution record.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrNotFound is returned when a record is unknown or has expired.
var ErrNotFound = errors.New("execution not found")

// ErrAlreadyExists is returned by Init when the id is already taken.
var ErrAlreadyExists = errors.New("execution already exists")

// Progress tracks per-statement advancement of an SQL execution.
type Progress struct {
	CurrentStatement     int    `json:"currentStatement"`
	TotalStatements      int    `json:"totalStatements"`
	CurrentStatementText string `json:"currentStatementText,omitempty"`
}

// ScanProgress tracks one cloud's advancement through a cache SCAN run.
type ScanProgress struct {
	CloudName    string   `json:"cloudName"`
	NodesTotal   int      `json:"nodesTotal"`
	NodesScanned int      `json:"nodesScanned"`
	KeysFound    int      `json:"keysFound"`
	KeysDeleted  int      `json:"keysDeleted"`
	Keys         []string `json:"keys"`
	Status       string   `json:"status"`
	Error        string   `json:"error,omitempty"`
}

// Record is the durable snapshot of one asynchronous submission.
type Record struct {
	ID     string     `json:"id"`
	UserID *uuid.UUID `json:"userId,omitempty"`
	Kind   string     `json:"kind"` // "sql" or "scan"
	Status Status     `json:"status"`

	// Progress holds SQL statement advancement; Scan holds per-cloud scan
	// state. Exactly one is populated, matching Kind.
	Progress *Progress                `json:"progress,omitempty"`
	Scan     map[string]*ScanProgress `json:"scan,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`

	StartTime int64 `json:"startTime"` // epoch millis
	EndTime   int64 `json:"endTime,omitempty"`
}

// Store is the execution-record store shared by both executors. Every method
// may suspend on network I/O. Terminal statuses are sticky: once a record is
// cancelled, Complete and Fail must not overwrite it.
type Store interface {
	// Init creates a running record. Fails with ErrAlreadyExists if taken.
	Init(ctx context.Context, id, kind string, userID *uuid.UUID) error

	// Get reads a snapshot. Returns ErrNotFound if expired or unknown.
	Get(ctx context.Context, id string) (*Record, error)

	// UpdateProgress atomically updates SQL progress fields. No-op if the
	// record is absent or terminal.
	UpdateProgress(ctx context.Context, id string, current, total int, text string) error

	// SaveScan writes the per-cloud scan progress map. Still applies after
	// cancellation so pre-cancel counters survive.
	SaveScan(ctx context.Context, id string, scan map[string]*ScanProgress) error

	// SavePartial writes the result without changing status.
	SavePartial(ctx context.Context, id string, result json.RawMessage) error

	// Complete transitions to completed or failed (respecting a prior
	// cancelled), sets EndTime, and writes the result.
	Complete(ctx context.Context, id string, result json.RawMessage, success bool) error

	// Fail transitions to failed with an error message, unless cancelled.
	Fail(ctx context.Context, id, errorMessage string) error

	// MarkCancelled forces status=cancelled, sets EndTime, and raises the
	// per-replica cancellation flag.
	MarkCancelled(ctx context.Context, id string) error

	// IsCancelled must be consulted at every suspension point inside the
	// executors. It checks the local fast-path flag first.
	IsCancelled(ctx context.Context, id string) bool
}

// cancelFlags is the per-replica fast path for cancellation checks.
type cancelFlags struct {
	mu    sync.Mutex
	flags map[string]struct{}
}

func newCancelFlags() *cancelFlags {
	return &cancelFlags{flags: make(map[string]struct{})}
}

func (c *cancelFlags) set(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags[id] = struct{}{}
}

func (c *cancelFlags) isSet(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.flags[id]
	return ok
}

func (c *cancelFlags) clear(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.flags, id)
}
