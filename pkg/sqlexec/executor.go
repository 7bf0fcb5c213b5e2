package sqlexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wisbric/queryowl/internal/telemetry"
	"github.com/wisbric/queryowl/pkg/cloud"
	"github.com/wisbric/queryowl/pkg/execstore"
	"github.com/wisbric/queryowl/pkg/policy"
)

// DefaultStatementTimeout bounds a single statement when neither the env nor
// the request specify one.
const DefaultStatementTimeout = 300 * time.Second

// HistoryRecorder archives finished submissions. Implemented by pkg/history.
type HistoryRecorder interface {
	RecordQuery(userID *uuid.UUID, query, database, mode string, success bool, durationMS int64)
}

// Notifier announces dangerous-verb executions. Implemented by pkg/slack.
type Notifier interface {
	NotifyDangerousQuery(user, query string, clouds []string)
}

// Options carries the executor's tunables and optional collaborators.
type Options struct {
	StatementTimeout time.Duration
	MaxQueryTimeout  time.Duration
	History          HistoryRecorder
}

// Target is one (cloud, database) pair a batch fans out to.
type Target struct {
	Cloud    string
	Database string
}

// Executor fans a validated batch out across targets: concurrently across
// targets, strictly sequentially within one.
type Executor struct {
	sessions Sessions
	clouds   *cloud.Config
	store    execstore.Store
	active   *execstore.ActiveRegistry
	logger   *slog.Logger
	opts     Options
}

// NewExecutor creates the SQL fan-out executor.
func NewExecutor(sessions Sessions, clouds *cloud.Config, store execstore.Store, active *execstore.ActiveRegistry, logger *slog.Logger, opts Options) *Executor {
	if opts.StatementTimeout <= 0 {
		opts.StatementTimeout = DefaultStatementTimeout
	}
	if opts.MaxQueryTimeout <= 0 {
		opts.MaxQueryTimeout = DefaultStatementTimeout
	}
	return &Executor{
		sessions: sessions,
		clouds:   clouds,
		store:    store,
		active:   active,
		logger:   logger,
		opts:     opts,
	}
}

// ResolveTargets maps the request mode onto concrete targets. Mode "both"
// fans out to the primary and every secondary cloud; otherwise the mode names
// a single SQL cloud.
func (e *Executor) ResolveTargets(req Request) ([]Target, error) {
	if req.Mode == ModeBoth {
		clouds := e.clouds.SQLClouds()
		targets := make([]Target, 0, len(clouds))
		for _, c := range clouds {
			targets = append(targets, Target{Cloud: c.CloudName, Database: req.Database})
		}
		return targets, nil
	}

	if _, ok := e.clouds.FindSQL(req.Mode); !ok {
		return nil, fmt.Errorf("%w: %s", cloud.ErrUnknownTarget, req.Mode)
	}
	return []Target{{Cloud: req.Mode, Database: req.Database}}, nil
}

// Start launches the batch asynchronously. The returned error covers only
// synchronous target resolution; execution outcomes land in the store.
func (e *Executor) Start(id string, userID *uuid.UUID, req Request) error {
	targets, err := e.ResolveTargets(req)
	if err != nil {
		return err
	}

	go e.run(context.Background(), id, userID, req, targets)
	return nil
}

func (e *Executor) run(ctx context.Context, id string, userID *uuid.UUID, req Request, targets []Target) {
	start := time.Now()
	stmts := policy.SplitStatements(req.Query)

	telemetry.ExecutionsActive.Inc()
	defer telemetry.ExecutionsActive.Dec()

	if err := e.store.UpdateProgress(ctx, id, 0, len(stmts), ""); err != nil {
		e.logger.Error("initial progress write", "execution_id", id, "error", err)
	}

	var (
		mu      sync.Mutex
		results = make(map[string]*TargetResult, len(targets))
	)

	g := new(errgroup.Group)
	for _, t := range targets {
		g.Go(func() error {
			tr := e.runTarget(ctx, id, t, stmts, req)

			mu.Lock()
			results[t.Cloud] = tr
			partial := aggregate(id, results)
			mu.Unlock()

			// Flush after each target so pollers see per-cloud results as
			// they land.
			payload, err := json.Marshal(partial)
			if err == nil {
				if err := e.store.SavePartial(ctx, id, payload); err != nil {
					e.logger.Error("saving partial result", "execution_id", id, "error", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	final := aggregate(id, results)
	payload, err := json.Marshal(final)
	if err != nil {
		e.logger.Error("marshalling final result", "execution_id", id, "error", err)
		payload = []byte(`{"success":false,"error":"internal result encoding failure"}`)
	}

	if err := e.store.Complete(ctx, id, payload, final.Success); err != nil {
		e.logger.Error("completing execution", "execution_id", id, "error", err)
	}
	e.active.CompleteActive(id)

	status := string(execstore.StatusCompleted)
	if !final.Success {
		status = string(execstore.StatusFailed)
	}
	if e.store.IsCancelled(ctx, id) {
		status = string(execstore.StatusCancelled)
	}
	telemetry.ExecutionsTotal.WithLabelValues("sql", status).Inc()

	if e.opts.History != nil {
		e.opts.History.RecordQuery(userID, req.Query, req.Database, req.Mode, final.Success, time.Since(start).Milliseconds())
	}

	e.logger.Info("sql execution finished",
		"execution_id", id,
		"targets", len(targets),
		"statements", len(stmts),
		"status", status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// aggregate builds the response snapshot. Overall success requires every
// target and every statement within each target to have succeeded.
func aggregate(id string, results map[string]*TargetResult) Response {
	resp := Response{ID: id, Success: true, Targets: make(map[string]*TargetResult, len(results))}
	for cloudName, tr := range results {
		resp.Targets[cloudName] = tr
		if !tr.Success {
			resp.Success = false
		}
	}
	return resp
}

// runTarget executes the batch on one target. All failure modes are captured
// into the TargetResult; nothing escapes to abort sibling targets.
func (e *Executor) runTarget(ctx context.Context, id string, t Target, stmts []string, req Request) *TargetResult {
	start := time.Now()

	if e.store.IsCancelled(ctx, id) {
		return &TargetResult{Success: false, Error: "cancelled", DurationMS: time.Since(start).Milliseconds()}
	}

	sess, err := e.sessions.Acquire(ctx, t.Cloud, t.Database)
	if err != nil {
		return connectFailure(stmts, err, start)
	}
	defer sess.Release()

	cloudKey := cloud.TargetKey(t.Cloud, t.Database)
	e.active.Register(id, execstore.Backend{
		CloudKey: cloudKey,
		Cloud:    t.Cloud,
		Database: t.Database,
		PID:      sess.PID(),
	})
	defer e.active.Release(id, cloudKey)

	if req.PGSchema != "" {
		if !policy.ValidIdentifier(req.PGSchema) {
			return &TargetResult{
				Success:    false,
				Error:      fmt.Sprintf("invalid schema name %q", req.PGSchema),
				DurationMS: time.Since(start).Milliseconds(),
			}
		}
		if err := sess.SetSearchPath(ctx, req.PGSchema); err != nil {
			return &TargetResult{
				Success:    false,
				Error:      err.Error(),
				DurationMS: time.Since(start).Milliseconds(),
			}
		}
	}

	timeout := e.statementTimeout(req)

	if len(stmts) == 1 {
		out := e.runOne(ctx, sess, stmts[0], timeout, t.Cloud)
		_ = e.store.UpdateProgress(ctx, id, 1, 1, stmts[0])

		tr := &TargetResult{DurationMS: time.Since(start).Milliseconds()}
		if out.Err != nil {
			tr.Error = out.Err.Error()
			return tr
		}
		tr.Success = true
		tr.Command = out.Command
		tr.RowCount = out.RowCount
		tr.Rows = out.Rows
		tr.Fields = out.Fields
		return tr
	}

	return e.runStatements(ctx, id, sess, stmts, req, t.Cloud, start)
}

// runStatements is the multi-statement loop: cancellation checked before each
// statement, transaction state tracked by a two-state machine, auto-rollback
// synthesised when a failure occurs inside an open transaction.
func (e *Executor) runStatements(ctx context.Context, id string, sess Session, stmts []string, req Request, cloudName string, start time.Time) *TargetResult {
	tr := &TargetResult{Success: true}
	inTransaction := false

	for i, stmt := range stmts {
		if e.store.IsCancelled(ctx, id) {
			tr.Success = false
			break
		}

		cat := policy.ClassifyStatement(stmt)
		out := e.runOne(ctx, sess, stmt, e.statementTimeout(req), cloudName)

		if err := e.store.UpdateProgress(ctx, id, i+1, len(stmts), stmt); err != nil {
			e.logger.Error("updating progress", "execution_id", id, "error", err)
		}

		sr := StatementResult{
			Statement:  stmt,
			Success:    out.Err == nil,
			Command:    out.Command,
			RowCount:   out.RowCount,
			Rows:       out.Rows,
			Fields:     out.Fields,
			DurationMS: out.durationMS,
		}

		if out.Err == nil {
			if cat.TransactionControl() {
				inTransaction = transactionState(stmt, inTransaction)
			}
			tr.Statements = append(tr.Statements, sr)
			continue
		}

		sr.Error = out.Err.Error()
		tr.Statements = append(tr.Statements, sr)
		tr.Success = false

		if inTransaction && !cat.TransactionControl() {
			rb := e.runOne(ctx, sess, "ROLLBACK", e.statementTimeout(req), cloudName)
			synthetic := StatementResult{
				Statement:  "ROLLBACK (auto)",
				Success:    rb.Err == nil,
				Command:    rb.Command,
				DurationMS: rb.durationMS,
			}
			if rb.Err != nil {
				synthetic.Error = rb.Err.Error()
			}
			tr.Statements = append(tr.Statements, synthetic)
			inTransaction = false
		}

		if !req.ContinueOnError {
			break
		}
	}

	tr.DurationMS = time.Since(start).Milliseconds()
	return tr
}

// transactionState flips the two-state machine on a successful
// transaction-control statement.
func transactionState(stmt string, current bool) bool {
	switch policy.TransactionVerb(stmt) {
	case policy.TxnBegin:
		return true
	case policy.TxnEnd:
		return false
	}
	return current
}

// runOne races a single statement against the effective timeout. pgx cancels
// the server-side operation when the deadline fires, so the losing branch
// does not leak.
func (e *Executor) runOne(ctx context.Context, sess Session, stmt string, timeout time.Duration, cloudName string) Outcome {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out := sess.Run(cctx, stmt)
	out.durationMS = time.Since(start).Milliseconds()

	telemetry.StatementDuration.WithLabelValues(cloudName).Observe(time.Since(start).Seconds())

	if out.Err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		out.Err = fmt.Errorf("Statement timeout after %dms", timeout.Milliseconds())
	}

	outcomeLabel := "success"
	if out.Err != nil {
		outcomeLabel = "failure"
	}
	telemetry.StatementsTotal.WithLabelValues(cloudName, outcomeLabel).Inc()

	return out
}

// statementTimeout computes the effective per-statement bound:
// max(configured statement timeout, request timeout), the latter clamped to
// the configured maximum.
func (e *Executor) statementTimeout(req Request) time.Duration {
	reqTimeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if reqTimeout > e.opts.MaxQueryTimeout {
		reqTimeout = e.opts.MaxQueryTimeout
	}
	if reqTimeout > e.opts.StatementTimeout {
		return reqTimeout
	}
	return e.opts.StatementTimeout
}

// connectFailure mirrors a connect error across every statement so the result
// shape stays uniform for multi-statement requests.
func connectFailure(stmts []string, err error, start time.Time) *TargetResult {
	tr := &TargetResult{
		Success:    false,
		Error:      err.Error(),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if len(stmts) > 1 {
		for _, s := range stmts {
			tr.Statements = append(tr.Statements, StatementResult{
				Statement: s,
				Error:     err.Error(),
			})
		}
	}
	return tr
}

// Cancel sets the cancellation flag and, when this replica holds the client,
// issues an engine-level cancel for each live backend session. Idempotent;
// cross-replica cancellation is flag-only and best-effort.
func (e *Executor) Cancel(ctx context.Context, id string) error {
	if err := e.store.MarkCancelled(ctx, id); err != nil {
		return fmt.Errorf("marking cancelled: %w", err)
	}

	for _, b := range e.active.BackendSessions(id) {
		if err := e.sessions.CancelBackend(ctx, b); err != nil {
			e.logger.Warn("engine-level cancel failed",
				"execution_id", id,
				"cloud_key", b.CloudKey,
				"backend_pid", b.PID,
				"error", err,
			)
		}
	}
	return nil
}
