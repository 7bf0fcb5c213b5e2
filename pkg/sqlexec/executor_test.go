package sqlexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/queryowl/pkg/cloud"
	"github.com/wisbric/queryowl/pkg/execstore"
)

// fakeSession scripts per-statement outcomes and records lifecycle calls.
type fakeSession struct {
	mu        sync.Mutex
	pid       uint32
	released  bool
	executed  []string
	pathSet   []string
	pathErr   error
	onRun     func(ctx context.Context, sql string) Outcome
	afterStmt func(sql string)
}

func (s *fakeSession) Run(ctx context.Context, sql string) Outcome {
	s.mu.Lock()
	s.executed = append(s.executed, sql)
	s.mu.Unlock()

	var out Outcome
	if s.onRun != nil {
		out = s.onRun(ctx, sql)
	} else {
		out = Outcome{Command: firstWord(sql), RowCount: 1}
	}
	if s.afterStmt != nil {
		s.afterStmt(sql)
	}
	return out
}

func (s *fakeSession) SetSearchPath(_ context.Context, schema string) error {
	s.pathSet = append(s.pathSet, schema)
	return s.pathErr
}

func (s *fakeSession) PID() uint32 { return s.pid }

func (s *fakeSession) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
}

func firstWord(sql string) string {
	f := strings.Fields(sql)
	if len(f) == 0 {
		return ""
	}
	return strings.ToUpper(f[0])
}

// fakeSessions hands out scripted sessions per cloud and records cancels.
type fakeSessions struct {
	mu         sync.Mutex
	sessions   map[string]*fakeSession
	acquireErr map[string]error
	cancelled  []execstore.Backend
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions:   make(map[string]*fakeSession),
		acquireErr: make(map[string]error),
	}
}

func (f *fakeSessions) session(cloudName string) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[cloudName]
	if !ok {
		s = &fakeSession{pid: uint32(100 + len(f.sessions))}
		f.sessions[cloudName] = s
	}
	return s
}

func (f *fakeSessions) Acquire(_ context.Context, cloudName, _ string) (Session, error) {
	f.mu.Lock()
	err := f.acquireErr[cloudName]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.session(cloudName), nil
}

func (f *fakeSessions) CancelBackend(_ context.Context, b execstore.Backend) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, b)
	return nil
}

type recordedQuery struct {
	query   string
	success bool
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []recordedQuery
}

func (h *fakeHistory) RecordQuery(_ *uuid.UUID, query, _, _ string, success bool, _ int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, recordedQuery{query: query, success: success})
}

func testConfig() *cloud.Config {
	db := cloud.DBConfig{
		Name: "mydb", Host: "localhost", Port: 5432, User: "u", Password: "p",
		Database: "mydb", Schemas: []string{"public"}, DefaultSchema: "public",
	}
	return &cloud.Config{
		Primary:     cloud.SQLCloud{CloudName: "aws", DBConfigs: []cloud.DBConfig{db}},
		Secondaries: []cloud.SQLCloud{{CloudName: "gcp", DBConfigs: []cloud.DBConfig{db}}},
	}
}

func newTestExecutor(t *testing.T, sessions Sessions, opts Options) (*Executor, *execstore.MemoryStore, *execstore.ActiveRegistry) {
	t.Helper()
	store := execstore.NewMemoryStore(slog.Default())
	active := execstore.NewActiveRegistry()
	e := NewExecutor(sessions, testConfig(), store, active, slog.Default(), opts)
	return e, store, active
}

func TestResolveTargets(t *testing.T) {
	e, _, _ := newTestExecutor(t, newFakeSessions(), Options{})

	both, err := e.ResolveTargets(Request{Query: "SELECT 1", Database: "mydb", Mode: ModeBoth})
	if err != nil {
		t.Fatalf("ResolveTargets(both): %v", err)
	}
	if len(both) != 2 || both[0].Cloud != "aws" || both[1].Cloud != "gcp" {
		t.Errorf("targets = %+v", both)
	}

	single, err := e.ResolveTargets(Request{Query: "SELECT 1", Database: "mydb", Mode: "gcp"})
	if err != nil || len(single) != 1 || single[0].Cloud != "gcp" {
		t.Errorf("single target = %+v, err %v", single, err)
	}

	if _, err := e.ResolveTargets(Request{Query: "SELECT 1", Database: "mydb", Mode: "azure"}); !errors.Is(err, cloud.ErrUnknownTarget) {
		t.Errorf("unknown cloud = %v, want ErrUnknownTarget", err)
	}
}

func TestRunAutoRollback(t *testing.T) {
	ctx := context.Background()
	sessions := newFakeSessions()
	sess := sessions.session("aws")
	sess.onRun = func(_ context.Context, sql string) Outcome {
		if strings.HasPrefix(sql, "INVALID_SQL") {
			return Outcome{Err: fmt.Errorf(`syntax error at or near "INVALID_SQL"`)}
		}
		return Outcome{Command: firstWord(sql), RowCount: 1}
	}

	e, store, _ := newTestExecutor(t, sessions, Options{})
	_ = store.Init(ctx, "e1", "sql", nil)

	req := Request{
		Query:    "BEGIN; UPDATE t SET x=1 WHERE id=1; INVALID_SQL; INSERT INTO t VALUES(2);",
		Database: "mydb",
		Mode:     "aws",
	}
	targets, _ := e.ResolveTargets(req)
	e.run(ctx, "e1", nil, req, targets)

	rec, err := store.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != execstore.StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(rec.Result, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}

	var target TargetResult
	if err := json.Unmarshal(result["aws"], &target); err != nil {
		t.Fatalf("decoding target: %v", err)
	}

	if target.Success {
		t.Error("target reported success")
	}
	if len(target.Statements) != 4 {
		t.Fatalf("statement results = %d, want 4: %+v", len(target.Statements), target.Statements)
	}

	wantOutcomes := []struct {
		statement string
		success   bool
	}{
		{"BEGIN", true},
		{"UPDATE t SET x=1 WHERE id=1", true},
		{"INVALID_SQL", false},
		{"ROLLBACK (auto)", true},
	}
	for i, want := range wantOutcomes {
		got := target.Statements[i]
		if got.Statement != want.statement || got.Success != want.success {
			t.Errorf("statement[%d] = {%q, %v}, want {%q, %v}",
				i, got.Statement, got.Success, want.statement, want.success)
		}
	}

	if target.Statements[2].Error == "" {
		t.Error("failed statement carries no error text")
	}

	// The INSERT after the failure must not have been dispatched.
	for _, sql := range sess.executed {
		if strings.HasPrefix(sql, "INSERT") {
			t.Error("INSERT executed despite continueOnError=false")
		}
	}
}

func TestRunContinueOnError(t *testing.T) {
	ctx := context.Background()
	sessions := newFakeSessions()
	sess := sessions.session("aws")
	sess.onRun = func(_ context.Context, sql string) Outcome {
		if strings.HasPrefix(sql, "INVALID_SQL") {
			return Outcome{Err: fmt.Errorf("syntax error")}
		}
		return Outcome{Command: firstWord(sql), RowCount: 1}
	}

	e, store, _ := newTestExecutor(t, sessions, Options{})
	_ = store.Init(ctx, "e1", "sql", nil)

	req := Request{
		Query:           "BEGIN; UPDATE t SET x=1 WHERE id=1; INVALID_SQL; INSERT INTO t VALUES(2);",
		Database:        "mydb",
		Mode:            "aws",
		ContinueOnError: true,
	}
	targets, _ := e.ResolveTargets(req)
	e.run(ctx, "e1", nil, req, targets)

	rec, _ := store.Get(ctx, "e1")
	var result map[string]json.RawMessage
	_ = json.Unmarshal(rec.Result, &result)
	var target TargetResult
	_ = json.Unmarshal(result["aws"], &target)

	if len(target.Statements) != 5 {
		t.Fatalf("statement results = %d, want 5", len(target.Statements))
	}
	last := target.Statements[4]
	if last.Statement != "INSERT INTO t VALUES(2)" || !last.Success {
		t.Errorf("last statement = %+v, want successful INSERT", last)
	}

	// Any failed statement makes the whole run failed.
	if target.Success || rec.Status != execstore.StatusFailed {
		t.Errorf("success = %v, status = %s", target.Success, rec.Status)
	}
}

func TestRunSingleStatement(t *testing.T) {
	ctx := context.Background()
	sessions := newFakeSessions()
	sess := sessions.session("aws")
	sess.onRun = func(_ context.Context, _ string) Outcome {
		return Outcome{
			Command:  "SELECT",
			RowCount: 2,
			Rows:     []map[string]any{{"id": 1}, {"id": 2}},
			Fields:   []FieldDesc{{Name: "id", DataTypeID: 23}},
		}
	}

	e, store, _ := newTestExecutor(t, sessions, Options{})
	_ = store.Init(ctx, "e1", "sql", nil)

	req := Request{Query: "SELECT id FROM t", Database: "mydb", Mode: "aws"}
	targets, _ := e.ResolveTargets(req)
	e.run(ctx, "e1", nil, req, targets)

	rec, _ := store.Get(ctx, "e1")
	if rec.Status != execstore.StatusCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}

	var result map[string]json.RawMessage
	_ = json.Unmarshal(rec.Result, &result)
	var target TargetResult
	_ = json.Unmarshal(result["aws"], &target)

	if !target.Success || target.Command != "SELECT" || target.RowCount != 2 {
		t.Errorf("target = %+v", target)
	}
	if len(target.Statements) != 0 {
		t.Error("single-statement path produced per-statement results")
	}
	if len(target.Fields) != 1 || target.Fields[0].Name != "id" {
		t.Errorf("fields = %+v", target.Fields)
	}
}

func TestRunReleasesSessionOnEveryPath(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		sessions := newFakeSessions()
		e, store, active := newTestExecutor(t, sessions, Options{})
		_ = store.Init(ctx, "e1", "sql", nil)

		req := Request{Query: "SELECT 1", Database: "mydb", Mode: "aws"}
		targets, _ := e.ResolveTargets(req)
		e.run(ctx, "e1", nil, req, targets)

		if !sessions.session("aws").released {
			t.Error("session leaked on success path")
		}
		if active.IsActive("e1") {
			t.Error("active registry entry leaked")
		}
	})

	t.Run("statement failure", func(t *testing.T) {
		sessions := newFakeSessions()
		sessions.session("aws").onRun = func(_ context.Context, _ string) Outcome {
			return Outcome{Err: fmt.Errorf("boom")}
		}
		e, store, active := newTestExecutor(t, sessions, Options{})
		_ = store.Init(ctx, "e1", "sql", nil)

		req := Request{Query: "SELECT 1; SELECT 2", Database: "mydb", Mode: "aws"}
		targets, _ := e.ResolveTargets(req)
		e.run(ctx, "e1", nil, req, targets)

		if !sessions.session("aws").released {
			t.Error("session leaked on failure path")
		}
		if active.IsActive("e1") {
			t.Error("active registry entry leaked")
		}
	})

	t.Run("invalid schema", func(t *testing.T) {
		sessions := newFakeSessions()
		e, store, _ := newTestExecutor(t, sessions, Options{})
		_ = store.Init(ctx, "e1", "sql", nil)

		req := Request{Query: "SELECT 1", Database: "mydb", Mode: "aws", PGSchema: "public; DROP TABLE x"}
		targets, _ := e.ResolveTargets(req)
		e.run(ctx, "e1", nil, req, targets)

		sess := sessions.session("aws")
		if !sess.released {
			t.Error("session leaked on invalid-schema path")
		}
		if len(sess.executed) != 0 {
			t.Errorf("statements executed despite invalid schema: %v", sess.executed)
		}
	})
}

func TestRunConnectFailureMirrorsStatements(t *testing.T) {
	ctx := context.Background()
	sessions := newFakeSessions()
	sessions.acquireErr["aws"] = fmt.Errorf("connection refused")

	e, store, _ := newTestExecutor(t, sessions, Options{})
	_ = store.Init(ctx, "e1", "sql", nil)

	req := Request{Query: "SELECT 1; SELECT 2; SELECT 3", Database: "mydb", Mode: ModeBoth}
	targets, _ := e.ResolveTargets(req)
	e.run(ctx, "e1", nil, req, targets)

	rec, _ := store.Get(ctx, "e1")
	var result map[string]json.RawMessage
	_ = json.Unmarshal(rec.Result, &result)

	var aws TargetResult
	_ = json.Unmarshal(result["aws"], &aws)
	if aws.Success {
		t.Error("unreachable target reported success")
	}
	if len(aws.Statements) != 3 {
		t.Fatalf("mirrored statements = %d, want 3", len(aws.Statements))
	}
	for _, sr := range aws.Statements {
		if !strings.Contains(sr.Error, "connection refused") {
			t.Errorf("statement error = %q", sr.Error)
		}
	}

	// The healthy secondary still ran.
	var gcp TargetResult
	_ = json.Unmarshal(result["gcp"], &gcp)
	if !gcp.Success {
		t.Errorf("healthy target failed: %+v", gcp)
	}
}

func TestRunStatementTimeout(t *testing.T) {
	ctx := context.Background()
	sessions := newFakeSessions()
	sessions.session("aws").onRun = func(ctx context.Context, _ string) Outcome {
		select {
		case <-ctx.Done():
			return Outcome{Err: ctx.Err()}
		case <-time.After(500 * time.Millisecond):
			return Outcome{Command: "SELECT"}
		}
	}

	e, store, _ := newTestExecutor(t, sessions, Options{
		StatementTimeout: 20 * time.Millisecond,
		MaxQueryTimeout:  20 * time.Millisecond,
	})
	_ = store.Init(ctx, "e1", "sql", nil)

	req := Request{Query: "SELECT pg_sleep(10)", Database: "mydb", Mode: "aws"}
	targets, _ := e.ResolveTargets(req)
	e.run(ctx, "e1", nil, req, targets)

	rec, _ := store.Get(ctx, "e1")
	var result map[string]json.RawMessage
	_ = json.Unmarshal(rec.Result, &result)
	var target TargetResult
	_ = json.Unmarshal(result["aws"], &target)

	if target.Success {
		t.Error("timed-out statement reported success")
	}
	if !strings.Contains(target.Error, "Statement timeout after 20ms") {
		t.Errorf("error = %q, want statement timeout message", target.Error)
	}
}

func TestRunCancellationStopsDispatch(t *testing.T) {
	ctx := context.Background()
	sessions := newFakeSessions()

	e, store, _ := newTestExecutor(t, sessions, Options{})
	_ = store.Init(ctx, "e1", "sql", nil)

	sess := sessions.session("aws")
	sess.afterStmt = func(sql string) {
		if strings.HasPrefix(sql, "SELECT 1") {
			_ = store.MarkCancelled(ctx, "e1")
		}
	}

	req := Request{Query: "SELECT 1; SELECT 2; SELECT 3", Database: "mydb", Mode: "aws"}
	targets, _ := e.ResolveTargets(req)
	e.run(ctx, "e1", nil, req, targets)

	if len(sess.executed) != 1 {
		t.Errorf("statements dispatched after cancel: %v", sess.executed)
	}

	rec, _ := store.Get(ctx, "e1")
	if rec.Status != execstore.StatusCancelled {
		t.Errorf("status = %s, want cancelled", rec.Status)
	}
}

func TestCancelIssuesBackendCancel(t *testing.T) {
	ctx := context.Background()
	sessions := newFakeSessions()
	e, store, active := newTestExecutor(t, sessions, Options{})
	_ = store.Init(ctx, "e1", "sql", nil)

	active.Register("e1", execstore.Backend{CloudKey: "aws/mydb", Cloud: "aws", Database: "mydb", PID: 4242})

	if err := e.Cancel(ctx, "e1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if !store.IsCancelled(ctx, "e1") {
		t.Error("cancellation flag not set")
	}
	if len(sessions.cancelled) != 1 || sessions.cancelled[0].PID != 4242 {
		t.Errorf("backend cancels = %+v", sessions.cancelled)
	}

	// Idempotent.
	if err := e.Cancel(ctx, "e1"); err != nil {
		t.Errorf("second Cancel: %v", err)
	}
}

func TestRunRecordsHistory(t *testing.T) {
	ctx := context.Background()
	sessions := newFakeSessions()
	hist := &fakeHistory{}

	e, store, _ := newTestExecutor(t, sessions, Options{History: hist})
	_ = store.Init(ctx, "e1", "sql", nil)

	req := Request{Query: "SELECT 1", Database: "mydb", Mode: "aws"}
	targets, _ := e.ResolveTargets(req)
	e.run(ctx, "e1", nil, req, targets)

	hist.mu.Lock()
	defer hist.mu.Unlock()
	if len(hist.entries) != 1 || !hist.entries[0].success {
		t.Errorf("history entries = %+v", hist.entries)
	}
}

func TestResponseMarshalDynamicKeys(t *testing.T) {
	resp := Response{
		ID:      "abc",
		Success: false,
		Targets: map[string]*TargetResult{
			"aws": {Success: true},
			"gcp": {Success: false, Error: "boom"},
		},
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, key := range []string{"id", "success", "aws", "gcp"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("missing key %q in %s", key, raw)
		}
	}
}
