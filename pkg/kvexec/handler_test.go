package kvexec

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/queryowl/internal/audit"
	"github.com/wisbric/queryowl/internal/auth"
	"github.com/wisbric/queryowl/pkg/cloud"
	"github.com/wisbric/queryowl/pkg/execstore"
)

func kvTestConfig() *cloud.Config {
	db := cloud.DBConfig{
		Name: "mydb", Host: "localhost", Port: 5432, User: "u", Password: "p",
		Database: "mydb", Schemas: []string{"public"}, DefaultSchema: "public",
	}
	return &cloud.Config{
		Primary: cloud.SQLCloud{CloudName: "aws", DBConfigs: []cloud.DBConfig{db}},
		KVClouds: []cloud.KVCloud{
			{CloudName: "aws", Host: "redis-aws", Port: 6379},
			{CloudName: "gcp", Host: "redis-gcp", Port: 6379},
		},
	}
}

type kvFixture struct {
	handler *Handler
	store   *execstore.MemoryStore
}

func newKVFixture(t *testing.T) *kvFixture {
	t.Helper()

	clusters := newFakeClusters()
	cfg := kvTestConfig()
	store := execstore.NewMemoryStore(slog.Default())
	commander := NewCommander(clusters, cfg, slog.Default())
	scanner := NewScanner(clusters, store, execstore.NewActiveRegistry(), nil, slog.Default())
	auditW := audit.NewWriter(nil, slog.Default())

	h := NewHandler(commander, scanner, store, cfg, auditW, slog.Default())
	return &kvFixture{handler: h, store: store}
}

func (f *kvFixture) do(t *testing.T, role, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(raw)))
	r.Header.Set("Content-Type", "application/json")
	r = r.WithContext(auth.NewContext(r.Context(), &auth.Identity{
		UserID: uuid.New(),
		Email:  "op@example.com",
		Role:   role,
	}))

	w := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(w, r)
	return w
}

func TestHandleExecuteBlockedRawCommand(t *testing.T) {
	f := newKVFixture(t)

	w := f.do(t, auth.RoleMaster, "/execute", CommandRequest{
		Command: "RAW", Args: []string{"FLUSHALL"}, Cloud: "aws",
	})

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "FLUSHALL") {
		t.Errorf("rejection does not name the blocked command: %s", w.Body.String())
	}
}

func TestHandleExecuteReaderWriteDenied(t *testing.T) {
	f := newKVFixture(t)

	w := f.do(t, auth.RoleReader, "/execute", CommandRequest{
		Command: "SET", Args: []string{"k", "v"}, Cloud: "aws",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestHandleExecuteFansOut(t *testing.T) {
	f := newKVFixture(t)

	w := f.do(t, auth.RoleUser, "/execute", CommandRequest{
		Command: "SET", Args: []string{"k", "v"}, Cloud: CloudAll,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"id", "success", "command", "aws", "gcp"} {
		if _, ok := resp[key]; !ok {
			t.Errorf("missing key %q in %s", key, w.Body.String())
		}
	}
}

func TestHandleScanWildcardPattern(t *testing.T) {
	f := newKVFixture(t)

	for _, pattern := range []string{"*", "**", "?"} {
		w := f.do(t, auth.RoleMaster, "/scan", ScanRequest{
			Pattern: pattern, Cloud: "aws", Action: ActionPreview,
		})
		if w.Code != http.StatusForbidden {
			t.Errorf("pattern %q: status = %d, want 403", pattern, w.Code)
		}
	}
}

func TestHandleScanReaderDeleteDenied(t *testing.T) {
	f := newKVFixture(t)

	w := f.do(t, auth.RoleReader, "/scan", ScanRequest{
		Pattern: "session:*", Cloud: "aws", Action: ActionDelete,
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestHandleScanAccepted(t *testing.T) {
	f := newKVFixture(t)

	w := f.do(t, auth.RoleReader, "/scan", ScanRequest{
		Pattern: "session:*", Cloud: "aws", Action: ActionPreview,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["executionId"] == "" {
		t.Fatal("no executionId returned")
	}
	if _, err := f.store.Get(context.Background(), resp["executionId"]); err != nil {
		t.Errorf("record not readable: %v", err)
	}
}

func TestHandleScanUnknownCloud(t *testing.T) {
	f := newKVFixture(t)

	w := f.do(t, auth.RoleUser, "/scan", ScanRequest{
		Pattern: "session:*", Cloud: "azure", Action: ActionPreview,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleScanStatusUnknown(t *testing.T) {
	f := newKVFixture(t)

	r := httptest.NewRequest(http.MethodGet, "/scan/"+uuid.New().String(), nil)
	r = r.WithContext(auth.NewContext(r.Context(), &auth.Identity{UserID: uuid.New(), Role: auth.RoleReader}))
	w := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
