package kvexec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wisbric/queryowl/pkg/cloud"
	"github.com/wisbric/queryowl/pkg/execstore"
)

type fakeNode struct {
	keys   []string
	err    error
	onScan func()
}

func (n *fakeNode) Scan(_ context.Context, cursor uint64, _ string, count int64) ([]string, uint64, error) {
	if n.onScan != nil {
		n.onScan()
	}
	if n.err != nil {
		return nil, 0, n.err
	}

	start := int(cursor)
	end := start + int(count)
	if end >= len(n.keys) {
		return n.keys[start:], 0, nil
	}
	return n.keys[start:end], uint64(end), nil
}

func (n *fakeNode) Close() error { return nil }

type fakeClusters struct {
	mu         sync.Mutex
	masters    map[string][]cloud.NodeInfo
	mastersErr map[string]error
	nodes      map[string]*fakeNode // node addr → scripted node
	unlinked   [][]string
	unlinkErr  error
}

func newFakeClusters() *fakeClusters {
	return &fakeClusters{
		masters:    make(map[string][]cloud.NodeInfo),
		mastersErr: make(map[string]error),
		nodes:      make(map[string]*fakeNode),
	}
}

func (f *fakeClusters) addNode(cloudName, host string, keys []string) *fakeNode {
	node := cloud.NodeInfo{Host: host, Port: 6379, ID: host}
	f.masters[cloudName] = append(f.masters[cloudName], node)
	fn := &fakeNode{keys: keys}
	f.nodes[node.Addr()] = fn
	return fn
}

func (f *fakeClusters) Masters(_ context.Context, cloudName string) ([]cloud.NodeInfo, error) {
	if err := f.mastersErr[cloudName]; err != nil {
		return nil, err
	}
	return f.masters[cloudName], nil
}

func (f *fakeClusters) NodeClient(_ string, node cloud.NodeInfo) NodeClient {
	return f.nodes[node.Addr()]
}

func (f *fakeClusters) Unlink(_ context.Context, _ string, keys []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unlinkErr != nil {
		return 0, f.unlinkErr
	}
	batch := append([]string(nil), keys...)
	f.unlinked = append(f.unlinked, batch)
	return int64(len(batch)), nil
}

func (f *fakeClusters) Do(_ context.Context, _ string, _ []any) (any, error) {
	return "OK", nil
}

func (f *fakeClusters) unlinkCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unlinked)
}

type fakeNotifier struct {
	mu      sync.Mutex
	deleted int
	calls   int
}

func (n *fakeNotifier) NotifyCacheDelete(_, _ string, _ []string, deleted int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	n.deleted = deleted
}

func newTestScanner(clusters Clusters, notify Notifier) (*Scanner, *execstore.MemoryStore) {
	store := execstore.NewMemoryStore(slog.Default())
	s := NewScanner(clusters, store, execstore.NewActiveRegistry(), notify, slog.Default())
	s.yield = time.Millisecond
	return s, store
}

func keysNamed(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s:%d", prefix, i)
	}
	return out
}

func checkInvariants(t *testing.T, p *execstore.ScanProgress) {
	t.Helper()
	if p.NodesScanned < 0 || p.NodesScanned > p.NodesTotal {
		t.Errorf("%s: nodesScanned %d outside [0,%d]", p.CloudName, p.NodesScanned, p.NodesTotal)
	}
	if p.KeysDeleted < 0 || p.KeysDeleted > p.KeysFound {
		t.Errorf("%s: keysDeleted %d exceeds keysFound %d", p.CloudName, p.KeysDeleted, p.KeysFound)
	}
}

func TestScanPreviewCompletes(t *testing.T) {
	ctx := context.Background()
	clusters := newFakeClusters()
	clusters.addNode("aws", "10.0.0.1", keysNamed("session", 3))
	clusters.addNode("aws", "10.0.0.2", keysNamed("session", 2))

	s, store := newTestScanner(clusters, nil)
	_ = store.Init(ctx, "e1", "scan", nil)

	s.run(ctx, "e1", "op@x", []string{"aws"}, ScanRequest{
		Pattern: "session:*", Cloud: "aws", Action: ActionPreview, ScanCount: 1000,
	})

	rec, err := store.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != execstore.StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}

	p := rec.Scan["aws"]
	checkInvariants(t, p)
	if p.NodesTotal != 2 || p.NodesScanned != 2 {
		t.Errorf("nodes = %d/%d, want 2/2", p.NodesScanned, p.NodesTotal)
	}
	if p.KeysFound != 5 || len(p.Keys) != 5 {
		t.Errorf("keysFound = %d, keys = %d, want 5/5", p.KeysFound, len(p.Keys))
	}
	if p.Status != scanStatusCompleted {
		t.Errorf("cloud status = %s", p.Status)
	}
	if clusters.unlinkCalls() != 0 {
		t.Error("preview issued UNLINK")
	}
}

func TestScanPreviewCapsKeys(t *testing.T) {
	ctx := context.Background()
	clusters := newFakeClusters()
	clusters.addNode("aws", "10.0.0.1", keysNamed("k", PreviewKeyCap+100))

	s, store := newTestScanner(clusters, nil)
	_ = store.Init(ctx, "e1", "scan", nil)

	s.run(ctx, "e1", "op@x", []string{"aws"}, ScanRequest{
		Pattern: "k:*", Cloud: "aws", Action: ActionPreview, ScanCount: MaxScanCount,
	})

	rec, _ := store.Get(ctx, "e1")
	p := rec.Scan["aws"]
	if p.KeysFound != PreviewKeyCap+100 {
		t.Errorf("keysFound = %d, want %d", p.KeysFound, PreviewKeyCap+100)
	}
	if len(p.Keys) != PreviewKeyCap {
		t.Errorf("materialised keys = %d, want cap %d", len(p.Keys), PreviewKeyCap)
	}
}

func TestScanDelete(t *testing.T) {
	ctx := context.Background()
	clusters := newFakeClusters()
	clusters.addNode("aws", "10.0.0.1", keysNamed("tmp", 2500))
	notify := &fakeNotifier{}

	s, store := newTestScanner(clusters, notify)
	_ = store.Init(ctx, "e1", "scan", nil)

	s.run(ctx, "e1", "op@x", []string{"aws"}, ScanRequest{
		Pattern: "tmp:*", Cloud: "aws", Action: ActionDelete, ScanCount: MaxScanCount,
	})

	rec, _ := store.Get(ctx, "e1")
	p := rec.Scan["aws"]
	checkInvariants(t, p)
	if p.KeysDeleted != 2500 {
		t.Errorf("keysDeleted = %d, want 2500", p.KeysDeleted)
	}
	if rec.Status != execstore.StatusCompleted {
		t.Errorf("status = %s", rec.Status)
	}

	// 2500 keys → batches of 1000, 1000, 500.
	clusters.mu.Lock()
	batches := make([]int, len(clusters.unlinked))
	for i, b := range clusters.unlinked {
		batches[i] = len(b)
	}
	clusters.mu.Unlock()
	if len(batches) != 3 || batches[0] != 1000 || batches[1] != 1000 || batches[2] != 500 {
		t.Errorf("batch sizes = %v", batches)
	}

	notify.mu.Lock()
	defer notify.mu.Unlock()
	if notify.calls != 1 || notify.deleted != 2500 {
		t.Errorf("notify calls=%d deleted=%d", notify.calls, notify.deleted)
	}
}

func TestScanCancelledMidScanIssuesNoUnlink(t *testing.T) {
	ctx := context.Background()
	clusters := newFakeClusters()

	// Two clouds with three masters each.
	for _, c := range []string{"aws", "gcp"} {
		for i := 0; i < 3; i++ {
			clusters.addNode(c, fmt.Sprintf("%s-node-%d", c, i), keysNamed("session", 10))
		}
	}

	s, store := newTestScanner(clusters, nil)
	_ = store.Init(ctx, "e1", "scan", nil)

	// Cancel as soon as the first node of the aws cloud reports; the gcp
	// cloud's first node holds its batch until the flag is visible so the
	// run deterministically stops after at most one node per cloud.
	clusters.nodes["aws-node-0:6379"].onScan = func() {
		_ = store.MarkCancelled(ctx, "e1")
	}
	clusters.nodes["gcp-node-0:6379"].onScan = func() {
		for !store.IsCancelled(ctx, "e1") {
			time.Sleep(time.Millisecond)
		}
	}

	s.run(ctx, "e1", "op@x", []string{"aws", "gcp"}, ScanRequest{
		Pattern: "session:*", Cloud: CloudAll, Action: ActionDelete, ScanCount: 1000,
	})

	rec, _ := store.Get(ctx, "e1")
	if rec.Status != execstore.StatusCancelled {
		t.Errorf("status = %s, want cancelled", rec.Status)
	}
	if clusters.unlinkCalls() != 0 {
		t.Error("UNLINK issued after cancellation")
	}

	for _, p := range rec.Scan {
		checkInvariants(t, p)
		if p.NodesScanned > 1 {
			t.Errorf("%s scanned %d nodes after cancel", p.CloudName, p.NodesScanned)
		}
	}
}

func TestScanDeleteCancelBetweenBatches(t *testing.T) {
	ctx := context.Background()
	clusters := newFakeClusters()
	clusters.addNode("aws", "10.0.0.1", keysNamed("tmp", 2000))

	store := execstore.NewMemoryStore(slog.Default())
	_ = store.Init(ctx, "e1", "scan", nil)

	// Cancel right after the first UNLINK batch lands; the between-batch
	// check must halt the delete phase with the partial count preserved.
	wrapped := &cancelAfterFirstUnlink{fakeClusters: clusters, store: store, id: "e1"}
	s := NewScanner(wrapped, store, execstore.NewActiveRegistry(), nil, slog.Default())
	s.yield = time.Millisecond

	s.run(ctx, "e1", "op@x", []string{"aws"}, ScanRequest{
		Pattern: "tmp:*", Cloud: "aws", Action: ActionDelete, ScanCount: MaxScanCount,
	})

	rec, _ := store.Get(ctx, "e1")
	p := rec.Scan["aws"]
	checkInvariants(t, p)
	if p.KeysDeleted != DeleteBatchSize {
		t.Errorf("keysDeleted = %d, want %d preserved from the pre-cancel batch", p.KeysDeleted, DeleteBatchSize)
	}
	if p.Status != scanStatusCancelled {
		t.Errorf("cloud status = %s, want cancelled", p.Status)
	}
}

// cancelAfterFirstUnlink flags cancellation right after the first delete
// batch succeeds.
type cancelAfterFirstUnlink struct {
	*fakeClusters
	store execstore.Store
	id    string
	once  sync.Once
}

func (c *cancelAfterFirstUnlink) Unlink(ctx context.Context, cloudName string, keys []string) (int64, error) {
	n, err := c.fakeClusters.Unlink(ctx, cloudName, keys)
	c.once.Do(func() {
		_ = c.store.MarkCancelled(ctx, c.id)
	})
	return n, err
}

func TestScanMastersError(t *testing.T) {
	ctx := context.Background()
	clusters := newFakeClusters()
	clusters.mastersErr["aws"] = fmt.Errorf("cluster unreachable")

	s, store := newTestScanner(clusters, nil)
	_ = store.Init(ctx, "e1", "scan", nil)

	s.run(ctx, "e1", "op@x", []string{"aws"}, ScanRequest{
		Pattern: "k:*", Cloud: "aws", Action: ActionPreview, ScanCount: 100,
	})

	rec, _ := store.Get(ctx, "e1")
	if rec.Status != execstore.StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	p := rec.Scan["aws"]
	if p.Status != scanStatusError || p.Error == "" {
		t.Errorf("cloud progress = %+v", p)
	}
}

func TestClampedCount(t *testing.T) {
	tests := []struct {
		in   int
		want int64
	}{
		{0, MinScanCount},
		{-5, MinScanCount},
		{100, 100},
		{MaxScanCount, MaxScanCount},
		{MaxScanCount + 1, MaxScanCount},
	}
	for _, tt := range tests {
		req := ScanRequest{ScanCount: tt.in}
		if got := req.ClampedCount(); got != tt.want {
			t.Errorf("ClampedCount(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name  string
		cells map[string]*execstore.ScanProgress
		want  execstore.Status
	}{
		{
			"all completed",
			map[string]*execstore.ScanProgress{"a": {Status: scanStatusCompleted}},
			execstore.StatusCompleted,
		},
		{
			"one error",
			map[string]*execstore.ScanProgress{
				"a": {Status: scanStatusCompleted},
				"b": {Status: scanStatusError},
			},
			execstore.StatusFailed,
		},
		{
			"cancelled wins over error",
			map[string]*execstore.ScanProgress{
				"a": {Status: scanStatusError},
				"b": {Status: scanStatusCancelled},
			},
			execstore.StatusCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := overallStatus(tt.cells); got != tt.want {
				t.Errorf("overallStatus = %s, want %s", got, tt.want)
			}
		})
	}
}
