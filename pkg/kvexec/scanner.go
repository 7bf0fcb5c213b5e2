package kvexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wisbric/queryowl/internal/telemetry"
	"github.com/wisbric/queryowl/pkg/cloud"
	"github.com/wisbric/queryowl/pkg/execstore"
)

// scanYield is the pause between non-terminal SCAN iterations, yielding
// scheduler time to the nodes being swept.
const scanYield = 100 * time.Millisecond

// Per-cloud scan statuses.
const (
	scanStatusPending   = "pending"
	scanStatusScanning  = "scanning"
	scanStatusDeleting  = "deleting"
	scanStatusCompleted = "completed"
	scanStatusCancelled = "cancelled"
	scanStatusError     = "error"
)

// Notifier announces finished cluster-wide deletes. Implemented by pkg/slack.
type Notifier interface {
	NotifyCacheDelete(user, pattern string, clouds []string, deleted int)
}

// Scanner is the cluster-wide SCAN/UNLINK executor. Clouds run concurrently;
// nodes within a cloud run sequentially.
type Scanner struct {
	clusters Clusters
	store    execstore.Store
	active   *execstore.ActiveRegistry
	notify   Notifier
	logger   *slog.Logger
	yield    time.Duration
}

// NewScanner creates the cache scan executor. notify may be nil.
func NewScanner(clusters Clusters, store execstore.Store, active *execstore.ActiveRegistry, notify Notifier, logger *slog.Logger) *Scanner {
	return &Scanner{
		clusters: clusters,
		store:    store,
		active:   active,
		notify:   notify,
		logger:   logger,
		yield:    scanYield,
	}
}

// Start launches the scan asynchronously for the given target clouds. user is
// the submitting operator, carried only for notification text.
func (s *Scanner) Start(id, user string, clouds []string, req ScanRequest) {
	go s.run(context.Background(), id, user, clouds, req)
}

// progressSet guards the shared per-cloud progress map; each cloud goroutine
// mutates only its own entry but snapshots marshal the whole map.
type progressSet struct {
	mu    sync.Mutex
	cells map[string]*execstore.ScanProgress
}

func newProgressSet(clouds []string) *progressSet {
	cells := make(map[string]*execstore.ScanProgress, len(clouds))
	for _, c := range clouds {
		cells[c] = &execstore.ScanProgress{CloudName: c, Status: scanStatusPending}
	}
	return &progressSet{cells: cells}
}

// update applies fn to one cloud's cell and returns a deep snapshot of the
// whole map for persisting.
func (p *progressSet) update(cloudName string, fn func(*execstore.ScanProgress)) map[string]*execstore.ScanProgress {
	p.mu.Lock()
	defer p.mu.Unlock()

	fn(p.cells[cloudName])
	return p.snapshotLocked()
}

// snapshot returns a deep copy of the whole map.
func (p *progressSet) snapshot() map[string]*execstore.ScanProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *progressSet) snapshotLocked() map[string]*execstore.ScanProgress {
	snap := make(map[string]*execstore.ScanProgress, len(p.cells))
	for name, cell := range p.cells {
		clone := *cell
		clone.Keys = append([]string(nil), cell.Keys...)
		snap[name] = &clone
	}
	return snap
}

func (s *Scanner) run(ctx context.Context, id, user string, clouds []string, req ScanRequest) {
	start := time.Now()

	telemetry.ExecutionsActive.Inc()
	defer telemetry.ExecutionsActive.Dec()

	progress := newProgressSet(clouds)
	s.save(ctx, id, progress.snapshot())

	g := new(errgroup.Group)
	for _, cloudName := range clouds {
		g.Go(func() error {
			s.scanCloud(ctx, id, cloudName, req, progress)
			return nil
		})
	}
	_ = g.Wait()

	final := progress.snapshot()
	s.save(ctx, id, final)

	status := overallStatus(final)
	if s.store.IsCancelled(ctx, id) {
		status = execstore.StatusCancelled
	}

	payload, err := json.Marshal(final)
	if err != nil {
		s.logger.Error("marshalling scan result", "execution_id", id, "error", err)
		payload = []byte(`{}`)
	}

	switch status {
	case execstore.StatusCancelled:
		// markCancelled already transitioned the record; persist the final
		// per-cloud counters alongside it.
		if err := s.store.SavePartial(ctx, id, payload); err != nil {
			s.logger.Error("saving cancelled scan result", "execution_id", id, "error", err)
		}
	default:
		if err := s.store.Complete(ctx, id, payload, status == execstore.StatusCompleted); err != nil {
			s.logger.Error("completing scan", "execution_id", id, "error", err)
		}
	}
	s.active.CompleteActive(id)

	telemetry.ExecutionsTotal.WithLabelValues("scan", string(status)).Inc()

	if req.Action == ActionDelete && s.notify != nil {
		deleted := 0
		for _, c := range final {
			deleted += c.KeysDeleted
		}
		s.notify.NotifyCacheDelete(user, req.Pattern, clouds, deleted)
	}

	s.logger.Info("cache scan finished",
		"execution_id", id,
		"clouds", len(clouds),
		"action", req.Action,
		"status", string(status),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// overallStatus resolves the run status from per-cloud states: cancelled if
// any cloud was cancelled, else failed if any errored, else completed.
func overallStatus(cells map[string]*execstore.ScanProgress) execstore.Status {
	status := execstore.StatusCompleted
	for _, c := range cells {
		switch c.Status {
		case scanStatusCancelled:
			return execstore.StatusCancelled
		case scanStatusError:
			status = execstore.StatusFailed
		}
	}
	return status
}

func (s *Scanner) save(ctx context.Context, id string, snap map[string]*execstore.ScanProgress) {
	if err := s.store.SaveScan(ctx, id, snap); err != nil {
		s.logger.Error("saving scan progress", "execution_id", id, "error", err)
	}
}

// scanCloud sweeps one cloud: topology, per-node cursor streaming, then the
// optional delete phase.
func (s *Scanner) scanCloud(ctx context.Context, id, cloudName string, req ScanRequest, progress *progressSet) {
	masters, err := s.clusters.Masters(ctx, cloudName)
	if err != nil {
		s.save(ctx, id, progress.update(cloudName, func(p *execstore.ScanProgress) {
			p.Status = scanStatusError
			p.Error = err.Error()
		}))
		return
	}

	s.save(ctx, id, progress.update(cloudName, func(p *execstore.ScanProgress) {
		p.NodesTotal = len(masters)
		p.Status = scanStatusScanning
	}))

	var collected []string
	cancelled, failed := false, false

	for _, node := range masters {
		if s.store.IsCancelled(ctx, id) {
			cancelled = true
			break
		}

		nodeKeys, err := s.scanNode(ctx, id, cloudName, node, req, progress, len(collected))
		if err != nil {
			if errors.Is(err, errScanCancelled) {
				cancelled = true
				break
			}
			s.save(ctx, id, progress.update(cloudName, func(p *execstore.ScanProgress) {
				p.Status = scanStatusError
				p.Error = err.Error()
			}))
			failed = true
			break
		}

		collected = append(collected, nodeKeys...)
		s.save(ctx, id, progress.update(cloudName, func(p *execstore.ScanProgress) {
			p.NodesScanned++
		}))
	}

	switch {
	case cancelled:
		s.save(ctx, id, progress.update(cloudName, func(p *execstore.ScanProgress) {
			p.Status = scanStatusCancelled
		}))
		return
	case failed:
		return
	}

	if req.Action == ActionDelete {
		s.deletePhase(ctx, id, cloudName, collected, progress)
		return
	}

	s.save(ctx, id, progress.update(cloudName, func(p *execstore.ScanProgress) {
		p.Status = scanStatusCompleted
	}))
}

var errScanCancelled = errors.New("scan cancelled")

// scanNode streams one node's cursor to exhaustion. Returns the keys kept
// under the preview cap; keysFound counts every match.
func (s *Scanner) scanNode(ctx context.Context, id, cloudName string, node cloud.NodeInfo, req ScanRequest, progress *progressSet, alreadyCollected int) ([]string, error) {
	nc := s.clusters.NodeClient(cloudName, node)
	defer func() {
		if err := nc.Close(); err != nil {
			s.logger.Warn("closing node client", "cloud", cloudName, "node", node.Addr(), "error", err)
		}
	}()

	var kept []string
	cursor := uint64(0)
	count := req.ClampedCount()

	for {
		if s.store.IsCancelled(ctx, id) {
			return kept, errScanCancelled
		}

		keys, next, err := nc.Scan(ctx, cursor, req.Pattern, count)
		if err != nil {
			return kept, fmt.Errorf("scanning node %s: %w", node.Addr(), err)
		}

		room := PreviewKeyCap - alreadyCollected - len(kept)
		add := keys
		if room <= 0 {
			add = nil
		} else if len(add) > room {
			add = add[:room]
		}
		kept = append(kept, add...)

		telemetry.ScanKeysFoundTotal.WithLabelValues(cloudName).Add(float64(len(keys)))

		s.save(ctx, id, progress.update(cloudName, func(p *execstore.ScanProgress) {
			p.KeysFound += len(keys)
			p.Keys = append(p.Keys, add...)
		}))

		if next == 0 {
			return kept, nil
		}
		cursor = next

		select {
		case <-ctx.Done():
			return kept, ctx.Err()
		case <-time.After(s.yield):
		}
	}
}

// deletePhase removes the collected keys in slot-routed batches, checking
// cancellation between batches so a partial keysDeleted count survives.
func (s *Scanner) deletePhase(ctx context.Context, id, cloudName string, keys []string, progress *progressSet) {
	s.save(ctx, id, progress.update(cloudName, func(p *execstore.ScanProgress) {
		p.Status = scanStatusDeleting
	}))

	for start := 0; start < len(keys); start += DeleteBatchSize {
		if s.store.IsCancelled(ctx, id) {
			s.save(ctx, id, progress.update(cloudName, func(p *execstore.ScanProgress) {
				p.Status = scanStatusCancelled
			}))
			return
		}

		end := start + DeleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}

		removed, err := s.clusters.Unlink(ctx, cloudName, keys[start:end])
		if err != nil {
			s.save(ctx, id, progress.update(cloudName, func(p *execstore.ScanProgress) {
				p.Status = scanStatusError
				p.Error = err.Error()
			}))
			return
		}

		telemetry.ScanKeysDeletedTotal.WithLabelValues(cloudName).Add(float64(removed))
		s.save(ctx, id, progress.update(cloudName, func(p *execstore.ScanProgress) {
			p.KeysDeleted += int(removed)
		}))
	}

	s.save(ctx, id, progress.update(cloudName, func(p *execstore.ScanProgress) {
		p.Status = scanStatusCompleted
	}))
}

// Cancel flags the run; the executor halts at its next check.
func (s *Scanner) Cancel(ctx context.Context, id string) error {
	return s.store.MarkCancelled(ctx, id)
}
