// Package kvexec runs cluster-wide SCAN/UNLINK sweeps and synchronous
// command fan-out against the configured key-value clouds.
package kvexec

import (
	"context"
	"encoding/json"

	"github.com/wisbric/queryowl/pkg/cloud"
)

// Actions for a scan run.
const (
	ActionPreview = "preview"
	ActionDelete  = "delete"
)

// ScanCount bounds; requests outside the range are clamped.
const (
	MinScanCount = 1
	MaxScanCount = 200000
)

// PreviewKeyCap bounds how many matched keys are materialised per cloud.
// Beyond the cap keysFound keeps counting but keys[] stops growing.
const PreviewKeyCap = 10000

// DeleteBatchSize is how many keys one UNLINK pipeline round removes.
const DeleteBatchSize = 1000

// CloudAll selects every configured KV cloud.
const CloudAll = "all"

// ScanRequest is a validated SCAN submission.
type ScanRequest struct {
	Pattern   string `json:"pattern" validate:"required"`
	Cloud     string `json:"cloud" validate:"required"`
	Action    string `json:"action" validate:"required,oneof=preview delete"`
	ScanCount int    `json:"scanCount,omitempty" validate:"omitempty,gte=0"`
}

// ClampedCount returns the effective per-iteration SCAN COUNT.
func (r ScanRequest) ClampedCount() int64 {
	switch {
	case r.ScanCount < MinScanCount:
		return MinScanCount
	case r.ScanCount > MaxScanCount:
		return MaxScanCount
	}
	return int64(r.ScanCount)
}

// CommandRequest is a structured or raw cache command submission.
type CommandRequest struct {
	Command string   `json:"command" validate:"required"`
	Args    []string `json:"args,omitempty"`
	Cloud   string   `json:"cloud" validate:"required"`
}

// CloudCommandResult is one cloud's outcome for a command fan-out.
type CloudCommandResult struct {
	Success    bool   `json:"success"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// CommandResponse aggregates per-cloud outcomes; clouds appear as dynamic
// keys on the wire.
type CommandResponse struct {
	ID      string
	Success bool
	Command string
	Clouds  map[string]*CloudCommandResult
}

// MarshalJSON flattens the cloud map into dynamic keys.
func (r CommandResponse) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Clouds)+3)
	out["id"] = r.ID
	out["success"] = r.Success
	out["command"] = r.Command
	for name, res := range r.Clouds {
		out[name] = res
	}
	return json.Marshal(out)
}

// NodeClient is a short-lived direct connection to one cluster node, used to
// stream SCAN cursors. Implemented over go-redis; faked in tests.
type NodeClient interface {
	Scan(ctx context.Context, cursor uint64, match string, count int64) (keys []string, next uint64, err error)
	Close() error
}

// Clusters is the cluster-facing surface the executors need: topology,
// per-node scan clients, slot-routed deletes, and command dispatch.
type Clusters interface {
	Masters(ctx context.Context, cloudName string) ([]cloud.NodeInfo, error)
	NodeClient(cloudName string, node cloud.NodeInfo) NodeClient
	Unlink(ctx context.Context, cloudName string, keys []string) (int64, error)
	Do(ctx context.Context, cloudName string, args []any) (any, error)
}
