// Package sqlexec dispatches batches of SQL statements in parallel across
// the configured relational clouds, streaming progress and partial results
// into the execution store.
package sqlexec

import (
	"encoding/json"
)

// ModeBoth fans out to the primary cloud and every secondary cloud.
const ModeBoth = "both"

// Request is a validated SQL submission.
type Request struct {
	Query           string `json:"query" validate:"required"`
	Database        string `json:"database" validate:"required"`
	Mode            string `json:"mode" validate:"required"`
	PGSchema        string `json:"pgSchema,omitempty"`
	TimeoutMS       int    `json:"timeout,omitempty" validate:"omitempty,gte=0"`
	Password        string `json:"password,omitempty"`
	ContinueOnError bool   `json:"continueOnError,omitempty"`
}

// FieldDesc describes one column of a result set.
type FieldDesc struct {
	Name       string `json:"name"`
	DataTypeID uint32 `json:"dataTypeID"`
}

// StatementResult is the outcome of one statement within a multi-statement
// batch on one target.
type StatementResult struct {
	Statement  string           `json:"statement"`
	Success    bool             `json:"success"`
	Command    string           `json:"command,omitempty"`
	RowCount   int              `json:"rowCount"`
	Rows       []map[string]any `json:"rows,omitempty"`
	Fields     []FieldDesc      `json:"fields,omitempty"`
	Error      string           `json:"error,omitempty"`
	DurationMS int64            `json:"duration_ms"`
}

// TargetResult is the outcome for one (cloud, database) target. A
// single-statement request reports its clean result inline; a multi-statement
// request reports per-statement outcomes.
type TargetResult struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`

	Command  string           `json:"command,omitempty"`
	RowCount int              `json:"rowCount,omitempty"`
	Rows     []map[string]any `json:"rows,omitempty"`
	Fields   []FieldDesc      `json:"fields,omitempty"`

	Statements []StatementResult `json:"statements,omitempty"`
}

// Response aggregates one result per target. On the wire each target appears
// under its cloud name, preserving the historical dynamic-keyed shape.
type Response struct {
	ID      string
	Success bool
	Targets map[string]*TargetResult
}

// MarshalJSON flattens the target map into dynamic cloud-name keys.
func (r Response) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Targets)+2)
	if r.ID != "" {
		out["id"] = r.ID
	}
	out["success"] = r.Success
	for cloud, tr := range r.Targets {
		out[cloud] = tr
	}
	return json.Marshal(out)
}

// Outcome is the raw result of running a single statement on a session.
type Outcome struct {
	Command  string
	RowCount int
	Rows     []map[string]any
	Fields   []FieldDesc
	Err      error

	durationMS int64
}
