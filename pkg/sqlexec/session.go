package sqlexec

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/queryowl/pkg/cloud"
	"github.com/wisbric/queryowl/pkg/execstore"
)

// Session is a dedicated client held for the duration of one target.
// Statements run strictly sequentially on it to preserve transaction
// semantics. Release must be called on every exit path.
type Session interface {
	Run(ctx context.Context, sql string) Outcome
	SetSearchPath(ctx context.Context, schema string) error
	PID() uint32
	Release()
}

// Sessions acquires dedicated clients per target and routes engine-level
// cancellation. The production implementation sits on the pool registry;
// tests substitute fakes.
type Sessions interface {
	Acquire(ctx context.Context, cloudName, database string) (Session, error)
	CancelBackend(ctx context.Context, b execstore.Backend) error
}

// poolSessions is the pgx-backed Sessions implementation.
type poolSessions struct {
	registry *cloud.Registry
}

// NewPoolSessions creates the production Sessions over the pool registry.
func NewPoolSessions(registry *cloud.Registry) Sessions {
	return &poolSessions{registry: registry}
}

func (p *poolSessions) Acquire(ctx context.Context, cloudName, database string) (Session, error) {
	pool, err := p.registry.SQLPool(ctx, cloudName, database)
	if err != nil {
		return nil, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.registry.ReportSQLFailure(cloudName, database, err)
		return nil, fmt.Errorf("acquiring client for %s/%s: %w", cloudName, database, err)
	}

	p.registry.ReportSQLSuccess(cloudName, database)
	return &poolSession{conn: conn}, nil
}

// CancelBackend issues pg_cancel_backend for a registered session on a
// separate administrative client from the same pool.
func (p *poolSessions) CancelBackend(ctx context.Context, b execstore.Backend) error {
	pool, err := p.registry.SQLPool(ctx, b.Cloud, b.Database)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, "SELECT pg_cancel_backend($1)", int32(b.PID)); err != nil {
		return fmt.Errorf("cancelling backend %d on %s: %w", b.PID, b.CloudKey, err)
	}
	return nil
}

type poolSession struct {
	conn *pgxpool.Conn
}

func (s *poolSession) PID() uint32 {
	return s.conn.Conn().PgConn().PID()
}

func (s *poolSession) SetSearchPath(ctx context.Context, schema string) error {
	if _, err := s.conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", schema)); err != nil {
		return fmt.Errorf("setting search_path to %s: %w", schema, err)
	}
	return nil
}

func (s *poolSession) Release() {
	s.conn.Release()
}

// Run executes one statement and materialises its result. Query is used for
// every statement kind; pgx surfaces the command tag either way.
func (s *poolSession) Run(ctx context.Context, sql string) Outcome {
	rows, err := s.conn.Query(ctx, sql)
	if err != nil {
		return Outcome{Err: err}
	}

	var fields []FieldDesc
	for _, fd := range rows.FieldDescriptions() {
		fields = append(fields, FieldDesc{Name: fd.Name, DataTypeID: fd.DataTypeOID})
	}

	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			rows.Close()
			return Outcome{Err: err}
		}
		row := make(map[string]any, len(values))
		for i, v := range values {
			row[rows.FieldDescriptions()[i].Name] = v
		}
		out = append(out, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Outcome{Err: err}
	}

	tag := rows.CommandTag()
	rowCount := len(out)
	if rowCount == 0 {
		rowCount = int(tag.RowsAffected())
	}

	command := tag.String()
	if i := strings.IndexByte(command, ' '); i > 0 {
		command = command[:i]
	}

	return Outcome{
		Command:  command,
		RowCount: rowCount,
		Rows:     out,
		Fields:   fields,
	}
}
