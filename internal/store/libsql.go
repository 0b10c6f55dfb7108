package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loomworks/loom/internal/xjson"
	"github.com/loomworks/loom/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/loom.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func (s *LibSQLStore) CreateExecution(ctx context.Context, rec *schema.ExecutionRecord) error {
	graph, err := xjson.Marshal(rec.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	pin, err := marshalOrNil(rec.PinData)
	if err != nil {
		return fmt.Errorf("marshal pin data: %w", err)
	}
	trigger, err := marshalOrNil(rec.TriggerData)
	if err != nil {
		return fmt.Errorf("marshal trigger data: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, mode, graph, pin_data, run_data, trigger_data, error, retry_of, started_at, stopped_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, NULL)`,
		rec.ID, rec.WorkflowID, string(rec.Status), string(rec.Mode),
		string(graph), pin, nil, trigger, nullStr(rec.RetryOf), timeOrNow(rec.StartedAt),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create execution %s", rec.ID).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) SealExecution(ctx context.Context, rec *schema.ExecutionRecord) error {
	runData, err := marshalOrNil(rec.RunData)
	if err != nil {
		return fmt.Errorf("marshal run data: %w", err)
	}
	var execErr any
	if rec.Error != nil {
		b, err := xjson.Marshal(rec.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		execErr = string(b)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, run_data = ?, error = ?, stopped_at = ? WHERE id = ?`,
		string(rec.Status), runData, execErr, nullTime(rec.StoppedAt), rec.ID,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "seal execution %s", rec.ID).WithCause(err)
	}
	return checkRowsAffected(res, "execution", rec.ID)
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, mode, graph, pin_data, run_data, trigger_data, error, retry_of, started_at, stopped_at
		 FROM executions WHERE id = ?`, id)

	rec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get execution %s", id).WithCause(err)
	}
	return rec, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, f Filter) ([]*schema.ExecutionRecord, error) {
	query := `SELECT id, workflow_id, status, mode, graph, pin_data, run_data, trigger_data, error, retry_of, started_at, stopped_at
	          FROM executions`
	where, args := filterClauses(f)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list executions").WithCause(err)
	}
	defer rows.Close()

	var out []*schema.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan execution").WithCause(err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteExecutions(ctx context.Context, f Filter) (int64, error) {
	where, args := filterClauses(f)
	// Never delete unsealed rows.
	where = append(where, "stopped_at IS NOT NULL")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "begin delete").WithCause(err)
	}
	defer tx.Rollback()

	clause := " WHERE " + strings.Join(where, " AND ")
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM events WHERE execution_id IN (SELECT id FROM executions"+clause+")",
		args...); err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "delete events").WithCause(err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM executions"+clause, args...)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "delete executions").WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "commit delete").WithCause(err)
	}
	return n, nil
}

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence. The transaction serializes concurrent appenders on the single
// write connection.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

// GetEvents returns events with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "get events").WithCause(err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan event").WithCause(err)
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*schema.ExecutionRecord, error) {
	rec := &schema.ExecutionRecord{}
	var status, mode, graph string
	var pin, runData, trigger, execErr, retryOf sql.NullString
	var stoppedAt sql.NullTime

	err := row.Scan(&rec.ID, &rec.WorkflowID, &status, &mode, &graph,
		&pin, &runData, &trigger, &execErr, &retryOf, &rec.StartedAt, &stoppedAt)
	if err != nil {
		return nil, err
	}

	rec.Status = schema.ExecutionStatus(status)
	rec.Mode = schema.ExecutionMode(mode)
	rec.RetryOf = retryOf.String
	if stoppedAt.Valid {
		t := stoppedAt.Time
		rec.StoppedAt = &t
	}

	if err := xjson.Unmarshal([]byte(graph), &rec.Graph); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	if err := unmarshalNull(pin, &rec.PinData); err != nil {
		return nil, fmt.Errorf("unmarshal pin data: %w", err)
	}
	if err := unmarshalNull(runData, &rec.RunData); err != nil {
		return nil, fmt.Errorf("unmarshal run data: %w", err)
	}
	if err := unmarshalNull(trigger, &rec.TriggerData); err != nil {
		return nil, fmt.Errorf("unmarshal trigger data: %w", err)
	}
	if err := unmarshalNull(execErr, &rec.Error); err != nil {
		return nil, fmt.Errorf("unmarshal error: %w", err)
	}
	return rec, nil
}

func filterClauses(f Filter) ([]string, []any) {
	var where []string
	var args []any
	if f.ID != "" {
		where = append(where, "id = ?")
		args = append(args, f.ID)
	}
	if f.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.StoppedBefore != nil {
		where = append(where, "stopped_at IS NOT NULL AND stopped_at < ?")
		args = append(args, *f.StoppedBefore)
	}
	return where, args
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.LoomError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r []byte) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) []byte {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return []byte(ns.String)
}

func marshalOrNil(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := xjson.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalNull(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return xjson.Unmarshal([]byte(ns.String), dst)
}

var _ Store = (*LibSQLStore)(nil)
