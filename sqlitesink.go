package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteSink is a non-chained, indexed sink meant to serve as the
// service's designated query sink: the signed CSV log stays append-only
// and linear-scan-only, while reads and queries land here. One table per
// topic, keyed by event id, with a secondary index on transaction id.
type SQLiteSink struct {
	mu  sync.Mutex
	db  *sql.DB
	dir string

	schemas map[string]Schema
}

// NewSQLiteSink constructs an unconfigured sink; Configure must be called
// before Startup.
func NewSQLiteSink() *SQLiteSink {
	return &SQLiteSink{schemas: make(map[string]Schema)}
}

func (s *SQLiteSink) Name() string { return "sqlite" }

func (s *SQLiteSink) Configure(cfg SinkConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.LogDirectory == "" {
		return newErr(CodeBadRequest, "SQLiteSink.Configure", fmt.Errorf("log directory required"))
	}
	s.dir = cfg.LogDirectory
	db, err := sql.Open("sqlite", filepath.Join(s.dir, "audit.sqlite"))
	if err != nil {
		return newErr(CodeIO, "SQLiteSink.Configure", err)
	}
	s.db = db
	return nil
}

// RegisterTopic creates, if absent, the table backing topic.
func (s *SQLiteSink) RegisterTopic(schema Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if schema.Topic == "" {
		return newErr(CodeBadRequest, "SQLiteSink.RegisterTopic", fmt.Errorf("topic required"))
	}
	s.schemas[schema.Topic] = schema

	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (id TEXT PRIMARY KEY, transaction_id TEXT, fields BLOB)`,
		schema.Topic,
	)
	if _, err := s.db.Exec(stmt); err != nil {
		return newErr(CodeIO, "SQLiteSink.RegisterTopic", err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (transaction_id)`,
		schema.Topic+"_txn_idx", schema.Topic)
	if _, err := s.db.Exec(idx); err != nil {
		return newErr(CodeIO, "SQLiteSink.RegisterTopic", err)
	}
	return nil
}

func (s *SQLiteSink) Startup(ctx context.Context) error  { return nil }
func (s *SQLiteSink) Shutdown(ctx context.Context) error { return s.db.Close() }

func encodeFields(ev Event) ([]byte, error) {
	out := make(map[string]any, len(ev.Fields()))
	for k, v := range ev.Fields() {
		out[k] = v.AsInterface()
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, newErr(CodeBadRequest, "encodeFields", err)
	}
	return b, nil
}

func decodeFields(b []byte) (Event, error) {
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return Event{}, newErr(CodeIO, "decodeFields", err)
	}
	return NewEvent(fields)
}

// Publish inserts or replaces ev's row, keyed by its "_id" field.
func (s *SQLiteSink) Publish(ctx context.Context, topic string, ev Event) (Result, error) {
	if _, ok := s.schemas[topic]; !ok {
		return Result{}, newErr(CodeNotSupported, "SQLiteSink.Publish", fmt.Errorf("topic %q not registered", topic))
	}
	data, err := encodeFields(ev)
	if err != nil {
		return Result{}, err
	}
	stmt := fmt.Sprintf(`INSERT OR REPLACE INTO %q (id, transaction_id, fields) VALUES (?, ?, ?)`, topic)
	if _, err := s.db.ExecContext(ctx, stmt, ev.GetString("_id"), ev.GetString("transactionId"), data); err != nil {
		return Result{}, newErr(CodeIO, "SQLiteSink.Publish", err)
	}
	return Result{Topic: topic, Event: ev}, nil
}

// Read looks up a single row by id.
func (s *SQLiteSink) Read(ctx context.Context, topic, id string) (Result, error) {
	if _, ok := s.schemas[topic]; !ok {
		return Result{}, newErr(CodeNotSupported, "SQLiteSink.Read", fmt.Errorf("topic %q not registered", topic))
	}
	stmt := fmt.Sprintf(`SELECT fields FROM %q WHERE id = ?`, topic)
	row := s.db.QueryRowContext(ctx, stmt, id)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return Result{}, newErr(CodeNotFound, "SQLiteSink.Read", fmt.Errorf("topic %q: id %q not found", topic, id))
		}
		return Result{}, newErr(CodeIO, "SQLiteSink.Read", err)
	}
	ev, err := decodeFields(data)
	if err != nil {
		return Result{}, err
	}
	return Result{Topic: topic, Event: ev}, nil
}

// Query streams every row matching filter through handler, stopping early
// if handler returns true.
func (s *SQLiteSink) Query(ctx context.Context, topic string, filter Filter, handler QueryHandler) (Summary, error) {
	if _, ok := s.schemas[topic]; !ok {
		return Summary{}, newErr(CodeNotSupported, "SQLiteSink.Query", fmt.Errorf("topic %q not registered", topic))
	}

	var rows *sql.Rows
	var err error
	if filter.TransactionID != "" {
		stmt := fmt.Sprintf(`SELECT fields FROM %q WHERE transaction_id = ?`, topic)
		rows, err = s.db.QueryContext(ctx, stmt, filter.TransactionID)
	} else {
		stmt := fmt.Sprintf(`SELECT fields FROM %q`, topic)
		rows, err = s.db.QueryContext(ctx, stmt)
	}
	if err != nil {
		return Summary{}, newErr(CodeIO, "SQLiteSink.Query", err)
	}
	defer rows.Close()

	var summary Summary
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return summary, newErr(CodeIO, "SQLiteSink.Query", err)
		}
		ev, err := decodeFields(data)
		if err != nil {
			return summary, err
		}
		summary.Matched++
		if handler(Result{Topic: topic, Event: ev}) {
			summary.Stopped = true
			break
		}
	}
	if err := rows.Err(); err != nil {
		return summary, newErr(CodeIO, "SQLiteSink.Query", err)
	}
	return summary, nil
}
