package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SQLiteSpanStore keeps finished spans in a SQLite table, so a process
// that already runs on SQLite gets queryable traces without an external
// collector. It implements sdktrace.SpanExporter and plugs into
// Config.TraceExporter.
//
// The store does not own the *sql.DB; Shutdown leaves it open.
type SQLiteSpanStore struct {
	db        *sql.DB
	table     string
	retention time.Duration

	mu sync.Mutex
}

// SpanStoreOption configures a SQLiteSpanStore.
type SpanStoreOption func(*SQLiteSpanStore)

// WithSpanTable overrides the span table name (default "qt_spans").
func WithSpanTable(name string) SpanStoreOption {
	return func(s *SQLiteSpanStore) {
		s.table = name
	}
}

// WithSpanRetention prunes spans that ended more than d ago on each
// export. Zero keeps everything.
func WithSpanRetention(d time.Duration) SpanStoreOption {
	return func(s *SQLiteSpanStore) {
		s.retention = d
	}
}

// NewSQLiteSpanStore creates the span table if needed and returns a store
// writing to it.
func NewSQLiteSpanStore(db *sql.DB, opts ...SpanStoreOption) (*SQLiteSpanStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	s := &SQLiteSpanStore{
		db:    db,
		table: "qt_spans",
	}
	for _, opt := range opts {
		opt(s)
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			span_id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			parent_span_id TEXT,
			name TEXT NOT NULL,
			kind INTEGER NOT NULL,
			start_ns INTEGER NOT NULL,
			end_ns INTEGER NOT NULL,
			status_code INTEGER NOT NULL,
			status_note TEXT,
			attributes TEXT,
			events TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_trace_id ON %[1]s(trace_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_end_ns ON %[1]s(end_ns);
	`, s.table)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create span table: %w", err)
	}
	return s, nil
}

// SpanRecord is one stored span.
type SpanRecord struct {
	SpanID     string
	TraceID    string
	ParentID   string
	Name       string
	Kind       int
	Start      time.Time
	End        time.Time
	StatusCode int
	StatusNote string
	Attrs      map[string]any
	Events     []SpanEvent
}

// SpanEvent is one span event as stored.
type SpanEvent struct {
	Name  string         `json:"name"`
	At    int64          `json:"at"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// ExportSpans implements sdktrace.SpanExporter.
func (s *SQLiteSpanStore) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin span export: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (
			span_id, trace_id, parent_span_id, name, kind,
			start_ns, end_ns, status_code, status_note, attributes, events
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.table))
	if err != nil {
		return fmt.Errorf("prepare span insert: %w", err)
	}
	defer stmt.Close()

	for _, span := range spans {
		sc := span.SpanContext()

		var parent any
		if span.Parent().SpanID().IsValid() {
			parent = span.Parent().SpanID().String()
		}

		attrs, _ := json.Marshal(attrsAsMap(span.Attributes()))
		events, _ := json.Marshal(eventsAsRecords(span.Events()))

		if _, err := stmt.ExecContext(ctx,
			sc.SpanID().String(),
			sc.TraceID().String(),
			parent,
			span.Name(),
			int(span.SpanKind()),
			span.StartTime().UnixNano(),
			span.EndTime().UnixNano(),
			int(span.Status().Code),
			span.Status().Description,
			string(attrs),
			string(events),
		); err != nil {
			return fmt.Errorf("insert span %s: %w", span.Name(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit span export: %w", err)
	}

	if s.retention > 0 {
		cutoff := time.Now().Add(-s.retention).UnixNano()
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE end_ns < ?", s.table), cutoff); err != nil {
			return fmt.Errorf("prune spans: %w", err)
		}
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter. The database stays open.
func (s *SQLiteSpanStore) Shutdown(ctx context.Context) error {
	return nil
}

// SpansForTrace returns every stored span of one trace, oldest first.
func (s *SQLiteSpanStore) SpansForTrace(ctx context.Context, traceID string) ([]SpanRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT span_id, trace_id, parent_span_id, name, kind,
		       start_ns, end_ns, status_code, status_note, attributes, events
		FROM %s WHERE trace_id = ? ORDER BY start_ns
	`, s.table), traceID)
	if err != nil {
		return nil, fmt.Errorf("query trace %s: %w", traceID, err)
	}
	defer rows.Close()
	return collectSpans(rows)
}

// RecentSpans returns the newest spans with the given name, newest first.
// An empty name matches every span.
func (s *SQLiteSpanStore) RecentSpans(ctx context.Context, name string, limit int) ([]SpanRecord, error) {
	query := fmt.Sprintf(`
		SELECT span_id, trace_id, parent_span_id, name, kind,
		       start_ns, end_ns, status_code, status_note, attributes, events
		FROM %s WHERE (? = '' OR name = ?) ORDER BY start_ns DESC LIMIT ?
	`, s.table)

	rows, err := s.db.QueryContext(ctx, query, name, name, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent spans: %w", err)
	}
	defer rows.Close()
	return collectSpans(rows)
}

func collectSpans(rows *sql.Rows) ([]SpanRecord, error) {
	var out []SpanRecord
	for rows.Next() {
		var (
			rec              SpanRecord
			parent           sql.NullString
			startNS, endNS   int64
			attrsRaw, evtRaw string
		)
		if err := rows.Scan(&rec.SpanID, &rec.TraceID, &parent, &rec.Name, &rec.Kind,
			&startNS, &endNS, &rec.StatusCode, &rec.StatusNote, &attrsRaw, &evtRaw); err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		rec.ParentID = parent.String
		rec.Start = time.Unix(0, startNS)
		rec.End = time.Unix(0, endNS)
		if attrsRaw != "" {
			_ = json.Unmarshal([]byte(attrsRaw), &rec.Attrs)
		}
		if evtRaw != "" {
			_ = json.Unmarshal([]byte(evtRaw), &rec.Events)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func attrsAsMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, attr := range attrs {
		m[string(attr.Key)] = attr.Value.AsInterface()
	}
	return m
}

func eventsAsRecords(events []sdktrace.Event) []SpanEvent {
	out := make([]SpanEvent, len(events))
	for i, event := range events {
		out[i] = SpanEvent{
			Name:  event.Name,
			At:    event.Time.UnixNano(),
			Attrs: attrsAsMap(event.Attributes),
		}
	}
	return out
}
