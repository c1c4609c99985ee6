package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/querytail/querytail/pkg/backend"
	"github.com/querytail/querytail/pkg/watermark"
)

// queryShape matches the supported statement form:
//
//	select <columns> from <target> [where <predicate>]
//
// target is either a registered concrete table (single-entity) or a group
// name (multi-entity). Execution rewrites the statement per member table
// with the entity's watermark bound injected, so trailing clauses beyond a
// where predicate are not supported.
var queryShape = regexp.MustCompile(`(?s)^\s*select\s+(.+?)\s+from\s+([a-z_][a-z0-9_]*)\s*(.*)$`)

var (
	_ backend.Session  = (*Store)(nil)
	_ backend.Engine   = (*Store)(nil)
	_ backend.Catalog  = (*Store)(nil)
	_ backend.Registry = (*Store)(nil)
	_ backend.Query    = (*Query)(nil)
	_ backend.Rows     = (*queryRows)(nil)
)

// Query is a validated statement bound to one subscription.
type Query struct {
	store *Store
	id    uuid.UUID
	text  string

	columns string
	target  string
	where   string

	single      bool
	singleID    watermark.EntityID
	singleTable string

	mu        sync.Mutex
	view      backend.WatermarkView
	entities  []backend.Entity
	multiMode bool
	current   *queryRows
	closed    bool
}

// Prepare parses and validates text against the catalog. The session must
// be the store itself.
func (s *Store) Prepare(ctx context.Context, sess backend.Session, text string) (backend.Query, error) {
	if st, ok := sess.(*Store); !ok || st != s {
		return nil, fmt.Errorf("session does not belong to this store")
	}

	norm := strings.ToLower(text)
	stmt := strings.TrimRight(strings.TrimSpace(norm), "; \t\n")
	if strings.Contains(stmt, ";") {
		return nil, fmt.Errorf("%w: multiple statements", backend.ErrInvalidQueryKind)
	}
	if !strings.HasPrefix(stmt, "select") {
		return nil, backend.ErrInvalidQueryKind
	}

	m := queryShape.FindStringSubmatch(stmt)
	if m == nil {
		return nil, fmt.Errorf("malformed query %q", text)
	}
	columns, target := strings.TrimSpace(m[1]), m[2]
	rest := strings.TrimSpace(m[3])

	var where string
	switch {
	case rest == "":
	case strings.HasPrefix(rest, "where "):
		where = strings.TrimSpace(strings.TrimPrefix(rest, "where "))
	default:
		return nil, fmt.Errorf("%w: only a where predicate may follow the target", backend.ErrInvalidQueryKind)
	}

	q := &Query{
		store:   s,
		id:      uuid.New(),
		text:    text,
		columns: columns,
		target:  target,
		where:   where,
	}

	// A concrete table resolves to a single entity, a group to a dynamic
	// set. Anything else is unknown.
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT entity_id FROM qt_entities WHERE table_name = ?`, target).Scan(&id)
	switch {
	case err == nil:
		q.single = true
		q.singleID = watermark.EntityID(id)
		q.singleTable = target
	case err == sql.ErrNoRows:
		var exists int
		gerr := s.db.QueryRowContext(ctx, `SELECT 1 FROM qt_groups WHERE name = ?`, target).Scan(&exists)
		if gerr == sql.ErrNoRows {
			return nil, fmt.Errorf("unknown table or group %q", target)
		}
		if gerr != nil {
			return nil, fmt.Errorf("failed to resolve target %q: %w", target, gerr)
		}
	default:
		return nil, fmt.Errorf("failed to resolve target %q: %w", target, err)
	}

	if err := s.probe(ctx, q); err != nil {
		return nil, err
	}
	return q, nil
}

// probe compiles the rewritten statement against a concrete member table
// to surface bad column references at subscribe time. An empty group has
// nothing to compile against and is accepted as is.
func (s *Store) probe(ctx context.Context, q *Query) error {
	table := q.singleTable
	if !q.single {
		err := s.db.QueryRowContext(ctx,
			`SELECT table_name FROM qt_entities WHERE group_name = ? ORDER BY entity_id LIMIT 1`,
			q.target,
		).Scan(&table)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to probe group %q: %w", q.target, err)
		}
	}
	stmt, err := s.db.PrepareContext(ctx, buildEntityQuery(q.columns, table, q.where))
	if err != nil {
		return fmt.Errorf("invalid query for %q: %w", q.target, err)
	}
	return stmt.Close()
}

// Submit snapshots the query's entity set and watermark bounds, then runs
// the per-entity scans on a background goroutine. The snapshot happens
// before Submit returns so the watermark view is never read concurrently
// with the owning subscription.
func (s *Store) Submit(bq backend.Query, done chan<- backend.Result) {
	q, ok := bq.(*Query)
	if !ok {
		done <- backend.Result{Err: fmt.Errorf("query does not belong to this store")}
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		done <- backend.Result{Err: backend.ErrQueryClosed}
		return
	}
	view := q.view
	var targets []scanTarget
	if q.single {
		bound := watermark.Key(0)
		if view != nil {
			bound = view.Get(q.singleID, 0)
		}
		targets = []scanTarget{{entity: q.singleID, table: q.singleTable, bound: bound}}
	} else {
		targets = make([]scanTarget, 0, len(q.entities))
		for _, e := range q.entities {
			bound := watermark.KeyMin
			if view != nil {
				bound = view.Get(e.ID, watermark.KeyMin)
			}
			targets = append(targets, scanTarget{entity: e.ID, table: e.Name, bound: bound})
		}
	}
	q.mu.Unlock()

	s.Attach(q)

	go func() {
		r := newQueryRows(s.db, q, targets)
		if err := r.prime(); err != nil {
			done <- backend.Result{Err: err}
			return
		}
		q.setCurrent(r)
		done <- backend.Result{Rows: r}
	}()
}

// Resolve returns the group's current membership in entity-id order.
func (s *Store) Resolve(ctx context.Context, bq backend.Query) ([]backend.Entity, error) {
	q, ok := bq.(*Query)
	if !ok {
		return nil, fmt.Errorf("query does not belong to this store")
	}
	if _, single := q.SingleEntity(); single {
		return []backend.Entity{{ID: q.singleID, Name: q.singleTable}}, nil
	}

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM qt_groups WHERE name = ?`, q.target).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("group %q no longer exists", q.target)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve group %q: %w", q.target, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, table_name, tags FROM qt_entities WHERE group_name = ? ORDER BY entity_id`,
		q.target,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve group %q: %w", q.target, err)
	}
	defer rows.Close()

	var entities []backend.Entity
	for rows.Next() {
		var (
			id      int64
			table   string
			rawTags string
		)
		if err := rows.Scan(&id, &table, &rawTags); err != nil {
			return nil, fmt.Errorf("failed to scan group member: %w", err)
		}
		tags := map[string]string{}
		if err := json.Unmarshal([]byte(rawTags), &tags); err != nil {
			return nil, fmt.Errorf("corrupt tags for entity %d: %w", id, err)
		}
		entities = append(entities, backend.Entity{
			ID:   watermark.EntityID(id),
			Name: table,
			Tags: tags,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to resolve group %q: %w", q.target, err)
	}
	return entities, nil
}

// Attach records q as in flight.
func (s *Store) Attach(bq backend.Query) {
	q, ok := bq.(*Query)
	if !ok {
		return
	}
	s.mu.Lock()
	s.active[q.id] = q
	s.mu.Unlock()
}

// Detach removes q from the in-flight set. Detaching an absent query is a
// no-op.
func (s *Store) Detach(bq backend.Query) {
	q, ok := bq.(*Query)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.active, q.id)
	s.mu.Unlock()
}

// ActiveQueries returns the texts of currently attached queries, for
// introspection.
func (s *Store) ActiveQueries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for _, q := range s.active {
		out = append(out, q.text)
	}
	return out
}

// Text returns the statement the query was prepared from.
func (q *Query) Text() string { return q.text }

// SingleEntity reports whether the query targets one concrete table.
func (q *Query) SingleEntity() (watermark.EntityID, bool) {
	return q.singleID, q.single
}

// BindWatermarks attaches the progress view consulted on every Submit.
func (q *Query) BindWatermarks(view backend.WatermarkView) {
	q.mu.Lock()
	q.view = view
	q.mu.Unlock()
}

// BindEntities replaces the cached group membership and marks the query
// multi-entity.
func (q *Query) BindEntities(entities []backend.Entity) {
	next := make([]backend.Entity, len(entities))
	copy(next, entities)
	q.mu.Lock()
	q.entities = next
	q.multiMode = true
	q.mu.Unlock()
}

// Reset closes any row sequence left over from a previous submission.
// Execution state is otherwise rebuilt per Submit; the multi-entity flag
// is untouched.
func (q *Query) Reset() {
	q.mu.Lock()
	r := q.current
	q.current = nil
	q.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// Close releases the query and detaches it from the store.
func (q *Query) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return backend.ErrQueryClosed
	}
	q.closed = true
	r := q.current
	q.current = nil
	q.mu.Unlock()
	if r != nil {
		r.Close()
	}
	q.store.Detach(q)
	return nil
}

// MultiMode reports whether BindEntities has marked the query
// multi-entity. Used by tests.
func (q *Query) MultiMode() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.multiMode
}

func (q *Query) setCurrent(r *queryRows) {
	q.mu.Lock()
	q.current = r
	q.mu.Unlock()
}
