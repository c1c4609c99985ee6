package sqlite

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/querytail/querytail/pkg/watermark"
)

// scanTarget is one entity scan captured at Submit time: the member table
// and the watermark bound its rows must exceed.
type scanTarget struct {
	entity watermark.EntityID
	table  string
	bound  watermark.Key
}

// buildEntityQuery rewrites the prepared statement for one member table,
// injecting the ordering key as the first column and the watermark bound
// into the predicate.
func buildEntityQuery(columns, table, where string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "select ts, %s from %s where ts > ?", columns, table)
	if where != "" {
		fmt.Fprintf(&b, " and (%s)", where)
	}
	b.WriteString(" order by ts")
	return b.String()
}

// queryRows streams the per-entity scans of one submission, opening each
// member table's cursor on demand. The sequence is single-pass; a scan
// failure ends it and is reported through Err.
type queryRows struct {
	db      *sql.DB
	columns string
	where   string
	targets []scanTarget

	mu        sync.Mutex
	idx       int
	cur       *sql.Rows
	curTable  string
	curEntity watermark.EntityID
	curKey    int64
	holders   []any
	userCols  []string
	err       error
	closed    bool
}

func newQueryRows(db *sql.DB, q *Query, targets []scanTarget) *queryRows {
	return &queryRows{
		db:      db,
		columns: q.columns,
		where:   q.where,
		targets: targets,
	}
}

// prime opens the first entity's cursor so submission fails fast on broken
// statements instead of surfacing the error mid-iteration. An empty target
// set primes to an empty sequence.
func (r *queryRows) prime() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.targets) == 0 {
		return nil
	}
	if !r.open(r.targets[0]) {
		return r.err
	}
	r.idx = 1
	return nil
}

// open starts the scan of one target. Callers hold r.mu.
func (r *queryRows) open(t scanTarget) bool {
	rows, err := r.db.Query(buildEntityQuery(r.columns, t.table, r.where), int64(t.bound))
	if err != nil {
		r.err = fmt.Errorf("failed to scan %s: %w", t.table, err)
		return false
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		r.err = fmt.Errorf("failed to scan %s: %w", t.table, err)
		return false
	}
	r.cur = rows
	r.curTable = t.table
	r.curEntity = t.entity
	if r.userCols == nil {
		r.userCols = cols[1:]
	}
	r.holders = make([]any, len(cols))
	r.holders[0] = &r.curKey
	for i := 1; i < len(cols); i++ {
		r.holders[i] = new(any)
	}
	return true
}

// Next advances to the next row, moving on to the next entity when the
// current one is exhausted.
func (r *queryRows) Next() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.err != nil {
		return false
	}
	for {
		if r.cur == nil {
			if r.idx >= len(r.targets) {
				return false
			}
			t := r.targets[r.idx]
			if !r.open(t) {
				return false
			}
			r.idx++
		}
		if r.cur.Next() {
			if err := r.cur.Scan(r.holders...); err != nil {
				r.err = fmt.Errorf("failed to read row from %s: %w", r.curTable, err)
				return false
			}
			return true
		}
		if err := r.cur.Err(); err != nil {
			r.err = fmt.Errorf("failed to scan %s: %w", r.curTable, err)
			return false
		}
		r.cur.Close()
		r.cur = nil
	}
}

// Entity returns the owner of the current row.
func (r *queryRows) Entity() watermark.EntityID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.curEntity
}

// Key returns the ordering key of the current row.
func (r *queryRows) Key() watermark.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return watermark.Key(r.curKey)
}

// Columns returns the names of the caller's projection. They are known
// once the first entity scan has opened; an empty sequence reports none.
func (r *queryRows) Columns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.userCols))
	copy(out, r.userCols)
	return out
}

// Scan copies the current row's columns into dest.
func (r *queryRows) Scan(dest ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return fmt.Errorf("no current row")
	}
	if len(dest) != len(r.holders)-1 {
		return fmt.Errorf("expected %d destinations, got %d", len(r.holders)-1, len(dest))
	}
	for i, d := range dest {
		src := *(r.holders[i+1].(*any))
		if err := assignValue(d, src); err != nil {
			return fmt.Errorf("column %s: %w", r.userCols[i], err)
		}
	}
	return nil
}

// Err returns the first error hit during iteration.
func (r *queryRows) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close releases the sequence. Safe to call more than once and from a
// goroutine other than the reader.
func (r *queryRows) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.cur != nil {
		r.cur.Close()
		r.cur = nil
	}
	return nil
}

// assignValue copies a driver value into a caller destination, covering
// the types the SQLite driver produces.
func assignValue(dest, src any) error {
	switch d := dest.(type) {
	case *any:
		*d = src
	case *string:
		switch s := src.(type) {
		case string:
			*d = s
		case []byte:
			*d = string(s)
		case int64:
			*d = strconv.FormatInt(s, 10)
		case float64:
			*d = strconv.FormatFloat(s, 'g', -1, 64)
		case nil:
			*d = ""
		default:
			return fmt.Errorf("cannot assign %T to *string", src)
		}
	case *int64:
		switch s := src.(type) {
		case int64:
			*d = s
		case float64:
			*d = int64(s)
		default:
			return fmt.Errorf("cannot assign %T to *int64", src)
		}
	case *int:
		switch s := src.(type) {
		case int64:
			*d = int(s)
		case float64:
			*d = int(s)
		default:
			return fmt.Errorf("cannot assign %T to *int", src)
		}
	case *float64:
		switch s := src.(type) {
		case float64:
			*d = s
		case int64:
			*d = float64(s)
		default:
			return fmt.Errorf("cannot assign %T to *float64", src)
		}
	case *bool:
		switch s := src.(type) {
		case bool:
			*d = s
		case int64:
			*d = s != 0
		default:
			return fmt.Errorf("cannot assign %T to *bool", src)
		}
	case *[]byte:
		switch s := src.(type) {
		case []byte:
			*d = append([]byte(nil), s...)
		case string:
			*d = []byte(s)
		case nil:
			*d = nil
		default:
			return fmt.Errorf("cannot assign %T to *[]byte", src)
		}
	case *time.Time:
		switch s := src.(type) {
		case time.Time:
			*d = s
		case int64:
			*d = time.UnixMilli(s)
		default:
			return fmt.Errorf("cannot assign %T to *time.Time", src)
		}
	default:
		return fmt.Errorf("unsupported destination type %T", dest)
	}
	return nil
}
