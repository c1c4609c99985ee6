// Package backend defines the narrow interfaces a query-capable data store
// must provide for subscriptions to run against it. The subscription engine
// never parses, plans, or transports queries itself; it drives these
// collaborators and tracks per-entity progress.
//
// A reference implementation over SQLite lives in backend/sqlite.
package backend

import (
	"context"
	"errors"

	"github.com/querytail/querytail/pkg/watermark"
)

var (
	// ErrInvalidQueryKind is returned by Prepare when the statement is not
	// a read-only, row-producing query.
	ErrInvalidQueryKind = errors.New("only row-producing queries can back a subscription")

	// ErrQueryClosed is returned when a released query is used again.
	ErrQueryClosed = errors.New("query has been released")
)

// Session represents an authenticated connection to the data store.
type Session interface {
	// Alive reports whether the session is still usable. Subscribing over
	// a dead session fails without creating any state.
	Alive() bool
}

// Entity describes one concrete table/row-group matched by a query.
type Entity struct {
	// ID is the stable integer identifier progress is tracked under.
	ID watermark.EntityID

	// Name is the concrete table name.
	Name string

	// Tags are the entity's tag values at resolution time.
	Tags map[string]string
}

// WatermarkView is the read-only window onto a subscription's progress
// that the store consults when executing, so each entity's scan starts
// after its last acknowledged key. *watermark.Set satisfies it.
type WatermarkView interface {
	Get(id watermark.EntityID, dflt watermark.Key) watermark.Key
}

// Query is a bound, validated query object owned by exactly one
// subscription for its whole lifetime.
type Query interface {
	// Text returns the normalized query text the subscription was created
	// with. Persisted progress is keyed on this exact text.
	Text() string

	// SingleEntity reports whether the query targets exactly one concrete
	// entity, and which. Pattern queries over a dynamic entity set return
	// false and go through Catalog.Resolve instead.
	SingleEntity() (watermark.EntityID, bool)

	// BindWatermarks attaches the progress view consulted during
	// execution. Called once, before the first Submit.
	BindWatermarks(view WatermarkView)

	// BindEntities caches the concrete per-partition entity membership and
	// tag bindings a pattern query executes against, and marks the query's
	// execution mode as multi-entity. Called by reconciliation.
	BindEntities(entities []Entity)

	// Reset clears transient execution state (result buffers, partition
	// position) ahead of a resubmission. The multi-entity execution-mode
	// flag survives a Reset.
	Reset()

	// Close releases the bound query. Further use returns ErrQueryClosed.
	Close() error
}

// Result is the single completion message delivered for one Submit.
type Result struct {
	Rows Rows
	Err  error
}

// Engine prepares and executes queries.
type Engine interface {
	// Prepare parses and plans text over the session, returning the bound
	// query object. Non-row-producing statements fail with
	// ErrInvalidQueryKind; invalid text fails with the store's parse error.
	Prepare(ctx context.Context, sess Session, text string) (Query, error)

	// Submit starts asynchronous execution and returns immediately. Exactly
	// one Result is later delivered on done, whether the query succeeded or
	// failed. There is no way to cancel an in-flight submission; a wedged
	// store blocks the consuming cycle indefinitely.
	Submit(q Query, done chan<- Result)
}

// Rows is a lazy, single-pass, non-restartable row sequence produced by a
// successful execution. Every row belongs to an entity and carries the
// ordering key callers feed back into the watermark set once the row is
// durably processed.
type Rows interface {
	// Next advances to the next row, returning false when the sequence is
	// exhausted or failed. Check Err after a false return.
	Next() bool

	// Entity returns the owning entity of the current row.
	Entity() watermark.EntityID

	// Key returns the ordering key of the current row.
	Key() watermark.Key

	// Scan copies the current row's columns into dest, database/sql style.
	Scan(dest ...any) error

	// Columns returns the column names of the result.
	Columns() []string

	// Err returns the first error encountered during iteration.
	Err() error

	// Close releases the sequence. Safe to call more than once.
	Close() error
}

// Catalog resolves the current entity set matched by a pattern query by
// issuing a derived metadata query against the store.
type Catalog interface {
	// Resolve returns every entity q currently matches, with tag values.
	// On failure the caller aborts its reconciliation cycle and leaves
	// prior state untouched.
	Resolve(ctx context.Context, q Query) ([]Entity, error)
}

// Registry tracks a session's in-flight queries. Submit attaches; the
// consume loop detaches before every resubmission and after a terminal
// failure so no stale cross-references survive a retry.
type Registry interface {
	Attach(q Query)
	Detach(q Query)
}
