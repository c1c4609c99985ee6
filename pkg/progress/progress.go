// Package progress persists subscription watermarks so a restarted client
// resumes where it stopped instead of re-reading consumed data.
//
// A record is plain UTF-8 text: line 1 is the subscription's exact query
// text, each following line is one "<entityId>:<progressKey>" pair in
// ascending entity order. The query text acts as a guard, not a semantic
// match: any byte difference invalidates the whole record. There is no
// checksum and no versioning beyond that literal match.
package progress

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/querytail/querytail/pkg/watermark"
)

// Record is one persisted snapshot of a subscription's progress.
type Record struct {
	// Query is the normalized query text the watermarks belong to.
	Query string

	// Entries are the per-entity watermarks, ascending by entity.
	Entries []watermark.Entry
}

// Store persists one record per topic. Persistence is an optimization for
// crash recovery, never a correctness dependency: the engine logs store
// failures and carries on.
type Store interface {
	// Save writes the record for topic, replacing any previous one.
	Save(ctx context.Context, topic string, rec Record) error

	// Load reads the record for topic. A missing record is a cold start:
	// (zero, false, nil). A record that exists but cannot be parsed is an
	// error; callers degrade to cold-start semantics.
	Load(ctx context.Context, topic string) (Record, bool, error)

	// Delete removes the record for topic. Deleting a missing record is
	// not an error.
	Delete(ctx context.Context, topic string) error
}

// Marshal encodes rec into the wire layout. Entries are written in
// ascending entity order regardless of input order.
func Marshal(rec Record) []byte {
	entries := make([]watermark.Entry, len(rec.Entries))
	copy(entries, rec.Entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Entity < entries[j].Entity })

	var b bytes.Buffer
	b.WriteString(rec.Query)
	b.WriteByte('\n')
	for _, e := range entries {
		fmt.Fprintf(&b, "%d:%d\n", e.Entity, e.Key)
	}
	return b.Bytes()
}

// Unmarshal parses data produced by Marshal. A malformed watermark line
// aborts parsing with an error; callers treat that the same as no prior
// state.
func Unmarshal(data []byte) (Record, error) {
	if len(data) == 0 {
		return Record{}, fmt.Errorf("empty progress record")
	}

	lines := strings.Split(string(data), "\n")
	rec := Record{Query: strings.TrimSuffix(lines[0], "\r")}

	for i, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		sep := strings.IndexByte(line, ':')
		if sep < 0 {
			return Record{}, fmt.Errorf("malformed watermark on line %d: %q", i+2, line)
		}
		id, err := strconv.ParseInt(line[:sep], 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("malformed entity id on line %d: %w", i+2, err)
		}
		key, err := strconv.ParseInt(line[sep+1:], 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("malformed progress key on line %d: %w", i+2, err)
		}
		rec.Entries = append(rec.Entries, watermark.Entry{
			Entity: watermark.EntityID(id),
			Key:    watermark.Key(key),
		})
	}

	sort.Slice(rec.Entries, func(i, j int) bool { return rec.Entries[i].Entity < rec.Entries[j].Entity })
	return rec, nil
}
