package progress

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querytail/querytail/pkg/watermark"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "subscribe"))
	ctx := context.Background()

	rec := Record{
		Query: "select * from meters",
		Entries: []watermark.Entry{
			{Entity: 1, Key: 100},
			{Entity: 2, Key: 200},
		},
	}

	require.NoError(t, store.Save(ctx, "power", rec))

	loaded, ok, err := store.Load(ctx, "power")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.Query, loaded.Query)
	assert.Equal(t, rec.Entries, loaded.Entries)
}

func TestFileStoreColdStart(t *testing.T) {
	store := NewFileStore(t.TempDir())

	_, ok, err := store.Load(context.Background(), "nothing-here")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreSaveCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "deep", "subscribe")
	store := NewFileStore(dir)

	require.NoError(t, store.Save(context.Background(), "t", Record{Query: "select 1"}))

	_, err := os.Stat(filepath.Join(dir, "t"))
	require.NoError(t, err)
}

func TestFileStoreMalformedRecord(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad"), []byte("select 1\n12:oops\n"), 0o644))

	_, ok, err := store.Load(context.Background(), "bad")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestFileStoreDelete(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "gone", Record{Query: "select 1"}))
	require.NoError(t, store.Delete(ctx, "gone"))

	_, ok, err := store.Load(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a record that never existed is fine.
	require.NoError(t, store.Delete(ctx, "never-existed"))
}

func TestMarshalWritesAscendingEntityOrder(t *testing.T) {
	data := Marshal(Record{
		Query: "select 1",
		Entries: []watermark.Entry{
			{Entity: 9, Key: 90},
			{Entity: 1, Key: 10},
		},
	})
	assert.Equal(t, "select 1\n1:10\n9:90\n", string(data))
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	cases := map[string]string{
		"empty":           "",
		"missing colon":   "select 1\n123\n",
		"non-numeric id":  "select 1\nabc:5\n",
		"non-numeric key": "select 1\n5:abc\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestUnmarshalToleratesCRLF(t *testing.T) {
	rec, err := Unmarshal([]byte("select 1\r\n3:30\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "select 1", rec.Query)
	assert.Equal(t, []watermark.Entry{{Entity: 3, Key: 30}}, rec.Entries)
}

// The wire layout is a compatibility surface: existing progress files must
// keep loading across releases.
func TestRecordWireLayoutGolden(t *testing.T) {
	data := Marshal(Record{
		Query: "select ts, site, watts from meters where site = 'berlin'",
		Entries: []watermark.Entry{
			{Entity: 1, Key: 1700000000000},
			{Entity: 2, Key: watermark.KeyMin},
			{Entity: 9, Key: 42},
		},
	})

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "progress_record", data)
}
