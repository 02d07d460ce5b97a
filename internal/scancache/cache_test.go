package scancache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Cache {
	return Cache{
		{MDT: "elm-MDT0000", CatIdx: 1, RecIdx: 2}: {
			Hash: "d41d8cd98f00b204e9800998ecf8427e", Action: "ARCHIVE",
			FID: "0xa", ActionKey: "0xa:ARCHIVE",
		},
		{MDT: "elm-MDT0001", CatIdx: 517, RecIdx: 31144}: {
			Hash: "900150983cd24fb0d6963f7d28e17f72", Action: "RESTORE",
			FID: "0xb", ActionKey: "0xb:RESTORE",
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "shipper_cache.json")
	want := sample()
	require.NoError(t, SaveAtomic(want, path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// The temp sibling must not survive the rename.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadMissingFile(t *testing.T) {
	got, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	got, err := Load(path)
	assert.Error(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestLoadMalformedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"justonefield": {"hash": "x"}}`), 0o644))

	got, err := Load(path)
	assert.Error(t, err)
	assert.Empty(t, got)
}

func TestSaveAtomicOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, SaveAtomic(sample(), path))
	require.NoError(t, SaveAtomic(Cache{}, path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCloneIsDeep(t *testing.T) {
	orig := sample()
	snap := orig.Clone()
	key := Key{MDT: "elm-MDT0000", CatIdx: 1, RecIdx: 2}
	orig[key] = Entry{Hash: "changed"}
	delete(orig, Key{MDT: "elm-MDT0001", CatIdx: 517, RecIdx: 31144})

	assert.Equal(t, sample(), snap)
}
