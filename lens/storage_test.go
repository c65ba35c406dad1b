package lens

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageCommon(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		store Storage
	}{
		{
			name:  "mem",
			store: NewMemStorage(),
		},
		{
			name:  "prefix",
			store: KeyPrefixStorage(NewMemStorage(), "run-1"),
		},
	}

	if !testing.Short() {
		dir := filepath.Join(t.TempDir(), "badger")
		badgerStore, err := NewBadgerStorage(dir, 64)
		require.NoError(t, err)
		t.Cleanup(badgerStore.Close)

		tests = append(tests, struct {
			name  string
			store Storage
		}{
			name:  "badger",
			store: badgerStore,
		})
	}

	for _, tc := range tests {
		t.Run(tc.name+"_save_load_delete", func(t *testing.T) {
			require.NoError(t, tc.store.Clear())
			data := []byte("coverage blob")

			require.NoError(t, tc.store.SaveState("t1", data))
			got, ok, err := tc.store.LoadState("t1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, data, got)

			require.NoError(t, tc.store.DeleteState("t1"))
			_, ok, err = tc.store.LoadState("t1")
			require.NoError(t, err)
			assert.False(t, ok)
		})

		t.Run(tc.name+"_list_keys", func(t *testing.T) {
			require.NoError(t, tc.store.Clear())

			require.NoError(t, tc.store.SaveState("test;a", []byte{1}))
			require.NoError(t, tc.store.SaveState("test;b", []byte{2}))
			require.NoError(t, tc.store.SaveState("meta;c", []byte{3}))

			keys, err := tc.store.ListKeys()
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"test;a", "test;b", "meta;c"}, keys)

			keys, err = tc.store.ListKeysPrefix("test;")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"test;a", "test;b"}, keys)
		})

		t.Run(tc.name+"_clear", func(t *testing.T) {
			require.NoError(t, tc.store.SaveState("t1", []byte{1}))
			require.NoError(t, tc.store.Clear())

			keys, err := tc.store.ListKeys()
			require.NoError(t, err)
			assert.Empty(t, keys)
		})

		t.Run(tc.name+"_missing_key", func(t *testing.T) {
			_, ok, err := tc.store.LoadState("never-written")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestKeyPrefixStorageIsolation(t *testing.T) {
	t.Parallel()

	base := NewMemStorage()
	runA := KeyPrefixStorage(base, "run-a")
	runB := KeyPrefixStorage(base, "run-b")

	require.NoError(t, runA.SaveState("t1", []byte("a")))
	require.NoError(t, runB.SaveState("t1", []byte("b")))

	got, ok, err := runA.LoadState("t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("a"), got)

	keys, err := base.ListKeys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"run-a;t1", "run-b;t1"}, keys)

	require.NoError(t, runA.Clear())
	keys, err = runB.ListKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, keys)
}

func TestKeyPrefixStorageEmptyPrefix(t *testing.T) {
	t.Parallel()

	base := NewMemStorage()
	assert.Equal(t, base, KeyPrefixStorage(base, ""))
}

func TestZstdRoundTrip(t *testing.T) {
	t.Parallel()

	data := []byte("user.php:1 user.php:2 user.php:3 repeated coverage keys compress well")
	compressed := ZstdCompress(nil, data)
	decompressed, err := ZstdDecompress(nil, compressed)
	require.NoError(t, err)
	assert.Equal(t, data, decompressed)
}
