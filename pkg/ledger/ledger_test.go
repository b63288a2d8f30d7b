package ledger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndVerifyChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := l.Append(map[string]interface{}{"event": "test", "n": i})
		require.NoError(t, err)
	}

	ok, reason := l.VerifyChain()
	assert.True(t, ok, reason)
}

func TestReadAllReturnsIndicesInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := l.Append(map[string]interface{}{"n": i})
		require.NoError(t, err)
	}

	entries, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, i, e.Index)
	}
	assert.Equal(t, Genesis, entries[0].PreviousHash)
	assert.Equal(t, entries[0].EntryHash, entries[1].PreviousHash)
}

func TestTamperedPayloadBreaksChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := l.Append(map[string]interface{}{"n": i})
		require.NoError(t, err)
	}

	entries, err := l.ReadAll()
	require.NoError(t, err)
	entries[1].Payload["n"] = 999 // tamper in place

	ok, _ := VerifyEntries(entries)
	assert.False(t, ok, "tampering a payload must break both that entry's hash and successor links")
}

func TestEmptyLedgerVerifiesTrue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path)
	require.NoError(t, err)

	ok, reason := l.VerifyChain()
	assert.True(t, ok, reason)
}

func TestFirstEntryChainsFromGenesis(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path)
	require.NoError(t, err)

	entry, err := l.Append(map[string]interface{}{"event": "first"})
	require.NoError(t, err)
	assert.Equal(t, Genesis, entry.PreviousHash)
	assert.Equal(t, 0, entry.Index)
}
