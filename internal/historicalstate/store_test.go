package historicalstate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoltStorePutGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := OpenBoltStore(path)
	require.NoError(t, err)
	defer store.Close()

	frame := frameAt(1, "tmplA")
	record := NewRecord(1, "b1", frame, 0, nil, nil, "tmplA", "tmplA", 0, 1, []string{"tmplA"}, 1000)

	require.NoError(t, store.Put(1, record, frame, nil))

	gotRecord, gotFrame, gotSnap, ok, err := store.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, record.BlockHash, gotRecord.BlockHash)
	require.Equal(t, frame.BlockHash, gotFrame.BlockHash)
	require.Nil(t, gotSnap)
}

func TestBoltStoreDeleteAbove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := OpenBoltStore(path)
	require.NoError(t, err)
	defer store.Close()

	for h := int64(1); h <= 5; h++ {
		frame := frameAt(h, "tmplA")
		record := NewRecord(h, "b", frame, 0, nil, nil, "tmplA", "", 0, h, nil, 1000+h)
		require.NoError(t, store.Put(h, record, frame, nil))
	}

	removed, err := store.DeleteAbove(2)
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	_, _, _, ok, err := store.Get(1)
	require.NoError(t, err)
	require.True(t, ok)

	_, _, _, ok, err = store.Get(3)
	require.NoError(t, err)
	require.False(t, ok)
}
