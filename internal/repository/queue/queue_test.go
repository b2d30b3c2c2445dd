package queue

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealed_chat/internal/protocol/frame"
)

func openPath(t *testing.T, path string, opts Options) *Queue {
	t.Helper()
	if opts.BudgetBytes == 0 {
		opts.BudgetBytes = 1 << 20
	}
	q, err := Open(path, opts)
	require.NoError(t, err)
	return q
}

func open(t *testing.T, opts Options) *Queue {
	t.Helper()
	q := openPath(t, filepath.Join(t.TempDir(), "queue.db"), opts)
	t.Cleanup(func() { q.Close() })
	return q
}

// recordSize measures the on-disk size of one record with a raw payload of
// rawLen bytes. Record IDs and timestamps encode at fixed widths, so every
// record with the same payload length costs the same.
func recordSize(t *testing.T, rawLen int) int64 {
	t.Helper()
	q := open(t, Options{})
	_, err := q.Enqueue(bytes.Repeat([]byte{0xaa}, rawLen), byte(frame.TypeSealed), "")
	require.NoError(t, err)
	return q.ResidentBytes()
}

func TestFIFORoundTrip(t *testing.T) {
	q := open(t, Options{})

	raws := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	for _, raw := range raws {
		_, err := q.Enqueue(raw, byte(frame.TypeSealed), "")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range raws {
		rec, err := q.DequeueNext(byte(frame.TypeSealed), "")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, want, rec.Raw)

		// DequeueNext does not remove; the same record comes back until
		// it is removed explicitly.
		again, err := q.DequeueNext(byte(frame.TypeSealed), "")
		require.NoError(t, err)
		assert.Equal(t, rec.ID, again.ID)

		require.NoError(t, q.Remove(rec.ID))
	}

	rec, err := q.DequeueNext(byte(frame.TypeSealed), "")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, 0, q.Len())
	assert.Zero(t, q.ResidentBytes())
}

func TestEvictionOldestFirst(t *testing.T) {
	s := recordSize(t, 1000)
	q := open(t, Options{BudgetBytes: 3 * s})

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(bytes.Repeat([]byte{byte(i)}, 1000), byte(frame.TypeSealed), "")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 3*s, q.ResidentBytes())

	// A fourth record forces the oldest out.
	id4, err := q.Enqueue(bytes.Repeat([]byte{0x04}, 1000), byte(frame.TypeSealed), "")
	require.NoError(t, err)
	assert.Equal(t, 3, q.Len())

	pending, err := q.Pending(0)
	require.NoError(t, err)
	got := make([]string, 0, len(pending))
	for _, rec := range pending {
		got = append(got, rec.ID)
	}
	assert.Equal(t, []string{ids[1], ids[2], id4}, got)
}

func TestRecordLargerThanBudget(t *testing.T) {
	q := open(t, Options{BudgetBytes: 64})
	_, err := q.Enqueue(bytes.Repeat([]byte{0xaa}, 1000), byte(frame.TypeSealed), "")
	require.ErrorIs(t, err, ErrFull)
	assert.Equal(t, 0, q.Len())
}

func TestTTLPurge(t *testing.T) {
	q := open(t, Options{TTL: time.Hour})
	now := time.Unix(1700000000, 0)
	q.nowFn = func() time.Time { return now }

	_, err := q.Enqueue([]byte("old"), byte(frame.TypeSealed), "")
	require.NoError(t, err)
	_, err = q.Enqueue([]byte("also old"), byte(frame.TypeSealedEvent), "")
	require.NoError(t, err)
	assert.Equal(t, 2, q.Len())

	now = now.Add(2 * time.Hour)
	_, err = q.Enqueue([]byte("fresh"), byte(frame.TypeSealed), "")
	require.NoError(t, err)

	pending, err := q.Pending(0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []byte("fresh"), pending[0].Raw)
	assert.Equal(t, 1, q.Len())
}

func TestTTLPurgeOnDequeue(t *testing.T) {
	q := open(t, Options{TTL: time.Minute})
	now := time.Unix(1700000000, 0)
	q.nowFn = func() time.Time { return now }

	_, err := q.Enqueue([]byte("ephemeral"), byte(frame.TypeSealed), "")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	rec, err := q.DequeueNext(byte(frame.TypeSealed), "")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, 0, q.Len())
	assert.Zero(t, q.ResidentBytes())
}

func TestKindAndStreamFilters(t *testing.T) {
	q := open(t, Options{})

	_, err := q.Enqueue([]byte("msg-s1"), byte(frame.TypeSealed), "s1")
	require.NoError(t, err)
	_, err = q.Enqueue([]byte("event"), byte(frame.TypeSealedEvent), "")
	require.NoError(t, err)
	_, err = q.Enqueue([]byte("msg-s2"), byte(frame.TypeSealed), "s2")
	require.NoError(t, err)

	pending, err := q.Pending(byte(frame.TypeSealed))
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	all, err := q.Pending(0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	rec, err := q.DequeueNext(byte(frame.TypeSealed), "s2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("msg-s2"), rec.Raw)

	rec, err = q.DequeueNext(byte(frame.TypeSealedEvent), "")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("event"), rec.Raw)

	rec, err = q.DequeueNext(byte(frame.TypeSealed), "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRemoveAbsent(t *testing.T) {
	q := open(t, Options{})
	_, err := q.Enqueue([]byte("keep"), byte(frame.TypeSealed), "")
	require.NoError(t, err)

	require.NoError(t, q.Remove("no-such-id"))
	assert.Equal(t, 1, q.Len())
}

func TestReopenRebuildsIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	q := openPath(t, path, Options{})
	var ids []string
	for _, raw := range [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")} {
		id, err := q.Enqueue(raw, byte(frame.TypeSealed), "")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	resident := q.ResidentBytes()
	require.NoError(t, q.Close())

	// Only what was durably written exists after reopening.
	q = openPath(t, path, Options{})
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, resident, q.ResidentBytes())

	pending, err := q.Pending(0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []byte("a"), pending[0].Raw)
	assert.Equal(t, []byte("ccc"), pending[2].Raw)

	require.NoError(t, q.Remove(ids[1]))
	require.NoError(t, q.Close())

	q = openPath(t, path, Options{})
	defer q.Close()
	assert.Equal(t, 2, q.Len())
	pending, err = q.Pending(0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, []byte("a"), pending[0].Raw)
	assert.Equal(t, []byte("ccc"), pending[1].Raw)
}
