package overflow

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/specmemd/internal/wire"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(t.TempDir(), "abc123def456")
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueDequeue_FIFOByEnqueuedAt(t *testing.T) {
	q := openTestQueue(t)
	require.NoError(t, q.Enqueue(wire.PriorityLow, map[string]string{"text": "first"}))
	require.NoError(t, q.Enqueue(wire.PriorityHigh, map[string]string{"text": "second"}))

	rows, err := q.Dequeue(10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, StatusProcessing, rows[0].Status)
	require.JSONEq(t, `{"text":"first"}`, string(rows[0].Payload))
	require.JSONEq(t, `{"text":"second"}`, string(rows[1].Payload))
}

func TestDequeue_ExcludesFutureRetries(t *testing.T) {
	q := openTestQueue(t)
	q.Enqueue(wire.PriorityMedium, map[string]string{"text": "x"})

	rows, _ := q.Dequeue(10)
	require.Len(t, rows, 1)
	require.NoError(t, q.Nack(rows[0].ID, "boom", time.Hour))

	rows2, _ := q.Dequeue(10)
	require.Empty(t, rows2)
}

func TestAck_RemovesRow(t *testing.T) {
	q := openTestQueue(t)
	q.Enqueue(wire.PriorityMedium, map[string]string{"text": "x"})
	rows, _ := q.Dequeue(10)
	require.NoError(t, q.Ack(rows[0].ID))

	rows2, _ := q.Dequeue(10)
	require.Empty(t, rows2)
}

func TestSeq_ResumesPastPersistedRows(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, "abc123def456")
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(wire.PriorityMedium, map[string]string{"text": "survivor"}))
	require.NoError(t, q.Close())

	q2, err := Open(dir, "abc123def456")
	require.NoError(t, err)
	defer q2.Close()
	require.NoError(t, q2.Enqueue(wire.PriorityMedium, map[string]string{"text": "newcomer"}))

	rows, err := q2.Dequeue(10)
	require.NoError(t, err)
	require.Len(t, rows, 2, "a restart must not overwrite surviving rows")
}

func TestNew_SharesExistingDB(t *testing.T) {
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	require.NoError(t, err)
	defer db.Close()

	q, err := New(db, "abc123def456")
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(wire.PriorityLow, map[string]string{"text": "x"}))
	// Close on a shared handle must leave the database usable.
	require.NoError(t, q.Close())

	q2, err := New(db, "abc123def456")
	require.NoError(t, err)
	rows, err := q2.Dequeue(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestDLQ_MarksFailed(t *testing.T) {
	q := openTestQueue(t)
	q.Enqueue(wire.PriorityMedium, map[string]string{"text": "x"})
	rows, _ := q.Dequeue(10)
	require.NoError(t, q.DLQ(rows[0].ID))

	rows2, _ := q.Dequeue(10)
	require.Empty(t, rows2)
}
