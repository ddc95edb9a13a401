// Package overflow implements the durable, project-sharded overflow queue
// the scheduler spills into under CPU pressure or memory-queue saturation.
//
// The queue is backed by BadgerDB, an embedded transactional KV store,
// using a single Badger transaction per dequeue batch in place of "select
// for update skip locked": Badger's transaction conflict detection rejects
// a commit if another transaction wrote the same keys first, which gives
// the same no-double-claim guarantee without a separate RDBMS dependency.
package overflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/specmemd/internal/logging"
	"github.com/orneryd/specmemd/internal/project"
	"github.com/orneryd/specmemd/internal/wire"
)

// rowPrefix namespaces overflow rows in the shared Badger keyspace.
const rowPrefix = "ovf:"

// Status mirrors the queue-item status vocabulary.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
)

// Row is one overflow queue row.
type Row struct {
	ID              string       `json:"id"`
	ProjectID       project.ID   `json:"project_id"`
	Priority        wire.Priority `json:"priority"`
	PriorityOriginal wire.Priority `json:"priority_original"`
	Payload         json.RawMessage `json:"payload"`
	EnqueuedAt      time.Time    `json:"enqueued_at"`
	Status          Status       `json:"status"`
	RetryCount      int          `json:"retry_count"`
	LastError       string       `json:"last_error,omitempty"`
	NextRetryAt     time.Time    `json:"next_retry_at,omitempty"`
}

// Queue is a Badger-backed durable overflow queue.
type Queue struct {
	db        *badger.DB
	ownsDB    bool
	projectID project.ID
	mu        sync.Mutex
	seq       uint64
}

// New wraps an already-open Badger database, scoped to projectID. The
// daemon shares one database handle between the overflow queue, the
// dimension oracle, and the reembed tables.
func New(db *badger.DB, projectID project.ID) (*Queue, error) {
	q := &Queue{db: db, projectID: projectID}
	if err := q.seedSeq(); err != nil {
		return nil, err
	}
	return q, nil
}

// Open opens (or creates) a dedicated Badger database at dir scoped to
// projectID. Close releases it.
func Open(dir string, projectID project.ID) (*Queue, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(logging.NewBadger(string(projectID), "overflow"))
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("overflow: open badger: %w", err)
	}
	q, err := New(db, projectID)
	if err != nil {
		db.Close()
		return nil, err
	}
	q.ownsDB = true
	return q, nil
}

// seedSeq resumes the row-id sequence past any rows persisted by a
// previous process, so restarts never overwrite surviving rows.
func (q *Queue) seedSeq() error {
	return q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = q.prefix()
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var max uint64
		for it.Seek(q.prefix()); it.ValidForPrefix(q.prefix()); it.Next() {
			id := string(it.Item().Key()[len(q.prefix()):])
			if n, err := strconv.ParseUint(id, 10, 64); err == nil && n > max {
				max = n
			}
		}
		q.seq = max
		return nil
	})
}

// Close releases the underlying Badger database if this queue owns it.
func (q *Queue) Close() error {
	if !q.ownsDB {
		return nil
	}
	return q.db.Close()
}

func (q *Queue) key(id string) []byte {
	return []byte(rowPrefix + string(q.projectID) + ":" + id)
}

func (q *Queue) prefix() []byte {
	return []byte(rowPrefix + string(q.projectID) + ":")
}

// Enqueue implements scheduler.OverflowSink: it inserts a new pending row.
func (q *Queue) Enqueue(priority wire.Priority, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("overflow: marshal payload: %w", err)
	}

	q.mu.Lock()
	q.seq++
	id := fmt.Sprintf("%020d", q.seq)
	q.mu.Unlock()

	row := Row{
		ID:               id,
		ProjectID:        q.projectID,
		Priority:         priority,
		PriorityOriginal: priority,
		Payload:          raw,
		EnqueuedAt:       time.Now(),
		Status:           StatusPending,
	}
	return q.put(row)
}

func (q *Queue) put(row Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("overflow: marshal row: %w", err)
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(q.key(row.ID), data)
	})
}

// Dequeue atomically claims up to n oldest pending rows for this project
// whose next_retry_at is in the past, transitioning them to processing.
// Badger's transaction conflict detection stands in for "select for
// update, skip locked": if another dequeue call already committed changes
// to a claimed row, this transaction fails to commit and the caller must
// retry.
func (q *Queue) Dequeue(n int) ([]Row, error) {
	var claimed []Row
	err := q.db.Update(func(txn *badger.Txn) error {
		claimed = claimed[:0]
		opts := badger.DefaultIteratorOptions
		opts.Prefix = q.prefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		var candidates []Row
		for it.Seek(q.prefix()); it.ValidForPrefix(q.prefix()); it.Next() {
			item := it.Item()
			var row Row
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				continue
			}
			if row.Status != StatusPending {
				continue
			}
			if !row.NextRetryAt.IsZero() && row.NextRetryAt.After(now) {
				continue
			}
			candidates = append(candidates, row)
		}

		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].EnqueuedAt.Before(candidates[j].EnqueuedAt)
		})

		for i := 0; i < len(candidates) && len(claimed) < n; i++ {
			row := candidates[i]
			row.Status = StatusProcessing
			data, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if err := txn.Set(q.key(row.ID), data); err != nil {
				return err
			}
			claimed = append(claimed, row)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("overflow: dequeue: %w", err)
	}
	return claimed, nil
}

// Ack deletes the row, permanently removing it from the queue.
func (q *Queue) Ack(id string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(q.key(id))
	})
}

// Nack returns the row to pending with an incremented retry_count and a
// rescheduled next_retry_at.
func (q *Queue) Nack(id string, lastErr string, delay time.Duration) error {
	return q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(q.key(id))
		if err != nil {
			return err
		}
		var row Row
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		}); err != nil {
			return err
		}
		row.Status = StatusPending
		row.RetryCount++
		row.LastError = lastErr
		row.NextRetryAt = time.Now().Add(delay)
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return txn.Set(q.key(id), data)
	})
}

// DLQ marks the row failed (terminal); it is retained for inspection but
// never automatically replayed.
func (q *Queue) DLQ(id string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(q.key(id))
		if err != nil {
			return err
		}
		var row Row
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		}); err != nil {
			return err
		}
		row.Status = StatusFailed
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return txn.Set(q.key(id), data)
	})
}
