// Package oracle polls the project database for the authoritative target
// embedding dimension and propagates changes at runtime. The oracle is
// authoritative: no dimension constant is compiled in. It shares the same
// BadgerDB instance that backs the overflow queue, storing the declared
// dimension for the "memories" table and propagating sibling-table changes
// the way a real database migration would.
package oracle

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	memoriesDimKey      = "oracle:dims:memories"
	codebaseFilesDimKey = "oracle:dims:codebase_files"
)

// State is an atomic snapshot of the oracle's view of dimension state.
type State struct {
	NativeDims      int
	TargetDims      int
	LastRefresh     time.Time
	RefreshInterval time.Duration
}

// Oracle periodically polls the database for the declared target
// dimension. Readers use an atomic snapshot; state is replaced only by
// poll, which runs from New, the background loop, and RefreshNow.
type Oracle struct {
	db              *badger.DB
	nativeDims      int
	refreshInterval time.Duration

	state atomic.Pointer[State]

	stopCh  chan struct{}
	stopped chan struct{}
}

// New creates an Oracle sharing db (typically the same Badger instance the
// overflow queue uses) and performs an initial synchronous poll.
func New(db *badger.DB, nativeDims int, refreshInterval time.Duration) (*Oracle, error) {
	o := &Oracle{
		db:              db,
		nativeDims:      nativeDims,
		refreshInterval: refreshInterval,
		stopCh:          make(chan struct{}),
		stopped:         make(chan struct{}),
	}
	if err := o.poll(); err != nil {
		// No declared dimension yet (fresh project): default target_dims
		// to native_dims until the database declares one.
		o.state.Store(&State{
			NativeDims:      nativeDims,
			TargetDims:      nativeDims,
			LastRefresh:     time.Now(),
			RefreshInterval: refreshInterval,
		})
	}
	go o.loop()
	return o, nil
}

// Stop halts the background polling loop.
func (o *Oracle) Stop() {
	close(o.stopCh)
	<-o.stopped
}

func (o *Oracle) loop() {
	defer close(o.stopped)
	ticker := time.NewTicker(o.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.poll() // on failure, keep the last known value
		}
	}
}

// poll reads the declared memories dimension and, on change, atomically
// updates state and propagates to the codebase_files sibling table.
func (o *Oracle) poll() error {
	target, err := o.readDim(memoriesDimKey)
	if err != nil {
		return err
	}

	prev := o.state.Load()
	changed := prev == nil || prev.TargetDims != target

	o.state.Store(&State{
		NativeDims:      o.nativeDims,
		TargetDims:      target,
		LastRefresh:     time.Now(),
		RefreshInterval: o.refreshInterval,
	})

	if changed {
		return o.propagate(target)
	}
	return nil
}

// propagate adapts the codebase_files sibling table to a new target
// dimension: incompatible embeddings are nulled out (their row key is
// deleted, forcing a re-embed) and the declared column width is updated.
func (o *Oracle) propagate(target int) error {
	return o.db.Update(func(txn *badger.Txn) error {
		var prevDims int
		if item, err := txn.Get([]byte(codebaseFilesDimKey)); err == nil {
			item.Value(func(val []byte) error {
				return json.Unmarshal(val, &prevDims)
			})
		}
		if prevDims != 0 && prevDims != target {
			if err := o.nullIncompatibleEmbeddingsLocked(txn); err != nil {
				return err
			}
		}
		data, err := json.Marshal(target)
		if err != nil {
			return err
		}
		return txn.Set([]byte(codebaseFilesDimKey), data)
	})
}

// nullIncompatibleEmbeddingsLocked deletes every stored codebase_files
// embedding row so the next read forces a re-embed at the new dimension.
func (o *Oracle) nullIncompatibleEmbeddingsLocked(txn *badger.Txn) error {
	prefix := []byte("codebase_files:embedding:")
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k := it.Item().KeyCopy(nil)
		keys = append(keys, k)
	}
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (o *Oracle) readDim(key string) (int, error) {
	var dims int
	err := o.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &dims)
		})
	})
	if err != nil {
		return 0, err
	}
	if dims <= 0 {
		return 0, fmt.Errorf("oracle: non-positive declared dimension %d", dims)
	}
	return dims, nil
}

// SetDeclaredDimension writes a new declared dimension for the memories
// table; used by tests and administrative tooling. The next poll (or
// RefreshNow) picks it up.
func (o *Oracle) SetDeclaredDimension(dims int) error {
	data, err := json.Marshal(dims)
	if err != nil {
		return err
	}
	return o.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(memoriesDimKey), data)
	})
}

// RefreshNow forces an immediate poll, used to serve a refresh_dimension
// request.
func (o *Oracle) RefreshNow() error {
	return o.poll()
}

// Snapshot returns the current atomic dimension-state snapshot.
func (o *Oracle) Snapshot() State {
	s := o.state.Load()
	if s == nil {
		return State{}
	}
	return *s
}
