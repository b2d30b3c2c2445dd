// Package queue implements the durable local parking lot for sealed frames
// that cannot be processed right now: a bolt-backed FIFO bounded by a byte
// budget, with per-record TTL expiry. Records are only trusted once they are
// durably written; the in-memory size index follows the database, never
// leads it.
package queue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	recordsBucket  = "records"
	metadataBucket = "metadata"
	versionKey     = "version"
)

var (
	// ErrFull is returned when a record does not fit the byte budget even
	// after eviction.
	ErrFull = errors.New("queue: full")
)

type (
	// Message is one parked wire frame.
	Message struct {
		ID         string
		Raw        []byte
		Kind       byte
		StreamID   string
		EnqueuedAt int64
	}

	// Options bound the queue. A non-positive TTL disables expiry.
	Options struct {
		BudgetBytes int64
		TTL         time.Duration
	}

	entry struct {
		size int64
		at   int64
	}

	// Queue is a durable bounded FIFO.
	Queue struct {
		db *bolt.DB

		mu       sync.Mutex
		index    map[uint64]entry
		resident int64

		budget int64
		ttl    time.Duration
		nowFn  func() time.Time
	}
)

// Open creates or loads a queue at path.
func Open(path string, opts Options) (*Queue, error) {
	if opts.BudgetBytes <= 0 {
		return nil, fmt.Errorf("queue: non-positive budget %d", opts.BudgetBytes)
	}

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		db:     db,
		index:  make(map[uint64]entry),
		budget: opts.BudgetBytes,
		ttl:    opts.TTL,
		nowFn:  time.Now,
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(recordsBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("queue: incompatible version: %d", uint(b[0]))
			}
		} else if err = bkt.Put([]byte(versionKey), []byte{0}); err != nil {
			return err
		}

		// Rebuild the size index from what actually survived on disk.
		return tx.Bucket([]byte(recordsBucket)).ForEach(func(k, v []byte) error {
			var rec Message
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("queue: corrupt record %x: %w", k, err)
			}
			q.index[binary.BigEndian.Uint64(k)] = entry{size: int64(len(v)), at: rec.EnqueuedAt}
			q.resident += int64(len(v))
			return nil
		})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// Close syncs and closes the backing database.
func (q *Queue) Close() error {
	q.db.Sync()
	return q.db.Close()
}

// Enqueue parks a frame and returns its record ID. Expired records are purged
// first, then the oldest records are evicted until the new one fits; if it
// cannot fit an empty queue, ErrFull.
func (q *Queue) Enqueue(raw []byte, kind byte, streamID string) (string, error) {
	rec := Message{
		ID:         uuid.NewString(),
		Raw:        raw,
		Kind:       kind,
		StreamID:   streamID,
		EnqueuedAt: q.nowFn().UnixNano(),
	}
	blob, err := cbor.Marshal(&rec)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.purgeExpiredLocked(); err != nil {
		return "", err
	}
	if int64(len(blob)) > q.budget {
		return "", fmt.Errorf("%w: record is %d bytes, budget %d", ErrFull, len(blob), q.budget)
	}
	if err := q.evictLocked(int64(len(blob))); err != nil {
		return "", err
	}

	var seq uint64
	if err := q.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(recordsBucket))
		s, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		seq = s
		k := seqKey(s)
		return bkt.Put(k[:], blob)
	}); err != nil {
		return "", err
	}

	q.index[seq] = entry{size: int64(len(blob)), at: rec.EnqueuedAt}
	q.resident += int64(len(blob))
	return rec.ID, nil
}

// DequeueNext returns the oldest live record of the given kind without
// removing it, lazily purging expired records it walks past. An empty
// streamID matches any stream. Nothing pending is (nil, nil).
func (q *Queue) DequeueNext(kind byte, streamID string) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.purgeExpiredLocked(); err != nil {
		return nil, err
	}

	var found *Message
	err := q.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket([]byte(recordsBucket)).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var rec Message
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("queue: corrupt record %x: %w", k, err)
			}
			if rec.Kind != kind {
				continue
			}
			if streamID != "" && rec.StreamID != streamID {
				continue
			}
			found = &rec
			return nil
		}
		return nil
	})
	return found, err
}

// Remove deletes a record by ID. Removing an absent record is a no-op.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		seq     uint64
		removed bool
	)
	if err := q.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(recordsBucket))
		cur := bkt.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var rec Message
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("queue: corrupt record %x: %w", k, err)
			}
			if rec.ID != id {
				continue
			}
			seq = binary.BigEndian.Uint64(k)
			removed = true
			return bkt.Delete(k)
		}
		return nil
	}); err != nil {
		return err
	}

	if removed {
		q.dropLocked(seq)
	}
	return nil
}

// Pending snapshots all live records of the given kind in FIFO order; kind 0
// matches every kind.
func (q *Queue) Pending(kind byte) ([]*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.purgeExpiredLocked(); err != nil {
		return nil, err
	}

	var out []*Message
	err := q.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket([]byte(recordsBucket)).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var rec Message
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("queue: corrupt record %x: %w", k, err)
			}
			if kind != 0 && rec.Kind != kind {
				continue
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

// Len is the number of resident records, expired ones included until their
// lazy purge.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// ResidentBytes is the byte total of resident records.
func (q *Queue) ResidentBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.resident
}

// purgeExpiredLocked deletes every record past its TTL.
func (q *Queue) purgeExpiredLocked() error {
	if q.ttl <= 0 {
		return nil
	}
	deadline := q.nowFn().Add(-q.ttl).UnixNano()

	var expired []uint64
	for seq, e := range q.index {
		if e.at <= deadline {
			expired = append(expired, seq)
		}
	}
	if len(expired) == 0 {
		return nil
	}

	if err := q.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(recordsBucket))
		for _, seq := range expired {
			k := seqKey(seq)
			if err := bkt.Delete(k[:]); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	for _, seq := range expired {
		q.dropLocked(seq)
	}
	return nil
}

// evictLocked deletes oldest-first until need bytes fit within the budget.
func (q *Queue) evictLocked(need int64) error {
	if q.resident+need <= q.budget {
		return nil
	}

	var evicted []uint64
	if err := q.db.Update(func(tx *bolt.Tx) error {
		freed := int64(0)
		cur := tx.Bucket([]byte(recordsBucket)).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			if q.resident-freed+need <= q.budget {
				break
			}
			if err := cur.Delete(); err != nil {
				return err
			}
			freed += int64(len(v))
			evicted = append(evicted, binary.BigEndian.Uint64(k))
		}
		return nil
	}); err != nil {
		return err
	}

	for _, seq := range evicted {
		q.dropLocked(seq)
	}
	return nil
}

func (q *Queue) dropLocked(seq uint64) {
	if e, ok := q.index[seq]; ok {
		q.resident -= e.size
		delete(q.index, seq)
	}
}

func seqKey(seq uint64) [8]byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k
}
