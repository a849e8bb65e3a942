package segment

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	bbolt "go.etcd.io/bbolt"
)

var (
	bucketCapacity = []byte("capacity")
	keyCapacity    = []byte("bytes")
)

// defaultInitialCapacity is the starting reservation size for a freshly
// created mapped segment file, in bytes of accounted zone data.
const defaultInitialCapacity = 1 << 20 // 1 MiB

// Mapped is a segment backed by a single bbolt database file, so its
// capacity bookkeeping survives a process restart. When a Grow call would
// exceed the currently recorded capacity, Mapped doubles its capacity,
// persists the new high-water mark, and returns ErrSegmentGrown so the
// caller rebuilds whatever it was loading against the new headroom.
type Mapped struct {
	mu       sync.Mutex
	db       *bbolt.DB
	path     string
	writable bool
	capacity int64
	used     int64
	closed   bool
}

// OpenMapped opens (or creates) the bbolt file at path. Pass writable=false
// to open an existing segment read-only, e.g. for a secondary process that
// only ever queries an already-installed ZoneTable.
func OpenMapped(path string, writable bool) (*Mapped, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second}
	if !writable {
		opts.ReadOnly = true
	}
	db, err := bbolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("opening mapped zone segment %s: %w", path, err)
	}

	m := &Mapped{db: db, path: path, writable: writable, capacity: defaultInitialCapacity}
	if !writable {
		if err := m.loadCapacity(); err != nil {
			_ = db.Close()
			return nil, err
		}
		return m, nil
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketCapacity)
		if err != nil {
			return err
		}
		if v := b.Get(keyCapacity); len(v) == 8 {
			m.capacity = int64(binary.BigEndian.Uint64(v))
			return nil
		}
		return putCapacity(b, m.capacity)
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing mapped zone segment %s: %w", path, err)
	}
	return m, nil
}

func (m *Mapped) loadCapacity() error {
	return m.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCapacity)
		if b == nil {
			return nil
		}
		if v := b.Get(keyCapacity); len(v) == 8 {
			m.capacity = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
}

func putCapacity(b *bbolt.Bucket, capacity int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(capacity))
	return b.Put(keyCapacity, buf)
}

func (m *Mapped) Usable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

func (m *Mapped) Writable() bool { return m.writable }

func (m *Mapped) Grow(size int) error {
	if !m.writable {
		return fmt.Errorf("mapped zone segment %s is read-only", m.path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.used+int64(size) <= m.capacity {
		m.used += int64(size)
		return nil
	}

	newCapacity := m.capacity * 2
	if needed := m.used + int64(size); newCapacity < needed {
		newCapacity = needed
	}
	if err := m.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCapacity)
		return putCapacity(b, newCapacity)
	}); err != nil {
		return fmt.Errorf("growing mapped zone segment %s: %w", m.path, err)
	}
	m.capacity = newCapacity
	return ErrSegmentGrown
}

func (m *Mapped) Release(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used -= int64(size)
	if m.used < 0 {
		m.used = 0
	}
}

func (m *Mapped) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}
