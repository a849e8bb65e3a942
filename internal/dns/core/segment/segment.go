// Package segment models the storage a ZoneWriter allocates new zone data
// into. A Local segment is ordinary process heap and never needs to grow in
// a way callers must react to; a Mapped segment is backed by a file that can
// run out of pre-reserved capacity mid-write, in which case it grows itself
// and asks the caller to redo the write against the new capacity.
package segment

import "errors"

// ErrSegmentGrown is returned by Grow when a write did not fit in the
// segment's current capacity. The segment has already grown itself by the
// time this is returned; the caller must retry the logical operation that
// triggered it (not call Grow again directly), since whatever it was
// building against the old capacity is no longer valid.
var ErrSegmentGrown = errors.New("zone table segment grown; retry the operation")

// Segment is the storage a zone loader allocates new ZoneData into, and a
// ZoneWriter consults before starting a load.
type Segment interface {
	// Usable reports whether the segment can currently be read from or
	// written to at all (false once Close has been called).
	Usable() bool
	// Writable reports whether this segment was opened for writing. A
	// read-only segment can still back Find lookups against an already
	// installed ZoneTable, but a ZoneWriter must refuse to load into it.
	Writable() bool
	// Grow accounts for size additional bytes of zone data about to be
	// built. It returns ErrSegmentGrown if the segment had to expand its
	// backing capacity to make room; on success the caller's reservation
	// is guaranteed until a matching Release.
	Grow(size int) error
	// Release returns size bytes of previously grown capacity, called when
	// a ZoneData built in this segment is destroyed.
	Release(size int)
	// Close releases any resources (open files, mappings) held by the
	// segment. After Close, Usable reports false.
	Close() error
}
