// Package zoneload implements ZoneDataLoader: the contract a ZoneWriter
// drives to turn a zone source (a file, today) into a *zonedata.Data. The
// interface lives here rather than in core/zonewriter so alternate loader
// implementations (a future database-backed loader, say) can depend on this
// package without pulling in the writer's state machine.
package zoneload

import (
	"errors"
	"fmt"

	"github.com/nsdctl/dnsauthd/internal/dns/core/zonedata"
)

// ErrMalformedSource is wrapped into every error a Loader returns because
// its underlying zone source could not be parsed into valid records, as
// opposed to a segment or writer-level failure.
var ErrMalformedSource = errors.New("zone source data malformed")

// wrapMalformed wraps err so callers can distinguish "this zone's source
// file is bad" from other load failures via errors.Is(err, ErrMalformedSource).
func wrapMalformed(zone string, err error) error {
	return fmt.Errorf("zone %s: %w: %v", zone, ErrMalformedSource, err)
}

// Loader is driven by a ZoneWriter to produce one zone's data. A Loader is
// single-use: once Load or a LoadIncremental sequence has produced data,
// a fresh Loader must be obtained (via the writer's loader factory) for
// any subsequent attempt, since the factory is what binds a Loader to a
// specific segment generation.
type Loader interface {
	// Load produces the complete ZoneData in one call.
	Load() error
	// LoadIncremental performs up to limit records' worth of work and
	// reports whether the load is now complete. Call it repeatedly with
	// the same limit until it returns true. A limit of 0 behaves like Load.
	LoadIncremental(limit int) (bool, error)
	// IsDataReused reports whether GetLoadedData returned the same
	// ZoneData the writer already had installed, because the source was
	// unchanged since the last successful load. A ZoneWriter must not
	// destroy data IsDataReused says it reused.
	IsDataReused() bool
	// GetLoadedData returns the data built by Load/LoadIncremental. It is
	// only valid after Load returns nil or LoadIncremental returns
	// (true, nil).
	GetLoadedData() *zonedata.Data
	// Commit finalizes loaded into the loader's segment, returning the
	// installable ZoneData (which may be loaded itself, or a segment-local
	// copy). It can return segment.ErrSegmentGrown, in which case the
	// caller must discard loaded and any Loader holding it, and retry with
	// a freshly constructed Loader.
	Commit(loaded *zonedata.Data) (*zonedata.Data, error)
}

// Factory builds a Loader bound to seg for the next load attempt. previous
// is the ZoneData currently installed for this zone, if any, so the Loader
// can short-circuit via IsDataReused when the source is unchanged.
type Factory func(seg Segment, previous *zonedata.Data) Loader

// Segment is the subset of core/segment.Segment a Loader needs. Declared
// locally so this package does not import core/segment, which keeps the
// dependency direction segment -> zoneload instead of a cycle.
type Segment interface {
	Writable() bool
	Grow(size int) error
}
