// Package zonewriter implements the transactional zone-reload state
// machine: load a zone's data off to the side, commit it into a segment,
// then atomically swap it into a ZoneTable, with bounded retry when the
// segment relocates mid-install and a safe fallback when a retry budget is
// exhausted.
package zonewriter

import (
	"errors"
	"fmt"

	"github.com/nsdctl/dnsauthd/internal/dns/common/log"
	"github.com/nsdctl/dnsauthd/internal/dns/common/utils"
	"github.com/nsdctl/dnsauthd/internal/dns/core/segment"
	"github.com/nsdctl/dnsauthd/internal/dns/core/zonedata"
	"github.com/nsdctl/dnsauthd/internal/dns/core/zoneload"
	"github.com/nsdctl/dnsauthd/internal/dns/core/zonetable"
	"github.com/nsdctl/dnsauthd/internal/dns/domain"
)

// ErrInvalidOperation is returned when a Writer method is called out of
// sequence for the writer's current state.
var ErrInvalidOperation = errors.New("zone writer: operation invalid in current state")

// ErrLoaderError wraps a failure to parse or build a zone's source data, as
// opposed to a segment or table-level failure.
var ErrLoaderError = errors.New("zone writer: loader failed")

// maxSegmentGrownRetries bounds how many times Install will rebuild the
// loader and redo the load after a segment relocation before giving up and
// falling back to an empty zone. Fixed, not configurable: a segment that
// keeps growing on every attempt points at a sizing problem no retry count
// fixes.
const maxSegmentGrownRetries = 2

type state int

const (
	stateInit state = iota
	stateLoading
	stateLoaded
	stateInstalled
	stateCleaned
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateLoading:
		return "loading"
	case stateLoaded:
		return "loaded"
	case stateInstalled:
		return "installed"
	case stateCleaned:
		return "cleaned"
	default:
		return "unknown"
	}
}

// Writer drives one zone's reload from source through to an installed
// ZoneTable entry. A Writer is single-owner: nothing about it is safe for
// concurrent use by more than one goroutine at a time.
type Writer struct {
	seg            segment.Segment
	table          *zonetable.Table
	loaderFactory  zoneload.Factory
	name           string
	class          domain.RRClass
	allowLoadError bool
	logger         log.Logger

	state     state
	loader    zoneload.Loader
	loaded    *zonedata.Data
	displaced *zonedata.Data
	reused    bool
}

// New constructs a Writer for zone name/class, reading from seg and
// installing into table. allowLoadError controls whether a malformed
// source is fatal (false) or replaced with an empty placeholder zone
// (true) so the server stays up.
func New(seg segment.Segment, table *zonetable.Table, loaderFactory zoneload.Factory, name string, class domain.RRClass, allowLoadError bool, logger log.Logger) *Writer {
	return &Writer{
		seg:            seg,
		table:          table,
		loaderFactory:  loaderFactory,
		name:           utils.CanonicalDNSName(name),
		class:          class,
		allowLoadError: allowLoadError,
		logger:         logger,
		state:          stateInit,
	}
}

// Name returns the zone this writer loads and installs.
func (w *Writer) Name() string { return w.name }

func (w *Writer) currentData() *zonedata.Data {
	res := w.table.Find(w.name)
	if res.Code == zonetable.CodeSuccess {
		return res.Data
	}
	return nil
}

// Load performs up to countLimit records' worth of loading work and reports
// whether the zone is now fully loaded. A countLimit of 0 loads the whole
// zone in one call. Load may be called repeatedly with countLimit > 0 until
// it reports true; it must not be called again afterward without a fresh
// Writer.
func (w *Writer) Load(countLimit int) (bool, error) {
	if w.state != stateInit && w.state != stateLoading {
		return false, fmt.Errorf("%w: load called in state %s", ErrInvalidOperation, w.state)
	}
	if !w.seg.Writable() {
		return false, fmt.Errorf("%w: segment for zone %s is not writable", ErrInvalidOperation, w.name)
	}

	if w.loader == nil {
		w.loader = w.loaderFactory(w.seg, w.currentData())
	}

	done, err := w.runLoader(countLimit)
	if err != nil {
		return false, err
	}
	if !done {
		w.state = stateLoading
		return false, nil
	}

	if err := w.finishLoad(); err != nil {
		return false, err
	}
	w.state = stateLoaded
	return true, nil
}

// runLoader drives the active loader for one bounded step, folding a
// malformed-source error into an empty placeholder when allowLoadError is
// set.
func (w *Writer) runLoader(countLimit int) (bool, error) {
	var done bool
	var err error
	if countLimit <= 0 {
		err = w.loader.Load()
		done = true
	} else {
		done, err = w.loader.LoadIncremental(countLimit)
	}
	if err == nil {
		return done, nil
	}

	if !w.allowLoadError || !errors.Is(err, zoneload.ErrMalformedSource) {
		return false, fmt.Errorf("%w: %w", ErrLoaderError, err)
	}
	if w.logger != nil {
		w.logger.Warn(map[string]any{"zone": w.name, "error": err.Error()}, "zone load failed, installing empty placeholder")
	}
	w.loaded = zonedata.NewEmpty(w.name, w.class)
	return true, nil
}

func (w *Writer) finishLoad() error {
	if w.loaded != nil {
		// runLoader already installed an empty placeholder after a
		// tolerated loader error; nothing left to fetch.
		return nil
	}
	data := w.loader.GetLoadedData()
	if data == nil {
		return fmt.Errorf("%w: loader for zone %s produced no data", ErrInvalidOperation, w.name)
	}
	w.loaded = data
	w.validateZoneRoot()
	return nil
}

// validateZoneRoot warns, but never fails, when the zone name doesn't look
// like a plausible apex domain. BIND10 has no equivalent check; this is a
// defensive addition that must never turn into a hard failure.
func (w *Writer) validateZoneRoot() {
	if w.logger == nil {
		return
	}
	apex := utils.GetApexDomain(w.name)
	if apex != "" && apex != w.name {
		w.logger.Warn(map[string]any{"zone": w.name, "apex": apex}, "zone name does not look like a plausible apex domain")
	}
}

// Install commits the loaded data into the segment and atomically swaps it
// into the ZoneTable. If the segment reports it grew while committing,
// Install rebuilds the loader and redoes the load against the new
// capacity, up to maxSegmentGrownRetries times, before falling back to
// installing an empty zone and returning the last error.
func (w *Writer) Install() error {
	if w.state != stateLoaded {
		return fmt.Errorf("%w: install called in state %s", ErrInvalidOperation, w.state)
	}

	var lastErr error
	for attempt := 0; attempt < maxSegmentGrownRetries; attempt++ {
		displaced, err := w.installOnce()
		if err == nil {
			w.displaced = displaced
			w.state = stateInstalled
			return nil
		}
		lastErr = err
		if !errors.Is(err, segment.ErrSegmentGrown) {
			break
		}
		if w.logger != nil {
			w.logger.Warn(map[string]any{"zone": w.name, "attempt": attempt + 1}, "zone table segment grew during install, retrying")
		}
		w.loader = w.loaderFactory(w.seg, w.currentData())
		if err := w.redoLoad(); err != nil {
			lastErr = err
			break
		}
	}

	w.installFailed()
	return fmt.Errorf("zone %s: install failed: %w", w.name, lastErr)
}

func (w *Writer) installOnce() (*zonedata.Data, error) {
	committed, err := w.loader.Commit(w.loaded)
	if err != nil {
		return nil, err
	}
	var flags zonetable.Flags
	if committed.IsEmpty() {
		flags |= zonetable.FlagZoneEmpty
	}
	w.reused = w.loader.IsDataReused()
	displaced := w.table.AddOrReplace(w.name, committed, flags)
	return displaced, nil
}

// redoLoad reruns a full, non-incremental load against the current
// (freshly rebuilt) loader, used only from Install's segment-grown retry.
func (w *Writer) redoLoad() error {
	if err := w.loader.Load(); err != nil {
		if w.allowLoadError && errors.Is(err, zoneload.ErrMalformedSource) {
			w.loaded = zonedata.NewEmpty(w.name, w.class)
			return nil
		}
		return fmt.Errorf("%w: %w", ErrLoaderError, err)
	}
	data := w.loader.GetLoadedData()
	if data == nil {
		return fmt.Errorf("%w: loader for zone %s produced no data on retry", ErrInvalidOperation, w.name)
	}
	w.loaded = data
	return nil
}

// installFailed installs an empty placeholder zone so the table never ends
// up missing an entry for a zone this writer was responsible for, even
// though Install still reports the original error to its caller.
func (w *Writer) installFailed() {
	empty := zonedata.NewEmpty(w.name, w.class)
	w.displaced = w.table.AddOrReplace(w.name, empty, zonetable.FlagZoneEmpty)
	w.reused = false
	w.state = stateInstalled
	if w.logger != nil {
		w.logger.Error(map[string]any{"zone": w.name}, "zone install failed after retries, installed empty zone to keep the table consistent")
	}
}

// Cleanup releases any ZoneData this writer still owns: the data displaced
// by a successful Install, or, if Install was never reached, the data it
// loaded but never installed. It is permitted from any state after Init and
// is idempotent — a second call is a no-op, since a Writer is expected to
// be cleaned up unconditionally regardless of how far it got.
func (w *Writer) Cleanup() error {
	switch w.state {
	case stateInit:
		return fmt.Errorf("%w: cleanup called in state %s", ErrInvalidOperation, w.state)
	case stateCleaned:
		return nil
	case stateLoaded:
		if w.loaded != nil && !w.loader.IsDataReused() {
			w.loaded.Destroy(w.seg)
		}
		w.loaded = nil
	default: // stateLoading, stateInstalled
		if w.displaced != nil && !w.reused {
			w.displaced.Destroy(w.seg)
		}
		w.displaced = nil
	}
	w.state = stateCleaned
	return nil
}
