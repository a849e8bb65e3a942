// Package zonetable holds the installed ZoneData for every zone this server
// is authoritative for, keyed by zone apex name, behind a single RWMutex so
// readers never block on each other and a writer only blocks readers for
// the instant it takes to swap a map entry.
package zonetable

import (
	"strings"
	"sync"

	"github.com/nsdctl/dnsauthd/internal/dns/common/utils"
	"github.com/nsdctl/dnsauthd/internal/dns/core/zonedata"
)

// Flags annotates the zone data installed at a name.
type Flags uint8

const (
	// FlagZoneEmpty is set when the installed ZoneData carries no records,
	// which is the placeholder state a ZoneWriter installs in lenient mode
	// after a loader failure rather than leaving the old zone in place.
	FlagZoneEmpty Flags = 1 << iota
)

// Code is the result of a Find lookup.
type Code int

const (
	// CodeNotFound means no installed zone covers the requested name.
	CodeNotFound Code = iota
	// CodeSuccess means the requested name is itself an installed zone apex.
	CodeSuccess
	// CodePartialMatch means the requested name is a subdomain of an
	// installed zone apex, not the apex itself.
	CodePartialMatch
)

// FindResult is the outcome of Find.
type FindResult struct {
	Code  Code
	Flags Flags
	Data  *zonedata.Data
}

type tableEntry struct {
	data  *zonedata.Data
	flags Flags
}

// Table is the installed-zones map a ZoneWriter publishes into and the
// resolver reads from.
type Table struct {
	mu    sync.RWMutex
	zones map[string]tableEntry
}

// New returns an empty zone table.
func New() *Table {
	return &Table{zones: map[string]tableEntry{}}
}

// Find looks up the zone covering name. An exact match on a zone apex is
// CodeSuccess; a name that is a subdomain of an installed zone apex is
// CodePartialMatch against the enclosing zone; anything else is
// CodeNotFound.
func (t *Table) Find(name string) FindResult {
	name = utils.CanonicalDNSName(name)

	t.mu.RLock()
	defer t.mu.RUnlock()

	if e, ok := t.zones[name]; ok {
		return FindResult{Code: CodeSuccess, Flags: e.flags, Data: e.data}
	}

	labels := strings.Split(name, ".")
	for i := 1; i < len(labels); i++ {
		candidate := strings.Join(labels[i:], ".")
		if candidate == "" {
			continue
		}
		if e, ok := t.zones[candidate]; ok {
			return FindResult{Code: CodePartialMatch, Flags: e.flags, Data: e.data}
		}
	}
	return FindResult{Code: CodeNotFound}
}

// AddOrReplace installs data under name with the given flags, atomically
// replacing whatever was there before. It returns the displaced ZoneData
// so the caller can Destroy it once no reader can still be using it; nil
// if name had no previous entry.
func (t *Table) AddOrReplace(name string, data *zonedata.Data, flags Flags) *zonedata.Data {
	name = utils.CanonicalDNSName(name)

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, had := t.zones[name]
	t.zones[name] = tableEntry{data: data, flags: flags}
	if had {
		return prev.data
	}
	return nil
}

// Remove deletes the zone at name, returning its ZoneData for the caller to
// Destroy, or nil if no such zone was installed.
func (t *Table) Remove(name string) *zonedata.Data {
	name = utils.CanonicalDNSName(name)

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.zones[name]
	if !ok {
		return nil
	}
	delete(t.zones, name)
	return e.data
}

// Zones returns the apex names of every installed zone, in no particular
// order.
func (t *Table) Zones() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.zones))
	for name := range t.zones {
		names = append(names, name)
	}
	return names
}

// Count returns the number of installed zones.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.zones)
}
