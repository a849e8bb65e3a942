// Package zonedata holds the in-memory representation of one loaded zone:
// an owner-name tree of RRSets built once by a loader and never mutated
// again. Records are only added through a Builder; a *Data returned from
// Build has no method that adds, removes or changes records.
package zonedata

import (
	"github.com/nsdctl/dnsauthd/internal/dns/common/utils"
	"github.com/nsdctl/dnsauthd/internal/dns/domain"
)

// RRSet is the set of records sharing an owner name and type within a zone.
type RRSet struct {
	Type    domain.RRType
	Records []domain.AuthoritativeRecord
}

type node struct {
	name string
	sets map[domain.RRType]*RRSet
}

// Data is the immutable result of loading a zone: a tree of owner names,
// each holding zero or more RRSets. It carries no knowledge of where it
// lives in a ZoneTable; that association is made by the caller.
type Data struct {
	origin   string
	class    domain.RRClass
	nodes    map[string]*node
	count    int
	reserved int

	estimatedSize int
}

// Origin returns the canonicalized zone apex name this data was built for.
func (d *Data) Origin() string { return d.origin }

// Class returns the RR class this zone data was built for.
func (d *Data) Class() domain.RRClass { return d.class }

// RRCount returns the total number of resource records held across every
// owner name in the zone.
func (d *Data) RRCount() int { return d.count }

// IsEmpty reports whether the zone holds no records at all, which is the
// signal a ZoneWriter uses to set the zone-empty flag when it installs.
func (d *Data) IsEmpty() bool { return d.count == 0 }

// EstimatedSize returns the approximate number of bytes this zone's records
// occupy, for a Loader to pass to Segment.Grow before committing.
func (d *Data) EstimatedSize() int { return d.estimatedSize }

// Find returns the RRSet of the given type at name, if any. name is
// canonicalized before lookup; the returned slice is a defensive copy.
func (d *Data) Find(name string, rrtype domain.RRType) ([]domain.AuthoritativeRecord, bool) {
	n, ok := d.nodes[utils.CanonicalDNSName(name)]
	if !ok {
		return nil, false
	}
	set, ok := n.sets[rrtype]
	if !ok || len(set.Records) == 0 {
		return nil, false
	}
	out := make([]domain.AuthoritativeRecord, len(set.Records))
	for i, rec := range set.Records {
		rec.Data = append([]byte(nil), rec.Data...)
		out[i] = rec
	}
	return out, true
}

// Names returns every owner name carried by this zone data, in no
// particular order. Intended for tests and diagnostics, not hot paths.
func (d *Data) Names() []string {
	names := make([]string, 0, len(d.nodes))
	for name := range d.nodes {
		names = append(names, name)
	}
	return names
}

// SetReservation records how much segment capacity this Data consumed when
// it was built, so Destroy can hand the same amount back.
func (d *Data) SetReservation(n int) { d.reserved = n }

// Destroy releases any segment capacity this Data reserved when it was
// built. The owner-name tree itself is ordinary garbage-collected memory;
// Destroy exists so the segment's bookkeeping of used-vs-available space
// stays accurate across zone reloads and evictions, and callers must treat
// a Destroyed Data as no longer theirs to read.
func (d *Data) Destroy(seg releaser) {
	if d == nil || seg == nil {
		return
	}
	seg.Release(d.reserved)
	d.nodes = nil
	d.count = 0
}

// releaser is the subset of segment.Segment that Destroy needs. Declared
// locally to avoid an import of core/segment from core/zonedata.
type releaser interface {
	Release(size int)
}

// NewEmpty returns a zone with no records, the placeholder ZoneWriter
// installs when a loader fails and the writer was configured to tolerate
// loader errors rather than abort the reload.
func NewEmpty(origin string, class domain.RRClass) *Data {
	return &Data{
		origin: utils.CanonicalDNSName(origin),
		class:  class,
		nodes:  map[string]*node{},
	}
}

// Builder accumulates records into a zone tree. Loaders obtain one via
// NewBuilder, add records, then call Build once to produce the immutable
// Data the rest of the system sees.
type Builder struct {
	data *Data
}

// NewBuilder starts a new zone build for origin/class.
func NewBuilder(origin string, class domain.RRClass) *Builder {
	return &Builder{
		data: &Data{
			origin: utils.CanonicalDNSName(origin),
			class:  class,
			nodes:  map[string]*node{},
		},
	}
}

// AddRecord appends rec to the tree under its owner name and type.
func (b *Builder) AddRecord(rec domain.AuthoritativeRecord) {
	name := utils.CanonicalDNSName(rec.Name)
	n, ok := b.data.nodes[name]
	if !ok {
		n = &node{name: name, sets: map[domain.RRType]*RRSet{}}
		b.data.nodes[name] = n
	}
	set, ok := n.sets[rec.Type]
	if !ok {
		set = &RRSet{Type: rec.Type}
		n.sets[rec.Type] = set
	}
	set.Records = append(set.Records, rec)
	b.data.count++
	b.data.estimatedSize += recordOverhead + len(rec.Name) + len(rec.Data)
}

// recordOverhead approximates the fixed per-record cost (name node,
// RRSet bookkeeping, struct headers) on top of a record's variable-length
// name and wire data, for segment capacity accounting.
const recordOverhead = 64

// Build finalizes the tree and returns the immutable Data. The builder must
// not be used again afterward.
func (b *Builder) Build() *Data {
	d := b.data
	b.data = nil
	return d
}
