package rrl

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/nsdctl/dnsauthd/internal/dns/common/log"
)

// defaultBlockSize is how many Entry slots a single growth step adds.
// Entries live inside fixed-size blocks rather than one ever-reallocated
// slice so existing entries never move when the table grows: only the
// slice-of-slices header grows, never the blocks themselves.
const defaultBlockSize = 256

// defaultBins is the starting number of hash chain heads.
const defaultBins = 64

// Limiter is the interface a caller (typically a UDP transport) consults
// per response.
type Limiter interface {
	Allow(key [16]byte, now time.Time) bool
}

// Table is the dual-generation hash table of rate-limiting entries. One
// mutex serializes every operation, expand included. expand only swaps in
// a new, larger hash array and leaves the old one reachable for lazy
// migration, so no operation waits for a full rehash of the table.
type Table struct {
	mu sync.Mutex

	clock func() time.Time

	ratePerSecond float64
	burst         int32

	maxEntries int
	minEntries int
	blockSize  int

	blocks   [][]Entry
	freeHead int32
	numUsed  int

	hash    []int32
	oldHash []int32
	oldUsed int
	hashGen uint64

	// searches and probes accumulate since the last expand: searches counts
	// hash-chain lookups, probes counts the chain hops they took. Their
	// ratio is the observed average chain length expand sizes against.
	searches uint64
	probes   uint64

	lruHead int32
	lruTail int32

	logger log.Logger
}

// Options configures a new Table.
type Options struct {
	// RatePerSecond is how many responses per second a single entry earns
	// back toward its balance.
	RatePerSecond float64
	// Burst is the maximum balance an entry can accumulate.
	Burst int32
	// MaxEntries bounds how many live entries the table will ever hold;
	// once reached, allocating a new entry evicts the least-recently-used
	// one instead of growing further.
	MaxEntries int
	// MinEntries is reserved up front so early traffic doesn't pay for
	// incremental growth.
	MinEntries int
	Logger     log.Logger
}

// New constructs a Table sized per opts, pre-reserving MinEntries entry
// slots and an initial hash bin count, mirroring
// ResponseLimiterImpl's startup call to expandEntries + expand in the
// original BIND10 rrl.cc.
func New(opts Options) *Table {
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 4096
	}
	blockSize := defaultBlockSize
	if opts.MinEntries > 0 && opts.MinEntries < blockSize {
		blockSize = opts.MinEntries
	}

	t := &Table{
		clock:         time.Now,
		ratePerSecond: opts.RatePerSecond,
		burst:         opts.Burst,
		maxEntries:    opts.MaxEntries,
		minEntries:    opts.MinEntries,
		blockSize:     blockSize,
		freeHead:      nilIndex,
		lruHead:       nilIndex,
		lruTail:       nilIndex,
		hash:          make([]int32, defaultBins),
		logger:        opts.Logger,
	}
	for i := range t.hash {
		t.hash[i] = nilIndex
	}

	if opts.MinEntries > 0 {
		t.expandEntries(opts.MinEntries)
	}
	return t
}

// Count returns the number of live entries.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numUsed
}

// Allow implements Limiter: it looks up or creates the entry for key and
// consumes one token from its balance.
func (t *Table) Allow(key [16]byte, now time.Time) bool {
	e := t.LookupOrInsert(key, now)
	return e.UpdateBalance(now, t.ratePerSecond, t.burst)
}

// LookupOrInsert returns the entry for key, creating one if none exists.
// It may trigger a hash expansion (never an entry-storage pause) and may
// evict the least-recently-used entry if the table is already at
// MaxEntries.
func (t *Table) LookupOrInsert(key [16]byte, now time.Time) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx, ok := t.findCurrent(key); ok {
		t.touchLRU(idx)
		return t.entryAt(idx)
	}
	if idx, ok := t.migrateFromOld(key); ok {
		t.touchLRU(idx)
		return t.entryAt(idx)
	}

	idx := t.allocate(now)
	e := t.entryAt(idx)
	e.reset(key, t.hashGen)
	t.linkHash(t.hash, t.binFor(key, len(t.hash)), idx)
	t.pushLRUFront(idx)
	t.numUsed++

	if t.shouldExpand() {
		t.expand(now)
	}
	return e
}

func (t *Table) binFor(key [16]byte, bins int) int {
	if bins <= 0 {
		return 0
	}
	h := binary.BigEndian.Uint64(key[:8])
	return int(h % uint64(bins))
}

func (t *Table) entryAt(idx int32) *Entry {
	block := int(idx) / t.blockSize
	slot := int(idx) % t.blockSize
	return &t.blocks[block][slot]
}

func (t *Table) findCurrent(key [16]byte) (int32, bool) {
	return t.findInChain(t.hash, t.binFor(key, len(t.hash)), key)
}

func (t *Table) findInChain(chain []int32, bin int, key [16]byte) (int32, bool) {
	if chain == nil {
		return nilIndex, false
	}
	t.searches++
	for idx := chain[bin]; idx != nilIndex; {
		t.probes++
		e := t.entryAt(idx)
		if e.key == key {
			return idx, true
		}
		idx = e.hashNext
	}
	return nilIndex, false
}

// migrateFromOld looks for key in the old generation's hash chains; if
// found, it unlinks the entry from there and relinks it into the current
// hash, which is the "lazy migration on lookup" that lets expand avoid a
// stop-the-world rehash.
func (t *Table) migrateFromOld(key [16]byte) (int32, bool) {
	if t.oldHash == nil {
		return nilIndex, false
	}
	oldBin := t.binFor(key, len(t.oldHash))
	idx, ok := t.findInChain(t.oldHash, oldBin, key)
	if !ok {
		return nilIndex, false
	}
	t.unlinkHash(t.oldHash, oldBin, idx)
	t.drainOld()
	newBin := t.binFor(key, len(t.hash))
	t.linkHash(t.hash, newBin, idx)
	t.entryAt(idx).hashGen = t.hashGen
	return idx, true
}

// drainOld accounts for one entry having left the old generation, whether
// by migration or eviction, and drops oldHash once every entry that was
// alive in it at the last expand has been accounted for. expand refuses to
// run again until oldHash is nil, so this is what lets a later expand
// proceed.
func (t *Table) drainOld() {
	if t.oldHash == nil {
		return
	}
	t.oldUsed--
	if t.oldUsed <= 0 {
		t.oldHash = nil
		t.oldUsed = 0
	}
}

// linkHash inserts idx at the head of chain's bin, threading hashPrev/
// hashNext so unlinkHash can later remove it in O(1) without walking the
// chain.
func (t *Table) linkHash(chain []int32, bin int, idx int32) {
	e := t.entryAt(idx)
	e.hashPrev = nilIndex
	e.hashNext = chain[bin]
	if chain[bin] != nilIndex {
		t.entryAt(chain[bin]).hashPrev = idx
	}
	chain[bin] = idx
}

// unlinkHash removes idx from chain's bin in O(1), using its hashPrev/
// hashNext neighbors directly rather than walking the chain from the bin
// head.
func (t *Table) unlinkHash(chain []int32, bin int, idx int32) {
	e := t.entryAt(idx)
	if e.hashPrev != nilIndex {
		t.entryAt(e.hashPrev).hashNext = e.hashNext
	} else {
		chain[bin] = e.hashNext
	}
	if e.hashNext != nilIndex {
		t.entryAt(e.hashNext).hashPrev = e.hashPrev
	}
	e.hashPrev = nilIndex
	e.hashNext = nilIndex
}

// shouldExpand reports whether the current hash generation's observed
// average chain length (probes per search, accumulated since the last
// expand) has grown past a comfortable lookup cost. Falls back to a
// static entries-to-bins ratio before any searches have been observed.
func (t *Table) shouldExpand() bool {
	if len(t.hash) == 0 {
		return false
	}
	if t.searches == 0 {
		return t.numUsed > len(t.hash)*4
	}
	return float64(t.probes)/float64(t.searches) > 2.0
}

// expand grows the hash table by installing a new, larger bin array and
// demoting the current one to "old", to be drained by lazy migration on
// subsequent lookups. Mirrors RRLTable::expand in the original: new bin
// count is max(oldBins/8+oldBins, numEntries), and the generation counter
// advances so newly allocated entries land directly in the new array.
//
// expand refuses to run while a previous oldHash is still undrained: only
// one generation may be "old" at a time, so promoting hash to oldHash
// before the existing oldHash is empty would silently orphan whatever is
// still linked there. Rehashing drains oldHash incrementally via
// migrateFromOld/evictLRU, so callers that keep expanding without giving
// lookups a chance to drain it will simply stop growing until they do.
func (t *Table) expand(now time.Time) {
	if t.oldHash != nil {
		if t.logger != nil {
			t.logger.Warn(map[string]any{"old_used": t.oldUsed}, "rrl table expand skipped: previous generation not yet drained")
		}
		return
	}

	oldBins := len(t.hash)
	newBins := oldBins/8 + oldBins
	if newBins < t.numUsed {
		newBins = t.numUsed
	}
	if newBins <= oldBins {
		newBins = oldBins + 1
	}

	t.oldHash = t.hash
	t.oldUsed = t.numUsed
	t.hash = make([]int32, newBins)
	for i := range t.hash {
		t.hash[i] = nilIndex
	}
	t.hashGen++
	t.searches = 0
	t.probes = 0

	if t.logger != nil {
		t.logger.Info(map[string]any{
			"old_bins": oldBins,
			"new_bins": newBins,
			"entries":  t.numUsed,
		}, "rrl table expanded")
	}
}

// allocate returns the index of a ready-to-use entry slot: from the free
// list if one is available, by growing entry storage if under MaxEntries,
// or by evicting the least-recently-used entry otherwise.
func (t *Table) allocate(now time.Time) int32 {
	if t.freeHead != nilIndex {
		idx := t.freeHead
		t.freeHead = t.entryAt(idx).hashNext
		return idx
	}
	if t.numUsed < t.maxEntries {
		t.expandEntries(1)
		idx := t.freeHead
		t.freeHead = t.entryAt(idx).hashNext
		return idx
	}
	return t.evictLRU()
}

// expandEntries grows entry storage by at least count slots (rounded up to
// a block), capped at MaxEntries, pushing the new slots onto the free
// list. Mirrors RRLTable::expandEntries.
func (t *Table) expandEntries(count int) {
	have := len(t.blocks) * t.blockSize
	need := have + count
	if need > t.maxEntries {
		need = t.maxEntries
	}
	for have < need {
		block := make([]Entry, t.blockSize)
		base := int32(len(t.blocks) * t.blockSize)
		for i := range block {
			idx := base + int32(i)
			if int(idx) >= t.maxEntries {
				break
			}
			block[i].hashNext = t.freeHead
			t.freeHead = idx
		}
		t.blocks = append(t.blocks, block)
		have = len(t.blocks) * t.blockSize
	}
}

func (t *Table) evictLRU() int32 {
	idx := t.lruTail
	e := t.entryAt(idx)
	bin := t.binFor(e.key, len(t.hash))
	if e.hashGen == t.hashGen {
		t.unlinkHash(t.hash, bin, idx)
	} else if t.oldHash != nil {
		t.unlinkHash(t.oldHash, t.binFor(e.key, len(t.oldHash)), idx)
		t.drainOld()
	}
	t.removeLRU(idx)
	e.inUse = false
	t.numUsed--
	return idx
}

func (t *Table) pushLRUFront(idx int32) {
	e := t.entryAt(idx)
	e.lruPrev = nilIndex
	e.lruNext = t.lruHead
	if t.lruHead != nilIndex {
		t.entryAt(t.lruHead).lruPrev = idx
	}
	t.lruHead = idx
	if t.lruTail == nilIndex {
		t.lruTail = idx
	}
}

func (t *Table) removeLRU(idx int32) {
	e := t.entryAt(idx)
	if e.lruPrev != nilIndex {
		t.entryAt(e.lruPrev).lruNext = e.lruNext
	} else {
		t.lruHead = e.lruNext
	}
	if e.lruNext != nilIndex {
		t.entryAt(e.lruNext).lruPrev = e.lruPrev
	} else {
		t.lruTail = e.lruPrev
	}
	e.lruPrev = nilIndex
	e.lruNext = nilIndex
}

func (t *Table) touchLRU(idx int32) {
	if t.lruHead == idx {
		return
	}
	t.removeLRU(idx)
	t.pushLRUFront(idx)
}
