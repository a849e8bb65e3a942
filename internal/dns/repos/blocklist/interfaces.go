package blocklist

import "github.com/nsdctl/dnsauthd/internal/dns/domain"

// BloomSizer computes Bloom filter parameters from capacity (n) and target FP rate (p).
// It returns m (number of bits) and k (number of hash functions).
// Implemented in v0.3 task #30.
type BloomSizer interface {
	Size(n uint64, p float64) (m uint64, k uint8)
}

// BloomFilter is the minimal interface the repository needs from Bloom filters.
// Implementations may wrap exact/suffix filters separately.
type BloomFilter interface {
	Add(key []byte)
	MightContain(key []byte) bool
	Clear()
}

// BloomFactory builds a BloomFilter sized for capacity entries at the given
// target false-positive rate, used by Repository.UpdateAll to rebuild the
// filter after a store snapshot swap.
type BloomFactory interface {
	New(capacity uint64, fpRate float64) BloomFilter
}

// DecisionCache caches block decisions by canonical name with basic metrics.
type DecisionCache interface {
	Get(name string) (domain.BlockDecision, bool)
	Put(name string, d domain.BlockDecision)
	Len() int
	Purge()
	Stats() CacheStats
}

// StoreStats captures high-level counts and metadata for the persistent store.
type StoreStats struct {
	ExactCount  uint64
	SuffixCount uint64
	Version     uint64
	UpdatedUnix int64 // seconds since epoch
}

// Store abstracts the persistent index backing blocklist rules.
// - GetFirstMatch: the first matching rule for name, checking exact then suffix anchors
// - RebuildAll: replace the whole rule set as a single snapshot
// - Purge: drop all rule data, keeping stored metadata
// - Stats: counts and metadata; Close: release resources
type Store interface {
	GetFirstMatch(name string) (domain.BlockRule, bool, error)
	RebuildAll(rules []domain.BlockRule, version uint64, updatedUnix int64) error
	Purge() error
	Stats() StoreStats
	Close() error
}

// Repository is the composition layer that wires cache → bloom → store.
// Decide returns a value-type BlockDecision for the canonical name.
// UpdateAll rebuilds the store from a fresh rule snapshot, rebuilds the
// Bloom filter from the same snapshot, and clears the decision cache.
type Repository interface {
	Decide(name string) domain.BlockDecision
	UpdateAll(rules []domain.BlockRule, version uint64, updatedUnix int64) error
}
