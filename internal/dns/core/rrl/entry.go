// Package rrl implements the response-rate-limiting token-bucket table: a
// dual-generation hash table with a global LRU list, so the table can grow
// online (without pausing lookups) and reclaim its least-recently-used
// entry once it is full, the way BIND10's auth/rrl component does.
package rrl

import "time"

// nilIndex marks the absence of a link in an intrusive chain.
const nilIndex int32 = -1

// Entry is one client/response-type token bucket. Entries live in fixed
// slots inside a Table's entry blocks and are only ever referenced by
// their stable index, never copied or moved, so a caller holding an *Entry
// across a Table.LookupOrInsert call can keep using it safely until the
// next call that might evict it.
type Entry struct {
	key     [16]byte
	inUse   bool
	hashGen uint64

	hashNext int32
	hashPrev int32
	lruNext  int32
	lruPrev  int32

	lastUpdate time.Time
	balance    int32
}

// Key returns the fingerprint this entry was allocated for.
func (e *Entry) Key() [16]byte { return e.key }

// ResponseBalance returns the entry's current token balance: positive
// means the client has budget left, negative means responses are being
// dropped.
func (e *Entry) ResponseBalance() int32 { return e.balance }

// LastUpdate returns the instant the balance was last advanced.
func (e *Entry) LastUpdate() time.Time { return e.lastUpdate }

// UpdateBalance advances the balance to now at ratePerSecond (capped at
// burst), then consumes one token for the response being considered. It
// reports whether the response should be sent (true) or rate-limited
// (false).
func (e *Entry) UpdateBalance(now time.Time, ratePerSecond float64, burst int32) bool {
	switch {
	case e.lastUpdate.IsZero():
		e.balance = burst
	default:
		if elapsed := now.Sub(e.lastUpdate).Seconds(); elapsed > 0 {
			grant := int32(elapsed * ratePerSecond)
			e.balance += grant
			if e.balance > burst {
				e.balance = burst
			}
		}
	}
	e.lastUpdate = now
	e.balance--
	return e.balance >= 0
}

// reset reinitializes a reused or freshly allocated entry for key.
func (e *Entry) reset(key [16]byte, hashGen uint64) {
	e.key = key
	e.inUse = true
	e.hashGen = hashGen
	e.hashNext = nilIndex
	e.hashPrev = nilIndex
	e.lruNext = nilIndex
	e.lruPrev = nilIndex
	e.lastUpdate = time.Time{}
	e.balance = 0
}
