package bolt

import (
	"encoding/binary"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"
	bberrors "go.etcd.io/bbolt/errors"

	"github.com/nsdctl/dnsauthd/internal/dns/domain"
	"github.com/nsdctl/dnsauthd/internal/dns/repos/blocklist"
)

var (
	bucketExact  = []byte("exact")
	bucketSuffix = []byte("suffix")
	bucketMeta   = []byte("meta")
)

// boltStore implements blocklist.Store using bbolt. Rules are written as a
// full snapshot on every RebuildAll: the exact and suffix buckets are
// dropped and re-created rather than diffed, mirroring how a freshly
// downloaded blocklist feed replaces the previous one wholesale.
type boltStore struct {
	db *bbolt.DB
}

// bucketCreator is the subset of *bbolt.Tx that ensureBuckets needs; it
// exists so tests can inject bucket-creation failures without a real DB.
type bucketCreator interface {
	CreateBucketIfNotExists(name []byte) (*bbolt.Bucket, error)
}

// bucketDeleter is the subset of *bbolt.Tx that deleteBuckets needs.
type bucketDeleter interface {
	DeleteBucket(name []byte) error
}

// Seams for error-path testing; production code always calls through these.
var (
	ensureBucketsFn   = ensureBuckets
	deleteBucketsFn   = deleteBuckets
	loadRulesFn       = loadRules
	writeMetaFn       = writeMeta
	decodeRuleValueFn = decodeRuleValue
)

func ensureBuckets(tx bucketCreator) error {
	if _, err := tx.CreateBucketIfNotExists(bucketExact); err != nil {
		return err
	}
	if _, err := tx.CreateBucketIfNotExists(bucketSuffix); err != nil {
		return err
	}
	if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
		return err
	}
	return nil
}

func deleteBuckets(tx bucketDeleter, names ...[]byte) error {
	for _, name := range names {
		if err := tx.DeleteBucket(name); err != nil && err != bberrors.ErrBucketNotFound {
			return err
		}
	}
	return nil
}

// New opens (or creates) a Bolt database at path and ensures buckets exist.
func New(path string) (blocklist.Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		return ensureBucketsFn(tx)
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Close() error { return s.db.Close() }

// GetFirstMatch checks the exact bucket, then walks the reversed name from
// most to least specific looking for a suffix anchor, and returns the first
// rule found. Matching suffix keys are reversed domain names, so a query of
// "sub.example.net" is found by reversing to "ten.elpmaxe.bus" and trimming
// trailing labels until "ten.elpmaxe" (the reversed "example.net") matches.
func (s *boltStore) GetFirstMatch(name string) (domain.BlockRule, bool, error) {
	var (
		rule domain.BlockRule
		ok   bool
		err  error
	)
	viewErr := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucketExact); b != nil {
			if v := b.Get([]byte(name)); v != nil {
				rule, err = decodeRuleValueFn(name, v, domain.BlockRuleExact)
				if err != nil {
					return err
				}
				ok = true
				return nil
			}
		}

		b := tx.Bucket(bucketSuffix)
		if b == nil {
			return nil
		}
		rp := reverseString(name)
		for len(rp) > 0 {
			if v := b.Get([]byte(rp)); v != nil {
				apex := reverseString(rp)
				rule, err = decodeRuleValueFn(apex, v, domain.BlockRuleSuffix)
				if err != nil {
					return err
				}
				ok = true
				return nil
			}
			idx := lastDot(rp)
			if idx < 0 {
				break
			}
			rp = rp[:idx]
		}
		return nil
	})
	if viewErr != nil {
		return domain.BlockRule{}, false, viewErr
	}
	return rule, ok, nil
}

// RebuildAll replaces the store contents with rules as a single snapshot and
// records version/updatedUnix as the snapshot's metadata.
func (s *boltStore) RebuildAll(rules []domain.BlockRule, version uint64, updatedUnix int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := deleteBucketsFn(tx, bucketExact, bucketSuffix); err != nil {
			return err
		}
		if err := ensureBucketsFn(tx); err != nil {
			return err
		}
		if err := loadRulesFn(tx, rules); err != nil {
			return err
		}
		return writeMetaFn(tx, version, updatedUnix)
	})
}

// Purge drops all rule data but leaves stored metadata untouched.
func (s *boltStore) Purge() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := deleteBucketsFn(tx, bucketExact, bucketSuffix); err != nil {
			return err
		}
		return ensureBucketsFn(tx)
	})
}

func (s *boltStore) Stats() blocklist.StoreStats {
	st := blocklist.StoreStats{}
	_ = s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucketExact); b != nil {
			st.ExactCount = uint64(b.Stats().KeyN)
		}
		if b := tx.Bucket(bucketSuffix); b != nil {
			st.SuffixCount = uint64(b.Stats().KeyN)
		}
		if b := tx.Bucket(bucketMeta); b != nil {
			if v := b.Get([]byte("version")); len(v) == 8 {
				st.Version = binary.BigEndian.Uint64(v)
			}
			if v := b.Get([]byte("updated")); len(v) == 8 {
				st.UpdatedUnix = int64(binary.BigEndian.Uint64(v))
			}
		}
		return nil
	})
	return st
}

// loadRules writes each rule into its bucket, keyed by name (exact) or the
// reversed name (suffix). Unsupported kinds are silently skipped: a feed
// that introduces a new rule kind before this store understands it should
// not fail the whole snapshot.
func loadRules(tx *bbolt.Tx, rules []domain.BlockRule) error {
	eb := tx.Bucket(bucketExact)
	sb := tx.Bucket(bucketSuffix)
	for _, r := range rules {
		switch r.Kind {
		case domain.BlockRuleExact:
			if r.Name == "" {
				return fmt.Errorf("blocklist: empty name for exact rule")
			}
			if err := eb.Put([]byte(r.Name), encodeRuleValue(r)); err != nil {
				return err
			}
		case domain.BlockRuleSuffix:
			key := reverseString(r.Name)
			if key == "" {
				return fmt.Errorf("blocklist: empty name for suffix rule")
			}
			if err := sb.Put([]byte(key), encodeRuleValue(r)); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeMeta(tx *bbolt.Tx, version uint64, updatedUnix int64) error {
	b := tx.Bucket(bucketMeta)
	vbuf := make([]byte, 8)
	ubuf := make([]byte, 8)
	binary.BigEndian.PutUint64(vbuf, version)
	binary.BigEndian.PutUint64(ubuf, uint64(updatedUnix))
	if err := b.Put([]byte("version"), vbuf); err != nil {
		return err
	}
	return b.Put([]byte("updated"), ubuf)
}

// encodeRuleValue packs a rule as: 1 byte kind, 8 bytes AddedAt (unix,
// big-endian), 2 bytes source length (big-endian), then the source bytes.
func encodeRuleValue(r domain.BlockRule) []byte {
	src := []byte(r.Source)
	v := make([]byte, 11+len(src))
	v[0] = byte(r.Kind)
	binary.BigEndian.PutUint64(v[1:9], uint64(r.AddedAt.Unix()))
	binary.BigEndian.PutUint16(v[9:11], uint16(len(src)))
	copy(v[11:], src)
	return v
}

// decodeRuleValue is the inverse of encodeRuleValue. Values too short to
// carry a header fall back to defaultKind with a zero AddedAt and empty
// Source; an invalid kind byte or an out-of-range source length also falls
// back rather than failing the whole lookup.
func decodeRuleValue(name string, v []byte, defaultKind domain.BlockRuleKind) (domain.BlockRule, error) {
	r := domain.BlockRule{Name: name}
	if len(v) < 11 {
		r.Kind = defaultKind
		return r, nil
	}
	switch domain.BlockRuleKind(v[0]) {
	case domain.BlockRuleExact, domain.BlockRuleSuffix:
		r.Kind = domain.BlockRuleKind(v[0])
	default:
		r.Kind = defaultKind
	}
	r.AddedAt = time.Unix(int64(binary.BigEndian.Uint64(v[1:9])), 0)
	srclen := int(binary.BigEndian.Uint16(v[9:11]))
	if avail := len(v) - 11; srclen > 0 && srclen <= avail {
		r.Source = string(v[11 : 11+srclen])
	}
	return r, nil
}

func reverseString(s string) string {
	return string(reverseBytesInPlace([]byte(s)))
}

func reverseBytesInPlace(b []byte) []byte {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}
