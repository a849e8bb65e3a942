package resolver

import (
	"context"
	"net"
	"time"

	"github.com/nsdctl/dnsauthd/internal/dns/domain"
)

// UpstreamClient resolves a question against a recursive/forwarding upstream
// server when no authoritative or cached answer is available.
type UpstreamClient interface {
	Resolve(ctx context.Context, query domain.Question, now time.Time) ([]domain.ResourceRecord, error)
}

// Cache stores previously resolved upstream answers, keyed by
// domain.Question.CacheKey.
type Cache interface {
	Set(record []domain.ResourceRecord) error
	Get(key string) ([]domain.ResourceRecord, bool)
	Delete(key string)
	Len() int
	Keys() []string
}

// ZoneCache answers authoritative lookups for zones this server is
// authoritative for.
type ZoneCache interface {
	FindRecords(query domain.Question) ([]domain.ResourceRecord, bool)
	PutZone(zoneRoot string, records []domain.ResourceRecord)
	RemoveZone(zoneRoot string)
	Zones() []string
	Count() int
}

// Blocklist decides whether a query should be refused outright.
type Blocklist interface {
	IsBlocked(q domain.Question) bool
}

// AliasResolver expands a CNAME chain beginning with initial into a
// complete answer set.
type AliasResolver interface {
	Chase(query domain.Question, initial []domain.ResourceRecord) ([]domain.ResourceRecord, error)
}

// DNSResponder processes a DNS query and returns a DNS response. The
// transport handles all network protocol details; the handler only sees
// domain objects.
type DNSResponder interface {
	HandleQuery(ctx context.Context, query domain.Question, clientAddr net.Addr) (domain.DNSResponse, error)
}
