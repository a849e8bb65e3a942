package resolver

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/nsdctl/dnsauthd/internal/dns/common/clock"
	"github.com/nsdctl/dnsauthd/internal/dns/common/log"
	"github.com/nsdctl/dnsauthd/internal/dns/domain"
)

// Resolver orchestrates DNS query resolution: authoritative zone lookup,
// alias (CNAME) chasing, a blocklist check, and upstream resolution with
// caching, in that order.
type Resolver struct {
	blocklist     Blocklist
	clock         clock.Clock
	logger        log.Logger
	upstream      UpstreamClient
	upstreamCache Cache
	zoneCache     ZoneCache
	aliasResolver AliasResolver
	maxRecursion  int
}

// ResolverOptions configures a new Resolver. Any collaborator may be nil;
// Resolver degrades gracefully (treating a nil zone cache as always-miss, a
// nil blocklist as never-blocking, and so on) rather than panicking.
type ResolverOptions struct {
	Blocklist     Blocklist
	Clock         clock.Clock
	Logger        log.Logger
	Upstream      UpstreamClient
	UpstreamCache Cache
	ZoneCache     ZoneCache
	AliasResolver AliasResolver
	// MaxRecursion bounds CNAME chase depth. If AliasResolver is not set
	// explicitly and MaxRecursion > 0, NewResolver builds a default chaser
	// over ZoneCache/Upstream/UpstreamCache with this depth.
	MaxRecursion int
}

// NewResolver constructs a Resolver from opts.
func NewResolver(opts ResolverOptions) *Resolver {
	alias := opts.AliasResolver
	if alias == nil && opts.MaxRecursion > 0 {
		alias = NewAliasChaser(opts.ZoneCache, opts.Upstream, opts.UpstreamCache, opts.Clock, opts.Logger, opts.MaxRecursion)
	}
	return &Resolver{
		blocklist:     opts.Blocklist,
		clock:         opts.Clock,
		logger:        opts.Logger,
		upstream:      opts.Upstream,
		upstreamCache: opts.UpstreamCache,
		zoneCache:     opts.ZoneCache,
		aliasResolver: alias,
		maxRecursion:  opts.MaxRecursion,
	}
}

// HandleQuery implements DNSResponder. It always returns a nil error; any
// failure is reported through the response's RCode, never by making the
// caller decide how to map an error to wire format.
func (r *Resolver) HandleQuery(ctx context.Context, query domain.Question, clientAddr net.Addr) (domain.DNSResponse, error) {
	if records, found := r.findAuthoritative(query); found && len(records) > 0 {
		return r.resolveAuthoritative(query, records), nil
	}

	if r.blocklist != nil && r.blocklist.IsBlocked(query) {
		r.logf(map[string]any{"query": query.Name, "client": addrString(clientAddr)}, "query blocked")
		return buildResponse(query, domain.NXDOMAIN, nil), nil
	}

	if r.upstreamCache != nil {
		if cached, hit := r.upstreamCache.Get(query.CacheKey()); hit {
			return buildResponse(query, domain.NOERROR, cached), nil
		}
	}

	if r.upstream == nil {
		return buildResponse(query, domain.SERVFAIL, nil), nil
	}

	records, err := r.upstream.Resolve(ctx, query, r.now())
	if err != nil {
		r.logf(map[string]any{"query": query.Name, "error": err.Error()}, "upstream resolution failed")
		return buildResponse(query, domain.SERVFAIL, nil), nil
	}

	if err := r.cacheUpstreamResponse(records); err != nil {
		r.logf(map[string]any{"query": query.Name, "error": err.Error()}, "failed to cache upstream response")
	}

	return buildResponse(query, domain.NOERROR, records), nil
}

func (r *Resolver) findAuthoritative(query domain.Question) ([]domain.ResourceRecord, bool) {
	if r.zoneCache == nil {
		return nil, false
	}
	return r.zoneCache.FindRecords(query)
}

// resolveAuthoritative expands records via alias chasing when a chaser is
// configured (a no-op chaser just echoes non-CNAME records back unchanged),
// classifying a chase error as fatal (SERVFAIL, no answers) or non-fatal
// (the partial chain gathered so far).
func (r *Resolver) resolveAuthoritative(query domain.Question, records []domain.ResourceRecord) domain.DNSResponse {
	if r.aliasResolver == nil {
		return buildResponse(query, domain.NOERROR, records)
	}
	chain, err := r.aliasResolver.Chase(query, records)
	if err == nil {
		return buildResponse(query, domain.NOERROR, chain)
	}
	if r.isFatalAliasError(err) {
		r.logf(map[string]any{"query": query.Name, "error": err.Error()}, "alias chase failed fatally")
		return buildResponse(query, domain.SERVFAIL, nil)
	}
	r.logf(map[string]any{"query": query.Name, "error": err.Error()}, "alias chase failed non-fatally, returning partial chain")
	return buildResponse(query, domain.NOERROR, chain)
}

// isFatalAliasError reports whether err should suppress the answer entirely
// (SERVFAIL) rather than returning whatever partial CNAME chain was gathered.
func (r *Resolver) isFatalAliasError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAliasDepthExceeded) || errors.Is(err, ErrAliasLoopDetected)
}

// cacheUpstreamResponse stores records in the upstream cache, a no-op when
// no cache is configured.
func (r *Resolver) cacheUpstreamResponse(records []domain.ResourceRecord) error {
	if r.upstreamCache == nil {
		return nil
	}
	return r.upstreamCache.Set(records)
}

func (r *Resolver) now() time.Time {
	if r.clock == nil {
		return time.Now()
	}
	return r.clock.Now()
}

func (r *Resolver) logf(fields map[string]any, msg string) {
	if r.logger != nil {
		r.logger.Debug(fields, msg)
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// buildResponse assembles a DNSResponse carrying rcode and records, echoing
// the query's ID as DNS requires.
func buildResponse(query domain.Question, rcode domain.RCode, records []domain.ResourceRecord) domain.DNSResponse {
	return domain.DNSResponse{
		ID:      query.ID,
		RCode:   rcode,
		Answers: records,
	}
}

var _ DNSResponder = (*Resolver)(nil)
