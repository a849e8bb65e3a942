package blocklist

import "github.com/nsdctl/dnsauthd/internal/dns/domain"

// ResolverAdapter exposes a Repository as a resolver.Blocklist, so the
// query-handling path only ever sees the single boolean it needs.
type ResolverAdapter struct {
	repo Repository
}

// NewResolverAdapter wraps repo for use as a resolver.Blocklist.
func NewResolverAdapter(repo Repository) *ResolverAdapter {
	return &ResolverAdapter{repo: repo}
}

func (a *ResolverAdapter) IsBlocked(q domain.Question) bool {
	if a.repo == nil {
		return false
	}
	return a.repo.Decide(q.Name).Blocked
}
