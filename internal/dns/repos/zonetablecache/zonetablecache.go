// Package zonetablecache adapts a core/zonetable.Table, populated by
// core/zonewriter transactions, to the resolver.ZoneCache interface the
// query-handling path consults. Records here are never written directly:
// every mutation flows through a zonewriter.Writer transaction, so
// PutZone/RemoveZone exist only to satisfy the interface and log if
// something calls them.
package zonetablecache

import (
	"time"

	"github.com/nsdctl/dnsauthd/internal/dns/common/log"
	"github.com/nsdctl/dnsauthd/internal/dns/core/zonetable"
	"github.com/nsdctl/dnsauthd/internal/dns/domain"
	"github.com/nsdctl/dnsauthd/internal/dns/services/resolver"
)

// ZoneTableCache is a read-mostly view over a *zonetable.Table.
type ZoneTableCache struct {
	table  *zonetable.Table
	logger log.Logger
}

// New wraps table for use as a resolver.ZoneCache.
func New(table *zonetable.Table, logger log.Logger) *ZoneTableCache {
	return &ZoneTableCache{table: table, logger: logger}
}

// FindRecords looks up query.Name against the installed zone table, walking
// up to the enclosing zone apex when query.Name is not itself an apex, and
// converts any matching authoritative records into non-expiring
// ResourceRecords.
func (z *ZoneTableCache) FindRecords(query domain.Question) ([]domain.ResourceRecord, bool) {
	res := z.table.Find(query.Name)
	if res.Code == zonetable.CodeNotFound || res.Data == nil {
		return nil, false
	}
	authRecords, found := res.Data.Find(query.Name, query.Type)
	if !found || len(authRecords) == 0 {
		return nil, false
	}
	records := make([]domain.ResourceRecord, 0, len(authRecords))
	now := time.Now()
	for _, ar := range authRecords {
		records = append(records, domain.NewResourceRecordFromAuthoritative(ar, now))
	}
	return records, true
}

// PutZone is not supported: zone data is installed exclusively through a
// zonewriter.Writer transaction, never by direct assignment.
func (z *ZoneTableCache) PutZone(zoneRoot string, _ []domain.ResourceRecord) {
	if z.logger != nil {
		z.logger.Warn(map[string]any{"zone": zoneRoot}, "PutZone called on zonetablecache; zone installs must go through a zonewriter.Writer")
	}
}

// RemoveZone is not supported for the same reason as PutZone.
func (z *ZoneTableCache) RemoveZone(zoneRoot string) {
	if z.logger != nil {
		z.logger.Warn(map[string]any{"zone": zoneRoot}, "RemoveZone called on zonetablecache; zone removal must go through the zonetable directly")
	}
}

// Zones returns every installed zone apex name.
func (z *ZoneTableCache) Zones() []string { return z.table.Zones() }

// Count returns the number of installed zones.
func (z *ZoneTableCache) Count() int { return z.table.Count() }

var _ resolver.ZoneCache = (*ZoneTableCache)(nil)
