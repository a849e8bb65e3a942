package domain

import (
	"github.com/nsdctl/dnsauthd/internal/dns/common/utils"
)

// GenerateCacheKey returns a consistent cache key derived from a DNS name, type, and class.
// The zone-aware format enables O(1) lookups by automatically extracting the zone root from the FQDN.
// Format: "zoneRoot.|name|type|class" (e.g., "example.com.|www.example.com|A|IN")
// Uses pipe (|) separator to avoid conflicts with colons in IPv6 addresses and URIs.
func GenerateCacheKey(name string, t RRType, c RRClass) string {
	// canonicalize the name (lowercase, no trailing dot)
	name = utils.CanonicalDNSName(name)
	// get the apex domain
	apexDomain := utils.GetApexDomain(name)
	// construct the cache key; the zone root carries a trailing dot
	return apexDomain + ".|" + name + "|" + t.String() + "|" + c.String()
}
