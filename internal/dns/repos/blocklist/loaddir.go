package blocklist

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nsdctl/dnsauthd/internal/dns/common/log"
	"github.com/nsdctl/dnsauthd/internal/dns/domain"
	"github.com/nsdctl/dnsauthd/internal/dns/repos/blocklist/parsers"
)

// LoadDirectory reads every regular file directly under dir and parses it as
// a blocklist source: files with a ".hosts" extension are parsed as
// /etc/hosts-style entries, everything else as a plain one-domain-per-line
// list. A file that fails to parse is skipped with a logged warning rather
// than failing the whole load, since one malformed feed should not prevent
// the rest of the blocklist from loading.
func LoadDirectory(dir string, logger log.Logger, now time.Time) ([]domain.BlockRule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var rules []domain.BlockRule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		f, err := os.Open(path)
		if err != nil {
			if logger != nil {
				logger.Warn(map[string]any{"file": path, "error": err.Error()}, "skipping unreadable blocklist source")
			}
			continue
		}

		var parsed []domain.BlockRule
		if strings.HasSuffix(entry.Name(), ".hosts") {
			parsed, err = parsers.ParseHostsFile(f, path, logger, now)
		} else {
			parsed, err = parsers.ParsePlainList(f, path, logger, now)
		}
		_ = f.Close()
		if err != nil {
			if logger != nil {
				logger.Warn(map[string]any{"file": path, "error": err.Error()}, "skipping malformed blocklist source")
			}
			continue
		}
		rules = append(rules, parsed...)
	}
	return rules, nil
}
