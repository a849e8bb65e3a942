package zoneload

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"

	"github.com/nsdctl/dnsauthd/internal/dns/common/rrdata"
	"github.com/nsdctl/dnsauthd/internal/dns/common/utils"
	"github.com/nsdctl/dnsauthd/internal/dns/core/zonedata"
	"github.com/nsdctl/dnsauthd/internal/dns/domain"
)

// FileLoader reads a single YAML/JSON/TOML zone file and builds a
// *zonedata.Data from it, the same "zone_root" plus owner-name-keyed record
// map format repos/zone parses, generalized to load in bounded batches and
// to skip rebuilding the tree when the file's records exactly match what
// was already installed.
type FileLoader struct {
	path       string
	class      domain.RRClass
	defaultTTL time.Duration
	seg        Segment
	previous   *zonedata.Data

	parsedOK bool
	origin   string
	parsed   []domain.AuthoritativeRecord
	pos      int

	builder *zonedata.Builder
	data    *zonedata.Data
	reused  bool
}

// NewFactory returns a Factory that reads path each time a fresh Loader is
// needed, e.g. after a segment-grown retry.
func NewFactory(path string, class domain.RRClass, defaultTTL time.Duration) Factory {
	return func(seg Segment, previous *zonedata.Data) Loader {
		return &FileLoader{
			path:       path,
			class:      class,
			defaultTTL: defaultTTL,
			seg:        seg,
			previous:   previous,
		}
	}
}

func (fl *FileLoader) ensureParsed() error {
	if fl.parsedOK {
		return nil
	}
	origin, records, err := parseZoneFile(fl.path, fl.class, fl.defaultTTL)
	if err != nil {
		return wrapMalformed(fl.path, err)
	}
	fl.origin = origin
	fl.parsed = records
	fl.parsedOK = true

	if sameAsInstalled(fl.previous, records) {
		fl.reused = true
		fl.data = fl.previous
		return nil
	}
	fl.builder = zonedata.NewBuilder(origin, fl.class)
	return nil
}

// Load produces the complete ZoneData in one call.
func (fl *FileLoader) Load() error {
	if err := fl.ensureParsed(); err != nil {
		return err
	}
	if fl.reused {
		return nil
	}
	for ; fl.pos < len(fl.parsed); fl.pos++ {
		fl.builder.AddRecord(fl.parsed[fl.pos])
	}
	fl.data = fl.builder.Build()
	return nil
}

// LoadIncremental builds up to limit records per call. A limit of 0 behaves
// like Load.
func (fl *FileLoader) LoadIncremental(limit int) (bool, error) {
	if err := fl.ensureParsed(); err != nil {
		return false, err
	}
	if fl.reused {
		return true, nil
	}
	if limit <= 0 {
		if err := fl.Load(); err != nil {
			return false, err
		}
		return true, nil
	}

	end := fl.pos + limit
	if end > len(fl.parsed) {
		end = len(fl.parsed)
	}
	for ; fl.pos < end; fl.pos++ {
		fl.builder.AddRecord(fl.parsed[fl.pos])
	}
	if fl.pos >= len(fl.parsed) {
		if err := fl.finishBuild(); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (fl *FileLoader) finishBuild() error {
	fl.data = fl.builder.Build()
	return nil
}

// IsDataReused reports whether GetLoadedData returned the previously
// installed ZoneData because this file's records were unchanged.
func (fl *FileLoader) IsDataReused() bool { return fl.reused }

// GetLoadedData returns the data built so far; only meaningful once Load or
// LoadIncremental has reported completion.
func (fl *FileLoader) GetLoadedData() *zonedata.Data { return fl.data }

// Commit reserves capacity for loaded in the loader's segment and returns
// it ready to install. If the segment had to grow to make room, it returns
// segment.ErrSegmentGrown and the caller must retry with a fresh Loader.
func (fl *FileLoader) Commit(loaded *zonedata.Data) (*zonedata.Data, error) {
	if fl.reused {
		return loaded, nil
	}
	if !fl.seg.Writable() {
		return nil, fmt.Errorf("zone %s: segment is not writable", fl.origin)
	}
	size := loaded.EstimatedSize()
	if err := fl.seg.Grow(size); err != nil {
		return nil, err
	}
	loaded.SetReservation(size)
	return loaded, nil
}

// sameAsInstalled reports whether records exactly match what prev already
// holds, grouped by (name, type) so multi-record RRSets compare as sets
// rather than by incidental slice order.
func sameAsInstalled(prev *zonedata.Data, records []domain.AuthoritativeRecord) bool {
	if prev == nil {
		return false
	}
	if prev.RRCount() != len(records) {
		return false
	}

	type group struct {
		name string
		rt   domain.RRType
	}
	grouped := map[group][]domain.AuthoritativeRecord{}
	for _, rec := range records {
		key := group{name: utils.CanonicalDNSName(rec.Name), rt: rec.Type}
		grouped[key] = append(grouped[key], rec)
	}

	for key, recs := range grouped {
		existing, ok := prev.Find(key.name, key.rt)
		if !ok || len(existing) != len(recs) {
			return false
		}
		for _, rec := range recs {
			found := false
			for _, ex := range existing {
				if ex.TTL == rec.TTL && bytes.Equal(ex.Data, rec.Data) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

// expandName returns the fully qualified domain name for a label, expanding
// '@' to the zone root and appending the root to relative labels.
func expandName(label, root string) string {
	if label == "@" {
		return root
	}
	if strings.HasSuffix(label, ".") {
		return label
	}
	return label + "." + root
}

// toStringValues converts a raw koanf-parsed value (string or []any of
// strings) into a slice of non-empty strings, skipping empty or non-string
// elements so one malformed entry doesn't abort the whole zone.
func toStringValues(val any) []string {
	switch v := val.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil
		}
		return []string{s}
	case []any:
		out := make([]string, 0, len(v))
		for _, elem := range v {
			s, ok := elem.(string)
			if !ok {
				continue
			}
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			out = append(out, s)
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return nil
	}
}

// buildRecords encodes one or more AuthoritativeRecords for fqdn/rrType from
// their textual values.
func buildRecords(fqdn string, rrType string, values []string, class domain.RRClass, defaultTTL time.Duration) ([]domain.AuthoritativeRecord, error) {
	rType := domain.RRTypeFromString(rrType)
	records := make([]domain.AuthoritativeRecord, 0, len(values))
	for _, s := range values {
		if s == "" {
			continue
		}
		data, err := rrdata.Encode(rType, s)
		if err != nil {
			return nil, fmt.Errorf("encoding %s record for %s: %w", rrType, fqdn, err)
		}
		rec := domain.AuthoritativeRecord{
			Name:  fqdn,
			Type:  rType,
			Class: class,
			TTL:   uint32(defaultTTL.Seconds()),
			Data:  data,
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("building %s record for %s: %w", rrType, fqdn, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// parseZoneFile loads and parses a single zone file, returning its zone
// root and the flat list of records it declares.
func parseZoneFile(path string, class domain.RRClass, defaultTTL time.Duration) (string, []domain.AuthoritativeRecord, error) {
	if _, err := os.Stat(path); err != nil {
		return "", nil, fmt.Errorf("zone file %s: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return "", nil, fmt.Errorf("unsupported zone file extension %q", ext)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return "", nil, fmt.Errorf("loading zone file %s: %w", path, err)
	}

	root := k.String("zone_root")
	if root == "" {
		return "", nil, fmt.Errorf("zone file %s missing 'zone_root'", path)
	}
	root = utils.CanonicalDNSName(root)

	var records []domain.AuthoritativeRecord
	for name, raw := range k.Raw() {
		if name == "zone_root" {
			continue
		}
		rawMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fqdn := utils.CanonicalDNSName(expandName(name, root))
		for rrType, val := range rawMap {
			values := toStringValues(val)
			if len(values) == 0 {
				continue
			}
			recs, err := buildRecords(fqdn, rrType, values, class, defaultTTL)
			if err != nil {
				return "", nil, fmt.Errorf("invalid record in %s: %w", path, err)
			}
			records = append(records, recs...)
		}
	}
	return root, records, nil
}
