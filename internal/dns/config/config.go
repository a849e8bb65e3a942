package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// CacheConfig bounds an LRU cache shared by the resolver and blocklist layers.
type CacheConfig struct {
	Size uint `koanf:"size" validate:"required,gte=1"`
}

// RRLConfig sizes the response-rate-limiting hash table.
type RRLConfig struct {
	MaxEntries uint `koanf:"max_entries" validate:"gte=0"`
	MinEntries uint `koanf:"min_entries" validate:"gte=0"`
}

// ResolverConfig holds everything the resolution/zone-serving path needs.
type ResolverConfig struct {
	ZoneDirectory string `koanf:"zone_directory" validate:"required"`
	Port          int    `koanf:"port" validate:"required,gte=1,lt=65535"`
	MaxRecursion  int    `koanf:"max_recursion" validate:"gte=0"`
	Cache         CacheConfig `koanf:"cache"`
	Upstream      []string    `koanf:"upstream" validate:"required,dive,ip_port"`

	// DisableCache bypasses the upstream response cache entirely.
	DisableCache bool `koanf:"disable_cache"`

	// ZoneSegmentMode selects the memory segment backing the zone table:
	// "local" (plain heap) or "mapped" (bbolt-file-backed).
	ZoneSegmentMode string `koanf:"zone_segment_mode" validate:"required,oneof=local mapped"`
	// ZoneSegmentFile is the bbolt file path, required when mode == mapped.
	ZoneSegmentFile string `koanf:"zone_segment_file" validate:"required_if=ZoneSegmentMode mapped"`

	// AllowZoneLoadErrors keeps the server up (serving whatever zones did
	// load, possibly empty) instead of refusing to start when a zone file
	// fails to parse.
	AllowZoneLoadErrors bool `koanf:"allow_zone_load_errors"`
}

// SinkholeConfig configures the fixed response returned for blocked queries
// when BlocklistConfig.Strategy is "sinkhole".
type SinkholeConfig struct {
	Target []string `koanf:"target" validate:"required,dive,ip"`
	TTL    uint32   `koanf:"ttl" validate:"gte=0"`
}

// BlocklistConfig configures the DNS-level blocklist repository.
type BlocklistConfig struct {
	Directory string      `koanf:"directory" validate:"required"`
	DB        string      `koanf:"db" validate:"required"`
	Strategy  string      `koanf:"strategy" validate:"required,oneof=refused sinkhole"`
	Cache     CacheConfig `koanf:"cache"`
	URLs      []string    `koanf:"urls"`

	// Sinkhole is required when Strategy == "sinkhole".
	Sinkhole *SinkholeConfig `koanf:"sinkhole" validate:"required_if=Strategy sinkhole"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level string `koanf:"level" validate:"required,oneof=debug info warn error"`
}

// AppConfig holds configuration values parsed from environment variables.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	Log       LoggingConfig   `koanf:"log"`
	Resolver  ResolverConfig  `koanf:"resolver"`
	Blocklist BlocklistConfig `koanf:"blocklist"`

	RRL RRLConfig `koanf:"rrl"`
}

// DEFAULT_APP_CONFIG defines the default application configuration settings for the DNS service.
var DEFAULT_APP_CONFIG = AppConfig{
	Env: "prod",
	Log: LoggingConfig{Level: "info"},
	Resolver: ResolverConfig{
		ZoneDirectory:       "/etc/rr-dns/zone.d/",
		Port:                53,
		MaxRecursion:        8,
		Cache:               CacheConfig{Size: 1000},
		Upstream:            []string{"1.1.1.1:53", "1.0.0.1:53"},
		DisableCache:        false,
		ZoneSegmentMode:     "local",
		AllowZoneLoadErrors: true,
	},
	Blocklist: BlocklistConfig{
		Directory: "/etc/rr-dns/blocklist.d/",
		DB:        "/var/lib/rr-dns/blocklist.db",
		Strategy:  "refused",
		Cache:     CacheConfig{Size: 1000},
		URLs:      []string{},
		Sinkhole:  nil,
	},
	RRL: RRLConfig{
		MaxEntries: 4096,
		MinEntries: 256,
	},
}

// envKeyMap translates a flattened, lowercased "DNS_"-stripped env var name
// (underscores intact) to the dotted koanf path it feeds, since the two
// naming conventions don't otherwise agree (e.g. "resolver_zones" vs.
// "resolver.zone_directory").
var envKeyMap = map[string]string{
	"env":                            "env",
	"log_level":                      "log.level",
	"resolver_zones":                 "resolver.zone_directory",
	"resolver_upstream":              "resolver.upstream",
	"resolver_depth":                 "resolver.max_recursion",
	"resolver_port":                  "resolver.port",
	"resolver_cache_size":            "resolver.cache.size",
	"resolver_disable_cache":         "resolver.disable_cache",
	"resolver_zone_segment_mode":     "resolver.zone_segment_mode",
	"resolver_zone_segment_file":     "resolver.zone_segment_file",
	"resolver_allow_zone_load_errors": "resolver.allow_zone_load_errors",
	"blocklist_dir":                  "blocklist.directory",
	"blocklist_urls":                 "blocklist.urls",
	"blocklist_cache_size":           "blocklist.cache.size",
	"blocklist_db":                   "blocklist.db",
	"blocklist_strategy":             "blocklist.strategy",
	"blocklist_sinkhole_target":      "blocklist.sinkhole.target",
	"blocklist_sinkhole_ttl":         "blocklist.sinkhole.ttl",
	"rrl_max_entries":                "rrl.max_entries",
	"rrl_min_entries":                "rrl.min_entries",
}

// validIPPort validates whether the provided field value is a valid IP address and port combination.
// It expects the value to be in the format "IP:Port". The function returns true if the IP address
// is valid and both the IP and port are non-empty; otherwise, it returns false.
func validIPPort(fl validator.FieldLevel) bool {
	addr := fl.Field().String()
	ip, port, err := net.SplitHostPort(addr)
	if err != nil || ip == "" || port == "" {
		return false
	}
	if net.ParseIP(ip) == nil {
		return false
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	return err == nil && portNum > 0 && portNum < 65536
}

// envLoader is a function that loads environment variables with the prefix "DNS_".
// It transforms the keys to their dotted koanf path and splits comma/space
// separated lists into slices. Can be mocked in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "DNS_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "DNS_"))
			if mapped, ok := envKeyMap[key]; ok {
				key = mapped
			}
			value = strings.TrimSpace(value)

			if value == "" {
				return key, value
			}

			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}

			return key, value
		},
	}), nil)
}

// defaultLoader loads default configuration values into the provided Koanf instance
// using the structs provider and the DEFAULT_APP_CONFIG struct. It returns an error
// if loading fails.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// registerValidation registers a custom validation function "ip_port" with the provided validator.
var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("ip_port", validIPPort)
}

// Load parses environment variables and returns an AppConfig instance.
// It applies default values and runs validation automatically.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
