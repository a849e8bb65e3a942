package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nsdctl/dnsauthd/internal/dns/common/clock"
	"github.com/nsdctl/dnsauthd/internal/dns/common/log"
	"github.com/nsdctl/dnsauthd/internal/dns/config"
	"github.com/nsdctl/dnsauthd/internal/dns/core/rrl"
	"github.com/nsdctl/dnsauthd/internal/dns/core/segment"
	"github.com/nsdctl/dnsauthd/internal/dns/core/zoneload"
	"github.com/nsdctl/dnsauthd/internal/dns/core/zonetable"
	"github.com/nsdctl/dnsauthd/internal/dns/core/zonewriter"
	"github.com/nsdctl/dnsauthd/internal/dns/domain"
	"github.com/nsdctl/dnsauthd/internal/dns/gateways/transport"
	"github.com/nsdctl/dnsauthd/internal/dns/gateways/upstream"
	"github.com/nsdctl/dnsauthd/internal/dns/gateways/wire"
	"github.com/nsdctl/dnsauthd/internal/dns/repos/blocklist"
	"github.com/nsdctl/dnsauthd/internal/dns/repos/blocklist/bloom"
	"github.com/nsdctl/dnsauthd/internal/dns/repos/blocklist/bolt"
	"github.com/nsdctl/dnsauthd/internal/dns/repos/blocklist/lru"
	"github.com/nsdctl/dnsauthd/internal/dns/repos/dnscache"
	"github.com/nsdctl/dnsauthd/internal/dns/repos/zonetablecache"
	"github.com/nsdctl/dnsauthd/internal/dns/services/resolver"
)

const (
	// Version information
	version = "0.1.0-dev"
	appName = "rr-dnsd"

	// Default timeouts
	defaultUpstreamTimeout = 5 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	// defaultZoneTTL fills in a record's TTL when a zone file leaves it
	// unspecified.
	defaultZoneTTL = 300 * time.Second
)

// Application holds all the components of the DNS server
type Application struct {
	config    *config.AppConfig
	transport *transport.UDPTransport
	resolver  *resolver.Resolver
}

func main() {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Configure global logging
	err = log.Configure(cfg.Env, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":     version,
		"env":         cfg.Env,
		"log_level":   cfg.Log.Level,
		"port":        cfg.Resolver.Port,
		"cache_size":  cfg.Resolver.Cache.Size,
		"zone_dir":    cfg.Resolver.ZoneDirectory,
		"upstream":    cfg.Resolver.Upstream,
		"segment":     cfg.Resolver.ZoneSegmentMode,
	}, "Starting RR-DNS server")

	// Build application with all dependencies
	app, err := buildApplication(cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err}, "Failed to build application")
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info(map[string]any{"signal": sig.String()}, "Shutdown signal received")
		cancel()
	}()

	// Start the DNS server
	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err}, "Server failed")
	}

	log.Info(nil, "RR-DNS server stopped gracefully")
}

// buildApplication constructs all components and wires them together
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	// Create shared clock for consistent time across all components
	clk := &clock.RealClock{}

	// Initialize logger (already configured globally)
	logger := log.GetLogger()

	// Create DNS wire codec
	codec := wire.NewUDPCodec(logger)

	// Build repository layer
	repos, err := buildRepositories(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build repositories: %w", err)
	}

	// Build gateway layer
	gateways, err := buildGateways(cfg, codec, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build gateways: %w", err)
	}

	// Build service layer
	resolverService := resolver.NewResolver(resolver.ResolverOptions{
		Blocklist:     repos.blocklist,
		Clock:         clk,
		Logger:        logger,
		Upstream:      gateways.upstream,
		UpstreamCache: repos.upstreamCache,
		ZoneCache:     repos.zoneCache,
		MaxRecursion:  cfg.Resolver.MaxRecursion,
	})

	// Build transport layer
	addr := fmt.Sprintf(":%d", cfg.Resolver.Port)
	udpTransport := transport.NewUDPTransport(addr, codec, logger)
	udpTransport.SetLimiter(repos.rrlTable)

	return &Application{
		config:    cfg,
		transport: udpTransport,
		resolver:  resolverService,
	}, nil
}

// repositories holds all repository implementations
type repositories struct {
	blocklist     resolver.Blocklist
	upstreamCache resolver.Cache
	zoneCache     resolver.ZoneCache
	rrlTable      *rrl.Table
}

// gateways holds all gateway implementations
type gateways struct {
	upstream resolver.UpstreamClient
}

// buildRepositories creates and configures all repository implementations
func buildRepositories(cfg *config.AppConfig, logger log.Logger) (*repositories, error) {
	// Create blocklist repository
	blocklistRepo, err := buildBlocklist(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build blocklist: %w", err)
	}

	// Create upstream response cache
	var upstreamCache resolver.Cache
	if cfg.Resolver.DisableCache {
		upstreamCache = nil // No caching
		log.Info(map[string]any{"disabled": true}, "DNS response caching disabled")
	} else {
		// Safely convert uint to int with bounds check
		cacheSize := cfg.Resolver.Cache.Size
		if cacheSize > uint(^uint(0)>>1) { // Check if it exceeds max int
			return nil, fmt.Errorf("cache size too large: %d (max %d)", cacheSize, ^uint(0)>>1)
		}
		upstreamCache, err = dnscache.New(int(cacheSize))
		if err != nil {
			return nil, fmt.Errorf("failed to create upstream cache: %w", err)
		}
		log.Info(map[string]any{
			"type": "LRU",
			"size": cfg.Resolver.Cache.Size,
		}, "DNS response cache configured")
	}

	// Build the zone-serving core: a memory segment, an installed-zone
	// table, and one zonewriter.Writer transaction per zone file found in
	// the configured directory.
	table := zonetable.New()
	seg, err := buildSegment(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build zone segment: %w", err)
	}

	if err := loadZoneDirectory(cfg, seg, table, logger); err != nil {
		if !cfg.Resolver.AllowZoneLoadErrors {
			return nil, fmt.Errorf("failed to load zone directory: %w", err)
		}
		log.Warn(map[string]any{"error": err.Error()}, "zone directory load encountered errors, continuing with whatever zones loaded")
	}

	zoneCache := zonetablecache.New(table, logger)

	log.Info(map[string]any{
		"zone_dir": cfg.Resolver.ZoneDirectory,
		"zones":    len(zoneCache.Zones()),
	}, "Zone table initialized")

	// Build the response-rate-limiting table, sized per configuration.
	rrlTable := rrl.New(rrl.Options{
		MaxEntries: int(cfg.RRL.MaxEntries),
		MinEntries: int(cfg.RRL.MinEntries),
		Logger:     logger,
	})

	return &repositories{
		blocklist:     blocklistRepo,
		upstreamCache: upstreamCache,
		zoneCache:     zoneCache,
		rrlTable:      rrlTable,
	}, nil
}

// defaultBloomFPRate is the target false-positive rate for the blocklist
// Bloom filter rebuilt on every UpdateAll.
const defaultBloomFPRate = 0.01

// buildBlocklist opens the bbolt-backed rule store and LRU decision cache
// configured under cfg.Blocklist, loads an initial rule snapshot from
// cfg.Blocklist.Directory, and wraps the result as a resolver.Blocklist.
func buildBlocklist(cfg *config.AppConfig, logger log.Logger) (resolver.Blocklist, error) {
	store, err := bolt.New(cfg.Blocklist.DB)
	if err != nil {
		return nil, fmt.Errorf("opening blocklist store %s: %w", cfg.Blocklist.DB, err)
	}

	cache, err := lru.New(int(cfg.Blocklist.Cache.Size))
	if err != nil {
		return nil, fmt.Errorf("creating blocklist decision cache: %w", err)
	}

	repo := blocklist.NewRepository(store, cache, bloom.NewFactory(), defaultBloomFPRate)

	rules, err := blocklist.LoadDirectory(cfg.Blocklist.Directory, logger, time.Now())
	if err != nil {
		log.Warn(map[string]any{
			"directory": cfg.Blocklist.Directory,
			"error":     err.Error(),
		}, "blocklist directory unreadable, starting with an empty blocklist")
		rules = nil
	}

	if err := repo.UpdateAll(rules, 1, time.Now().Unix()); err != nil {
		return nil, fmt.Errorf("loading initial blocklist snapshot: %w", err)
	}

	log.Info(map[string]any{
		"directory": cfg.Blocklist.Directory,
		"rules":     len(rules),
		"strategy":  cfg.Blocklist.Strategy,
	}, "blocklist repository initialized")

	return blocklist.NewResolverAdapter(repo), nil
}

// buildSegment constructs the memory segment backing the zone table,
// either heap-resident or bbolt-file-backed per configuration.
func buildSegment(cfg *config.AppConfig, logger log.Logger) (segment.Segment, error) {
	switch cfg.Resolver.ZoneSegmentMode {
	case "mapped":
		seg, err := segment.OpenMapped(cfg.Resolver.ZoneSegmentFile, true)
		if err != nil {
			return nil, fmt.Errorf("opening mapped segment %s: %w", cfg.Resolver.ZoneSegmentFile, err)
		}
		log.Info(map[string]any{"file": cfg.Resolver.ZoneSegmentFile}, "zone segment backed by mapped file")
		return seg, nil
	default:
		return segment.NewLocal(), nil
	}
}

// zoneFileExtensions lists the zone source formats core/zoneload parses.
var zoneFileExtensions = map[string]bool{".yaml": true, ".yml": true, ".json": true, ".toml": true}

// loadZoneDirectory walks dir for zone files and drives one zonewriter
// transaction per file: load, install, cleanup. A file that fails to parse
// is skipped (no zone, not even an empty placeholder, is installed for it)
// and its error is collected into the returned error; the caller decides
// per cfg.Resolver.AllowZoneLoadErrors whether that error is fatal.
func loadZoneDirectory(cfg *config.AppConfig, seg segment.Segment, table *zonetable.Table, logger log.Logger) error {
	entries, err := os.ReadDir(cfg.Resolver.ZoneDirectory)
	if err != nil {
		return fmt.Errorf("reading zone directory %s: %w", cfg.Resolver.ZoneDirectory, err)
	}

	var loadErrs []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !zoneFileExtensions[ext] {
			continue
		}
		path := filepath.Join(cfg.Resolver.ZoneDirectory, entry.Name())
		if err := loadZoneFile(cfg, seg, table, path, logger); err != nil {
			loadErrs = append(loadErrs, fmt.Sprintf("%s: %v", path, err))
		}
	}

	if len(loadErrs) > 0 {
		return fmt.Errorf("failed to load %d zone file(s): %s", len(loadErrs), strings.Join(loadErrs, "; "))
	}
	return nil
}

// loadZoneFile drives a single zonewriter.Writer transaction for the zone
// declared in path. The zone's apex name isn't known until the file is
// parsed, so a throwaway peek loader (which never touches the segment)
// determines it before the real Writer is constructed.
func loadZoneFile(cfg *config.AppConfig, seg segment.Segment, table *zonetable.Table, path string, logger log.Logger) error {
	factory := zoneload.NewFactory(path, domain.RRClassIN, defaultZoneTTL)

	peek := factory(nil, nil)
	if err := peek.Load(); err != nil {
		return fmt.Errorf("parsing zone file: %w", err)
	}
	name := peek.GetLoadedData().Origin()

	writer := zonewriter.New(seg, table, factory, name, domain.RRClassIN, cfg.Resolver.AllowZoneLoadErrors, logger)
	if _, err := writer.Load(0); err != nil {
		return fmt.Errorf("loading zone %s: %w", name, err)
	}
	if err := writer.Install(); err != nil {
		return fmt.Errorf("installing zone %s: %w", name, err)
	}
	if err := writer.Cleanup(); err != nil {
		return fmt.Errorf("cleaning up zone %s: %w", name, err)
	}

	log.Info(map[string]any{"zone": name, "file": path}, "zone installed")
	return nil
}

// buildGateways creates and configures all gateway implementations
func buildGateways(cfg *config.AppConfig, codec wire.DNSCodec, logger log.Logger) (*gateways, error) {
	// Create upstream client
	upstreamClient, err := upstream.NewResolver(upstream.Options{
		Servers: cfg.Resolver.Upstream,
		Timeout: defaultUpstreamTimeout,
		Codec:   codec,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream client: %w", err)
	}

	log.Info(map[string]any{
		"servers": cfg.Resolver.Upstream,
		"timeout": defaultUpstreamTimeout,
	}, "Upstream DNS client configured")

	return &gateways{
		upstream: upstreamClient,
	}, nil
}

// Run starts the DNS server and blocks until context is cancelled
func (app *Application) Run(ctx context.Context) error {
	// Start UDP transport
	if err := app.transport.Start(ctx, app.resolver); err != nil {
		return fmt.Errorf("failed to start UDP transport: %w", err)
	}

	log.Info(map[string]any{
		"address":   app.transport.Address(),
		"transport": "UDP",
	}, "DNS server started")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info(nil, "Shutdown initiated")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	// Stop transport gracefully
	if err := app.transport.Stop(); err != nil {
		log.Warn(map[string]any{"error": err}, "Error during transport shutdown")
	}

	// Wait for shutdown completion or timeout
	done := make(chan struct{})
	go func() {
		// Additional cleanup could go here
		close(done)
	}()

	select {
	case <-done:
		log.Info(nil, "Graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		log.Warn(map[string]any{"timeout": defaultShutdownTimeout}, "Shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout")
	}
}
