// sentryrund is the operator-in-the-loop incident runtime: it boots the
// plugin kernel, wires the built-in detector/correlation/enrichment/
// notifier modules, discovers any on-disk plugins, and serves the
// liveness/readiness/security HTTP surface until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/arcane-ops/sentryrun/internal/approval"
	"github.com/arcane-ops/sentryrun/internal/audit"
	"github.com/arcane-ops/sentryrun/internal/config"
	"github.com/arcane-ops/sentryrun/internal/correlation"
	"github.com/arcane-ops/sentryrun/internal/detector"
	"github.com/arcane-ops/sentryrun/internal/discovery"
	"github.com/arcane-ops/sentryrun/internal/enrich/jqenrich"
	"github.com/arcane-ops/sentryrun/internal/eventbus"
	"github.com/arcane-ops/sentryrun/internal/eventtypes"
	"github.com/arcane-ops/sentryrun/internal/httpapi"
	"github.com/arcane-ops/sentryrun/internal/kernel"
	slacknotify "github.com/arcane-ops/sentryrun/internal/notify/slack"
	"github.com/arcane-ops/sentryrun/internal/scheduler"
	"github.com/arcane-ops/sentryrun/internal/security"
	"github.com/arcane-ops/sentryrun/internal/storage"
	"github.com/arcane-ops/sentryrun/internal/storage/filestore"
	"github.com/arcane-ops/sentryrun/internal/storage/memstore"
	"github.com/arcane-ops/sentryrun/internal/storage/sqlstore"
	"github.com/arcane-ops/sentryrun/internal/transport/wsbridge"
	"github.com/arcane-ops/sentryrun/internal/version"
	"github.com/joho/godotenv"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// wsFeed is the set of event types the operator-UI websocket bridge
// forwards; this excludes module.lifecycle, which is an internal signal,
// not an operator-facing one.
var wsFeed = []string{
	eventtypes.TypeIncidentCreated,
	eventtypes.TypeIncidentUpdated,
	eventtypes.TypeIncidentStorm,
	eventtypes.TypeActionProposed,
	eventtypes.TypeActionApproved,
	eventtypes.TypeActionExecuted,
	eventtypes.TypeEnrichmentCompleted,
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", getEnv("SENTRYRUN_CONFIG", "./config/runtime.yaml"), "Path to runtime.yaml")
	pluginsDir := flag.String("plugins-dir", getEnv("SENTRYRUN_PLUGINS_DIR", "./plugins"), "Directory of on-disk plugin manifests")
	flag.Parse()

	log.Printf("starting %s", version.Full())
	log.Printf("config: %s", *configPath)

	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("no %s file loaded: %v", envPath, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("startup failed: load config: %v", err)
		return 1
	}

	logger, logCloser, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Printf("startup failed: build logger: %v", err)
		return 1
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	store, err := openStorage(cfg, *configPath)
	if err != nil {
		log.Printf("startup failed: open storage: %v", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("storage close failed", "error", err)
		}
	}()

	bus := eventbus.New(logger)
	systemStore := storage.NewNamespacedStore(store, storage.SystemNamespace)
	auditLog := audit.New(systemStore)
	approvalGate := approval.New(systemStore, auditLog, bus)
	sched := scheduler.New(logger, nil)
	sched.Start()
	defer sched.Stop()

	kern := kernel.NewWithScheduler(store, bus, approvalGate, sched, logger)

	moduleConfig, err := registerBuiltins(kern, cfg)
	if err != nil {
		log.Printf("startup failed: register built-in modules: %v", err)
		return 1
	}

	if plugins, discErrs := discovery.Discover(*pluginsDir, discovery.Default); len(plugins) > 0 || len(discErrs) > 0 {
		for _, e := range discErrs {
			logger.Warn("plugin discovery error", "error", e)
		}
		for _, e := range discovery.RegisterDiscovered(kern, plugins) {
			logger.Warn("plugin registration error", "error", e)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := kern.InitializeAll(ctx, moduleConfig); err != nil {
		log.Printf("startup failed: initialize modules: %v", err)
		return 1
	}
	if err := kern.StartAll(ctx); err != nil {
		log.Printf("startup failed: start modules: %v", err)
		kern.DestroyAll(context.Background())
		return 1
	}

	hub := wsbridge.New(bus, logger, 5*time.Second)
	hub.Start(wsFeed)

	verifier := buildVerifier(cfg)
	apiServer := httpapi.New(kern, verifier, logger)
	apiServer.RegisterWebSocketUpgrade("/ws", hub.HandleConnection)

	serveErrs := make(chan error, 1)
	go func() {
		if err := apiServer.Start(cfg.HTTP.Addr); err != nil {
			serveErrs <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Printf("signal received, shutting down")
	case err := <-serveErrs:
		log.Printf("http server failed: %v", err)
		shutdown(apiServer, hub, kern)
		return 1
	}

	shutdown(apiServer, hub, kern)
	return 0
}

func shutdown(apiServer *httpapi.Server, hub *wsbridge.Hub, kern *kernel.Kernel) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}
	hub.Stop()
	kern.StopAll(shutdownCtx)
	kern.DestroyAll(shutdownCtx)
}

// openStorage selects the storage backend named in cfg.Storage.Backend.
func openStorage(cfg *config.Config, configPath string) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.StorageMemory, "":
		return memstore.New(), nil
	case config.StorageFilesystem:
		return filestore.New(cfg.StoragePath(configPath))
	case config.StorageSQLite:
		return sqlstore.Open(cfg.StoragePath(configPath))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// buildVerifier constructs the security gate from cfg, or returns nil
// (authentication disabled) if no JWT secret is configured.
func buildVerifier(cfg *config.Config) *security.Verifier {
	jwtSecret, ok := cfg.JWTSecret()
	if !ok {
		log.Printf("warning: no JWT secret configured (%s unset); authentication disabled", cfg.Security.JWTSecretEnv)
		return nil
	}
	apiKey, _ := cfg.APIKey()
	apiKeySalt, _ := cfg.APIKeySalt()
	return security.New(security.Config{
		JWTSecret:   jwtSecret,
		Issuer:      cfg.Security.Issuer,
		APIKey:      apiKey,
		APIKeySalt:  apiKeySalt,
		PublicPaths: cfg.Security.PublicPaths,
	})
}

// registerBuiltins registers every built-in module with kern and returns
// the per-module configuration map InitializeAll expects.
func registerBuiltins(kern *kernel.Kernel, cfg *config.Config) (map[string]map[string]any, error) {
	moduleConfig := make(map[string]map[string]any)
	for id, section := range cfg.Modules {
		moduleConfig[id] = section
	}

	correlationEngine := correlation.New(cfg.CorrelationModuleConfig())
	if err := kern.Register(correlationEngine); err != nil {
		return nil, err
	}

	detectorEngine, err := detector.New(cfg.DetectorModuleConfig())
	if err != nil {
		return nil, fmt.Errorf("construct detector: %w", err)
	}
	if err := kern.Register(detectorEngine); err != nil {
		return nil, err
	}

	jqQuery, _ := moduleConfig[jqenrich.ManifestID]["query"].(string)
	jqResultField, _ := moduleConfig[jqenrich.ManifestID]["result_field"].(string)
	jqEnricher, err := jqenrich.New(jqenrich.Config{Query: jqQuery, ResultField: jqResultField})
	if err != nil {
		return nil, fmt.Errorf("construct jq enricher: %w", err)
	}
	if err := kern.Register(jqEnricher); err != nil {
		return nil, err
	}

	if cfg.Slack.Enabled {
		token, _ := lookupEnv(cfg.Slack.TokenEnv)
		moduleConfig[slacknotify.ManifestID] = map[string]any{
			"token":   token,
			"channel": cfg.Slack.Channel,
		}
	}
	if err := kern.Register(slacknotify.New()); err != nil {
		return nil, err
	}

	return moduleConfig, nil
}

func lookupEnv(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	v, ok := os.LookupEnv(name)
	return v, ok && v != ""
}
