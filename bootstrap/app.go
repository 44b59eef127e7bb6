// Package bootstrap wires the Argus core together: configuration, logging,
// storage, connectors, the enrichment pipeline, and the ops API.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"argus/api"
	"argus/config"
	"argus/connector"
	"argus/core"
	"argus/enrich"
	"argus/ingest"
	"argus/poll"
	"argus/storage"

	agentconn "argus/agent"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// App holds every long-lived component of the Argus process.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	sqlite     *storage.SQLite
	manager    *connector.Manager
	configs    map[string]config.ConnectorConfig
	queue      *enrich.Queue
	ops        *api.OpsServer
	shutdownCh chan os.Signal
}

// NewApp builds the application from configuration. Nothing is started;
// Start runs the connectors and background services.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, sugar, err := InitLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, err
	}

	sqlite, err := storage.NewSQLite(cfg.DataPaths.SQLitePath, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	sink := storage.NewSQLiteSink(sqlite, sugar)
	dlq := storage.NewDLQ(sqlite, sugar)
	stateStore := storage.NewConnectorStateStore(sqlite, sugar)
	jobStore := storage.NewJobStore(sqlite, sugar)
	intelCache := storage.NewIntelCache(sqlite, sugar)

	configs, err := config.LoadConnectors(cfg.Ingest.ConnectorsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load connector configs: %w", err)
	}

	manager := connector.NewManager(stateStore, sugar)
	if err := registerConnectors(cfg, configs, manager, sink, dlq, sugar); err != nil {
		return nil, err
	}

	secrets, err := config.NewSecretProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build secret provider: %w", err)
	}

	worker := enrich.NewWorker(intelCache, buildProviders(secrets, sugar), sugar)
	queue := enrich.NewQueue(enrich.QueueConfig{
		Workers:     cfg.Enrichment.Workers,
		MaxAttempts: cfg.Enrichment.MaxAttempts,
		BackoffBase: time.Duration(cfg.Enrichment.BackoffBaseSec) * time.Second,
	}, jobStore, worker, sugar)

	app := &App{
		Config:     cfg,
		Logger:     logger,
		Sugar:      sugar,
		sqlite:     sqlite,
		manager:    manager,
		configs:    configs,
		queue:      queue,
		shutdownCh: make(chan os.Signal, 1),
	}

	if cfg.OpsAPI.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.OpsAPI.Host, cfg.OpsAPI.Port)
		app.ops = api.NewOpsServer(addr, manager, jobStore, dlq, sugar)
	}
	return app, nil
}

// registerConnectors builds one connector per configuration document entry.
// Polling connectors share a credential store, constructed only when needed
// so env-only deployments don't require a sealing key.
func registerConnectors(cfg *config.Config, configs map[string]config.ConnectorConfig,
	manager *connector.Manager, sink core.EventSink, dlq *storage.DLQ, sugar *zap.SugaredLogger) error {

	var credentials *config.CredentialStore
	for name, cc := range configs {
		switch cc.Type {
		case config.ConnectorTypeSyslog:
			manager.Register(ingest.NewSyslogConnector(name, sink, dlq, cfg.Ingest.RateLimit, sugar))
		case config.ConnectorTypeAgent:
			manager.Register(agentconn.NewConnector(name, sink, sugar))
		case config.ConnectorTypePolling:
			if credentials == nil {
				store, err := buildCredentialStore(cfg, sugar)
				if err != nil {
					return fmt.Errorf("polling connector %s needs credentials: %w", name, err)
				}
				credentials = store
			}
			manager.Register(poll.NewConnector(name, sink, credentials, sugar))
		default:
			return fmt.Errorf("connector %s: unknown type %q", name, cc.Type)
		}
	}
	return nil
}

func buildCredentialStore(cfg *config.Config, sugar *zap.SugaredLogger) (*config.CredentialStore, error) {
	var tokens config.TokenCache
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		tokens = config.NewRedisTokenCache(client, sugar)
		sugar.Infow("Token cache backed by redis", "addr", cfg.Redis.Address)
	} else {
		tokens = config.NewMemoryTokenCache()
	}

	secrets, err := config.NewSecretProvider(cfg)
	if err != nil {
		return nil, err
	}
	return config.NewCredentialStore(tokens, secrets)
}

// buildProviders assembles the enrichment provider set. Providers whose API
// key is absent are left out; the worker fails jobs for IOC types with no
// providers, which keeps them observable in the dead state.
func buildProviders(secrets config.SecretProvider, sugar *zap.SugaredLogger) enrich.ProviderSet {
	set := make(enrich.ProviderSet)

	if key, err := secrets.GetSecret("virustotal_api_key"); err == nil {
		vt := enrich.NewVirusTotalProvider(key)
		set[core.IOCTypeHash] = append(set[core.IOCTypeHash], vt)
		set[core.IOCTypeURL] = append(set[core.IOCTypeURL], vt)
	} else {
		sugar.Warnw("VirusTotal disabled, no API key", "error", err)
	}

	if key, err := secrets.GetSecret("abuseipdb_api_key"); err == nil {
		set[core.IOCTypeIP] = append(set[core.IOCTypeIP], enrich.NewAbuseIPDBProvider(key))
	} else {
		sugar.Warnw("AbuseIPDB disabled, no API key", "error", err)
	}

	if key, err := secrets.GetSecret("otx_api_key"); err == nil {
		set[core.IOCTypeIP] = append(set[core.IOCTypeIP], enrich.NewOTXProvider(key))
	} else {
		sugar.Warnw("OTX disabled, no API key", "error", err)
	}

	// NVD accepts unauthenticated queries at a lower rate limit.
	nvdKey, _ := secrets.GetSecret("nvd_api_key")
	set[core.IOCTypeCVE] = append(set[core.IOCTypeCVE], enrich.NewNVDProvider(nvdKey))

	return set
}

// Queue exposes the enrichment queue for callers that enqueue lookups.
func (a *App) Queue() *enrich.Queue {
	return a.queue
}

// Start initializes and starts the connectors, the enrichment pipeline, and
// the ops API. Connector failures are logged and aggregated but never stop
// the healthy connectors from running.
func (a *App) Start() error {
	if err := a.manager.InitializeAll(a.configs); err != nil {
		a.Sugar.Errorw("Some connectors failed to initialize", "error", err)
	}
	if err := a.manager.StartAll(); err != nil {
		a.Sugar.Errorw("Some connectors failed to start", "error", err)
	}

	if err := a.queue.Start(); err != nil {
		return fmt.Errorf("failed to start enrichment queue: %w", err)
	}

	if a.ops != nil {
		a.ops.Start()
	}

	a.Sugar.Infow("Argus core running", "connectors", len(a.configs))
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM.
func (a *App) WaitForShutdown() {
	signal.Notify(a.shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-a.shutdownCh
	a.Sugar.Infow("Shutdown signal received", "signal", sig)
}

// Shutdown stops components in reverse start order.
func (a *App) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.ops != nil {
		if err := a.ops.Shutdown(ctx); err != nil {
			a.Sugar.Warnw("Ops API shutdown failed", "error", err)
		}
	}

	a.queue.Stop()

	if err := a.manager.StopAll(); err != nil {
		a.Sugar.Errorw("Some connectors failed to stop", "error", err)
	}

	if err := a.sqlite.Close(); err != nil {
		a.Sugar.Warnw("Failed to close storage", "error", err)
	}

	_ = a.Logger.Sync()
	a.Sugar.Info("Shutdown complete")
}
