// Package main provides runtime assembly for commands.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vinayprograms/agentkit/credentials"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/telemetry"

	"github.com/vinayprograms/taskagent/internal/audit"
	"github.com/vinayprograms/taskagent/internal/catalog"
	"github.com/vinayprograms/taskagent/internal/config"
	"github.com/vinayprograms/taskagent/internal/coordinator"
	"github.com/vinayprograms/taskagent/internal/executor"
	"github.com/vinayprograms/taskagent/internal/notify"
	"github.com/vinayprograms/taskagent/internal/task"
)

// runtime holds the components a command needs.
type runtime struct {
	cfg   *config.Config
	creds *credentials.Credentials

	// Components
	provider llm.Provider
	smallLLM llm.Provider
	catalog  *catalog.Catalog
	store    task.Store
	auditLog *audit.Log
	telem    telemetry.Exporter
	notifyNC *nats.Conn
	engine   *executor.Engine
	coord    *coordinator.Coordinator

	// Cleanup
	closers []func()
}

// loadRuntime loads configuration for g.
func loadRuntime(g *Globals) (*runtime, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &runtime{cfg: cfg, creds: globalCreds}, nil
}

// setupStore opens the task store only.
func (rt *runtime) setupStore() error {
	if rt.cfg.Storage.Driver == "memory" {
		rt.store = task.NewMemoryStore()
		return nil
	}
	dir := rt.cfg.StoragePath()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}
	store, err := task.NewSQLiteStore(filepath.Join(dir, "tasks.db"))
	if err != nil {
		return fmt.Errorf("opening task store: %w", err)
	}
	rt.store = store
	rt.addCloser(func() { store.Close() })
	return nil
}

// setup initializes every component. Returns error on failure.
func (rt *runtime) setup() error {
	if err := rt.setupStore(); err != nil {
		return err
	}
	if err := rt.createProvider(); err != nil {
		return err
	}
	rt.createSmallLLM()
	if err := rt.loadCatalog(); err != nil {
		return err
	}
	if err := rt.setupTelemetry(); err != nil {
		return err
	}
	if err := rt.setupAudit(); err != nil {
		return err
	}
	notifier, err := rt.createNotifier()
	if err != nil {
		return err
	}
	return rt.createEngine(notifier)
}

// createProvider creates the main LLM provider.
func (rt *runtime) createProvider() error {
	var err error
	rt.provider, err = newProvider(rt.cfg.LLM, rt.creds)
	if err != nil {
		return fmt.Errorf("creating LLM provider: %w", err)
	}
	return nil
}

// createSmallLLM creates the model used by the observer and recovery advisor.
// Without one the main provider is used.
func (rt *runtime) createSmallLLM() {
	if rt.cfg.SmallLLM.Model == "" {
		return
	}
	small, err := newProvider(rt.cfg.SmallLLM, rt.creds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: small_llm unavailable, using main model: %v\n", err)
		return
	}
	rt.smallLLM = small
}

func newProvider(cfg config.LLMConfig, creds *credentials.Credentials) (llm.Provider, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = llm.InferProviderFromModel(cfg.Model)
	}
	if provider == "" && cfg.Model == "" {
		return nil, fmt.Errorf("LLM model not configured")
	}
	return llm.NewProvider(llm.ProviderConfig{
		Provider:    provider,
		Model:       cfg.Model,
		APIKey:      apiKey(cfg, provider, creds),
		MaxTokens:   cfg.MaxTokens,
		BaseURL:     cfg.BaseURL,
		Thinking:    llm.ThinkingConfig{Level: llm.ThinkingLevel(cfg.Thinking)},
		RetryConfig: parseRetryConfig(cfg.MaxRetries, cfg.RetryBackoff),
	})
}

// apiKey prefers credentials.toml and falls back to the environment.
func apiKey(cfg config.LLMConfig, provider string, creds *credentials.Credentials) string {
	if creds != nil {
		if key := creds.GetAPIKey(provider); key != "" {
			return key
		}
	}
	if env := config.APIKeyEnv(cfg, provider); env != "" {
		return os.Getenv(env)
	}
	return ""
}

// parseRetryConfig converts config values to RetryConfig.
func parseRetryConfig(maxRetries int, backoffStr string) llm.RetryConfig {
	cfg := llm.RetryConfig{
		MaxRetries: maxRetries,
	}
	if backoffStr != "" {
		if d, err := time.ParseDuration(backoffStr); err == nil {
			cfg.MaxBackoff = d
		}
	}
	return cfg
}

// loadCatalog reads the capability descriptor file.
func (rt *runtime) loadCatalog() error {
	cat, err := catalog.LoadFile(rt.cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("loading catalog %s: %w", rt.cfg.Catalog.Path, err)
	}
	rt.catalog = cat
	return nil
}

// setupTelemetry creates the telemetry exporter.
func (rt *runtime) setupTelemetry() error {
	var err error
	if rt.cfg.Telemetry.Enabled {
		rt.telem, err = telemetry.NewExporter(rt.cfg.Telemetry.Protocol, rt.cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("creating telemetry exporter: %w", err)
		}
	} else {
		rt.telem = telemetry.NewNoopExporter()
	}
	rt.addCloser(func() { rt.telem.Close() })
	return nil
}

// setupAudit opens the audit log under the storage directory.
func (rt *runtime) setupAudit() error {
	log, err := audit.Open(rt.auditDir(), audit.DefaultBuffer)
	if err != nil {
		return err
	}
	rt.auditLog = log
	rt.addCloser(func() {
		log.Close()
		if n := log.Dropped(); n > 0 {
			fmt.Fprintf(os.Stderr, "warning: %d audit events dropped\n", n)
		}
	})
	return nil
}

func (rt *runtime) auditDir() string {
	return filepath.Join(rt.cfg.StoragePath(), "audit")
}

// createNotifier logs approval requests and publishes them when NATS is configured.
func (rt *runtime) createNotifier() (notify.Notifier, error) {
	notifiers := notify.Multi{notify.NewLogNotifier()}
	if url := rt.cfg.Notify.NATSURL; url != "" {
		nc, err := nats.Connect(url, nats.Name("taskagent-notify"))
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS for notifications: %w", err)
		}
		rt.notifyNC = nc
		rt.addCloser(func() { nc.Drain() })
		notifiers = append(notifiers, notify.NewNATSNotifier(nc, rt.cfg.Notify.Prefix))
	}
	return notifiers, nil
}

// createEngine wires the executor and the coordinator.
func (rt *runtime) createEngine(notifier notify.Notifier) error {
	engineCfg, err := rt.cfg.EngineConfig()
	if err != nil {
		return err
	}
	delay, err := rt.cfg.CoordinatorDelay()
	if err != nil {
		return err
	}
	specialists := rt.cfg.SpecialistList()

	rt.engine = executor.NewEngine(rt.store, rt.catalog, rt.provider, engineCfg)
	if rt.smallLLM != nil {
		rt.engine.SetSmallProvider(rt.smallLLM)
	}
	if len(rt.cfg.Actors) > 0 {
		rt.engine.SetActorResolver(rt.cfg.StaticActors())
	}
	rt.engine.SetNotifier(notifier)
	rt.engine.SetAuditLog(rt.auditLog)
	rt.engine.SetSpecialists(specialists)

	rt.coord = coordinator.New(coordinator.Config{
		Provider:     rt.provider,
		Dispatcher:   rt.engine,
		Store:        rt.store,
		Specialists:  specialists,
		MaxSubTasks:  rt.cfg.Coordinator.MaxSubTasks,
		Concurrency:  rt.cfg.Coordinator.Concurrency,
		Delay:        delay,
		ExcerptChars: rt.cfg.Coordinator.ExcerptChars,
		Budget:       engineCfg.Budget,
		Pricing:      engineCfg.Pricing,
		Audit:        rt.auditLog,
	})
	return nil
}

// actor resolves the identity a command acts as.
func (rt *runtime) actor(id Identity) (catalog.Actor, error) {
	if len(rt.cfg.Actors) == 0 {
		return catalog.Actor{ID: id.Actor, TenantID: id.Tenant, Tier: catalog.TierMember}, nil
	}
	return rt.cfg.StaticActors().Resolve(context.Background(), id.Tenant, id.Actor)
}

// addCloser registers a cleanup function.
func (rt *runtime) addCloser(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// close runs cleanup in reverse order.
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}
