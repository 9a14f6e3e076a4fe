package main

import (
	"context"
	"fmt"
	"log/slog"

	"HealthChat/internal/backend"
	"HealthChat/internal/chatbot"
	"HealthChat/internal/config"
	"HealthChat/internal/responder"
	"HealthChat/internal/session"
	"HealthChat/internal/store"
	"HealthChat/internal/telemetry"

	"github.com/urfave/cli/v2"
)

// runtime bundles the collaborators shared by the chat and serve commands
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	transport backend.Transport
	store     store.Store
	cleanups  []func()
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if c.Bool("debug") {
		cfg.Log.Level = "debug"
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setup(c *cli.Context) (*runtime, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg}

	level, err := telemetry.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger, logFile, err := telemetry.InitLogger(cfg.Log.Dir, level)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	rt.logger = logger
	rt.cleanups = append(rt.cleanups, func() { logFile.Close() })

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTelemetry(c.Context, cfg.Telemetry.Dir, version)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		rt.cleanups = append(rt.cleanups, shutdown)
	}

	client, err := backend.NewClient(backend.Config{
		EndpointPrimary:   cfg.Transport.EndpointPrimary,
		EndpointAlternate: cfg.Transport.EndpointAlternate,
		Credential:        cfg.Transport.Credential,
		Framing:           backend.Framing(cfg.Transport.Framing),
		Timeout:           cfg.Transport.Timeout,
		RatePerSecond:     cfg.Transport.RatePerSecond,
	}, logger)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to create gateway client: %w", err)
	}
	rt.transport = client

	st, closeStore, err := store.Open(c.Context, store.Config{
		Backend: cfg.Store.Backend,
		Path:    cfg.Store.Path,
		DSN:     cfg.Store.DSN,
	})
	if err != nil {
		// The assistant works without persistence
		logger.Warn("record store unavailable, continuing without persistence", "error", err, "backend", cfg.Store.Backend)
		st = nil
	} else {
		rt.cleanups = append(rt.cleanups, func() {
			if err := closeStore(); err != nil {
				logger.Error("failed to close store", "error", err)
			}
		})
	}
	rt.store = st

	logger.Info("healthchat initialized",
		"version", version,
		"store", cfg.Store.Backend,
		"framing", cfg.Transport.Framing,
		"user_id", cfg.Chat.UserID)

	return rt, nil
}

func (rt *runtime) newManager() (*chatbot.Manager, error) {
	return chatbot.NewManager(rt.transport, responder.NewDefault(),
		chatbot.WithStore(rt.store),
		chatbot.WithPrincipal(rt.cfg.Chat.UserID),
		chatbot.WithLogger(rt.logger),
		chatbot.WithFallbackDelay(rt.cfg.Chat.FallbackDelay),
		chatbot.WithPersistTimeout(rt.cfg.Chat.PersistTimeout),
	)
}

func (rt *runtime) history() store.History {
	h, _ := rt.store.(store.History)
	return h
}

func (rt *runtime) turnOptions() session.TurnOptions {
	return session.TurnOptions{
		Persona:      rt.cfg.Chat.Persona,
		EmpathyLevel: rt.cfg.Chat.EmpathyLevel,
		UseAlternate: rt.cfg.Chat.UseAlternate,
		Persist:      rt.cfg.Chat.Persist,
	}
}

// close runs cleanups in reverse order so the log file closes last
func (rt *runtime) close() {
	for i := len(rt.cleanups) - 1; i >= 0; i-- {
		rt.cleanups[i]()
	}
}

func openStoreOnly(ctx context.Context, cfg *config.Config) (store.History, func() error, error) {
	st, closeStore, err := store.Open(ctx, store.Config{
		Backend: cfg.Store.Backend,
		Path:    cfg.Store.Path,
		DSN:     cfg.Store.DSN,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	h, ok := st.(store.History)
	if !ok {
		closeStore()
		return nil, nil, fmt.Errorf("store backend %q keeps no history", cfg.Store.Backend)
	}
	return h, closeStore, nil
}
