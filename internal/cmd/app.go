package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/atelierhq/atelier/internal/approval"
	"github.com/atelierhq/atelier/internal/client"
	"github.com/atelierhq/atelier/internal/config"
	"github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/event"
	"github.com/atelierhq/atelier/internal/logging"
	"github.com/atelierhq/atelier/internal/metrics"
	"github.com/atelierhq/atelier/internal/session"
	"github.com/atelierhq/atelier/internal/transport"
)

// app holds what a command needs beyond its flags: configuration,
// logging, the conversation store for the selected space and, once
// connect is called, the client.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	store   session.Store
	conv    *session.ConversationStore
	metrics *metrics.Collector
	bus     *event.Bus
	client  *client.Client

	stopMetrics context.CancelFunc
}

// newApp loads the configuration and opens the state backend. The
// space must be set unless needSpace is false.
func newApp(cmd *cobra.Command, needSpace bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if needSpace && cfg.Space.ID == "" {
		return nil, fmt.Errorf("%w: no space selected; pass --space or set space.id", errors.ErrInvalidInput)
	}

	stateDir := cfg.State.ResolveDir()
	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		logger, err = logging.New(logging.Options{
			Dir:   stateDir,
			Level: cfg.Logging.Level,
			Rotation: logging.RotationConfig{
				MaxSizeMB:  cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
				Compress:   cfg.Logging.Compress,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}
	if cfg.Space.ID != "" {
		logger = logger.WithSpace(cfg.Space.ID)
	}

	store, err := openStore(cfg.State.Backend, stateDir)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	rt := &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		metrics: metrics.New(),
		bus:     event.NewBus(logger),
	}
	if cfg.Space.ID != "" {
		rt.conv = session.NewConversationStore(store, rt.lockDir(), cfg.Space.ID)
	}

	if addr := cfg.Metrics.ListenAddr; addr != "" {
		ctx, cancel := context.WithCancel(cmd.Context())
		rt.stopMetrics = cancel
		go func() {
			if err := rt.metrics.Serve(ctx, addr); err != nil {
				logger.Warn("metrics endpoint stopped", "addr", addr, "error", err)
			}
		}()
	}

	logger.Debug("command started", "command", cmd.CommandPath(), "backend", cfg.State.Backend)
	return rt, nil
}

// lockDir holds the per-space conversation lock files.
func (rt *app) lockDir() string {
	return filepath.Join(rt.cfg.State.ResolveDir(), "locks")
}

func openStore(backend, dir string) (session.Store, error) {
	switch backend {
	case config.BackendSQLite:
		store, err := session.NewSQLiteStore(filepath.Join(dir, session.SQLiteFileName))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite state: %w", err)
		}
		return store, nil
	default:
		store, err := session.NewFileStore(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open state directory: %w", err)
		}
		return store, nil
	}
}

// connect dials the service for the configured space.
func (rt *app) connect(ctx context.Context) (*client.Client, error) {
	if rt.client != nil {
		return rt.client, nil
	}
	if rt.cfg.Server.URL == "" {
		return nil, fmt.Errorf("%w: no server configured; pass --server or set server.url", errors.ErrInvalidInput)
	}
	c, err := client.Connect(ctx, client.Options{
		Transport: transport.Options{
			URL:         rt.cfg.Server.URL,
			SpaceID:     rt.cfg.Space.ID,
			Token:       rt.cfg.Server.Token,
			ReadLimit:   rt.cfg.Server.ReadLimitBytes,
			DialTimeout: rt.cfg.Server.DialTimeout,
		},
		Timeouts: rt.cfg.Timeouts.Correlate(),
		Logger:   rt.logger,
		Bus:      rt.bus,
		Recorder: rt.metrics,
	})
	if err != nil {
		return nil, err
	}
	rt.client = c
	return c, nil
}

// approvals returns a manager seeded with the persisted open approvals and
// subscribed to approval:updated broadcasts.
func (rt *app) approvals(ctx context.Context, c *client.Client) (*approval.Manager, error) {
	policy, err := approval.NewPolicy(rt.cfg.Approvals.AutoApprove)
	if err != nil {
		return nil, err
	}
	m := approval.NewManager(c, approval.Options{
		Store:  rt.conv,
		Logger: rt.logger,
		Policy: policy,
	})
	conv, err := rt.conv.Load(ctx)
	if err != nil {
		return nil, err
	}
	m.Restore(conv.Approvals)
	m.Watch(rt.bus)
	return m, nil
}

func (rt *app) Close() error {
	var errs []error
	if rt.client != nil {
		errs = append(errs, rt.client.Close())
	}
	if rt.stopMetrics != nil {
		rt.stopMetrics()
	}
	errs = append(errs, rt.store.Close())
	rt.logger.Debug("command finished")
	errs = append(errs, rt.logger.Close())
	return errors.Join(errs...)
}
