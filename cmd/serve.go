package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/webext-auto/api/schemas"
	"github.com/xkilldash9x/webext-auto/internal/browser"
	"github.com/xkilldash9x/webext-auto/internal/browser/humanoid"
	"github.com/xkilldash9x/webext-auto/internal/browser/session"
	"github.com/xkilldash9x/webext-auto/internal/config"
	"github.com/xkilldash9x/webext-auto/internal/extension"
	"github.com/xkilldash9x/webext-auto/internal/observability"
	"github.com/xkilldash9x/webext-auto/internal/relay"
	"github.com/xkilldash9x/webext-auto/internal/store"
	"github.com/xkilldash9x/webext-auto/internal/transport"
)

// newServeCmd creates the `serve` command, which runs the background context.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the background context: the relay, the tab watcher and the input driver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			services, err := newBackgroundServices(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize background: %w", err)
			}
			defer services.Shutdown()
			return services.Run(ctx)
		},
	}

	serveCmd.Flags().String("listen", "", "Address the relay listens on. (Overrides config/env)")
	serveCmd.Flags().String("debugger-url", "", "DevTools endpoint of the browser. (Overrides config/env)")
	serveCmd.Flags().Bool("watch-tabs", true, "Follow the browser's tabs over the debugger connection. (Overrides config/env)")
	return serveCmd
}

// backgroundServices holds the initialized parts of the background process.
type backgroundServices struct {
	Relay      *relay.Relay
	Server     *relay.Server
	Background *extension.Background
	Settings   store.Settings
	Watcher    *browser.TabWatcher
	Bridge     *relay.NATSBridge

	logger     *zap.Logger
	closeFuncs []func()
}

// newBackgroundServices handles dependency injection for `serve`.
func newBackgroundServices(ctx context.Context, cfg config.Interface, logger *zap.Logger) (_ *backgroundServices, err error) {
	s := &backgroundServices{logger: logger}
	defer func() {
		if err != nil {
			s.Shutdown()
		}
	}()

	// 1. Settings store. Without a database the settings live in memory.
	if url := cfg.Database().URL; url != "" {
		pgStore, closePool, err := store.Open(ctx, url, logger)
		if err != nil {
			return nil, err
		}
		s.Settings = pgStore
		s.closeFuncs = append(s.closeFuncs, closePool)
	} else {
		logger.Warn("No database configured, settings will not survive a restart.")
		s.Settings = store.NewMemory()
	}

	// 2. Input driver.
	exec := session.NewCDPExecutor(cfg.Browser(), logger)
	driver := humanoid.New(exec, humanoid.NewKeyMap(), cfg.Driver(), logger)

	// 3. Relay and the background context on its endpoint.
	local := transport.NewEndpoint(schemas.ContextBackground, logger, transport.WithCallTimeout(cfg.Transport().CallTimeout))
	relayCfg := cfg.Relay()
	s.Relay = relay.New(local, relay.Options{
		ExtensionID: relayCfg.ExtensionID,
		RateLimit:   relayCfg.RateLimit,
		RateBurst:   relayCfg.RateBurst,
	}, logger)
	s.Relay.OnEvent(func(ev relay.Event) {
		logger.Info("Relay event.",
			zap.Stringer("kind", ev.Kind),
			zap.Stringer("context", ev.Context),
			zap.Int64("tab", ev.Tab.ID),
			zap.String("url", ev.Tab.URL))
	})
	s.closeFuncs = append(s.closeFuncs, s.Relay.Close)

	s.Background, err = extension.NewBackground(s.Relay, driver, s.Settings, logger)
	if err != nil {
		return nil, err
	}
	s.closeFuncs = append(s.closeFuncs, s.Background.Stop)
	s.Server = relay.NewServer(s.Relay, relayCfg, logger)

	// 4. Optional message transport.
	if natsCfg := cfg.NATS(); natsCfg.URL != "" {
		nc, err := transport.ConnectNATS(natsCfg.URL, natsCfg.Name, natsCfg.ReconnectWait, natsCfg.MaxReconnects, logger)
		if err != nil {
			return nil, err
		}
		s.closeFuncs = append(s.closeFuncs, nc.Close)
		s.Bridge = relay.NewNATSBridge(s.Relay, nc, transport.Subjects{Prefix: natsCfg.Subject}, logger)
	}

	// 5. Tab lifecycle from the browser.
	if cfg.Browser().WatchTabs {
		s.Watcher = browser.NewTabWatcher(cfg.Browser(), s.Relay, logger)
	}
	return s, nil
}

// Run serves until ctx ends or one of the services fails.
func (s *backgroundServices) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.Bridge != nil {
		if err := s.Bridge.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			s.Bridge.Stop()
			return nil
		})
	}
	g.Go(func() error { return s.Server.ListenAndServe(gctx) })
	if s.Watcher != nil {
		g.Go(func() error { return s.Watcher.Run(gctx) })
	}
	g.Go(func() error { return s.Background.Serve(gctx) })

	s.logger.Info("Background is up.")
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("Background stopped.")
	return nil
}

// Shutdown releases everything in reverse order of creation.
func (s *backgroundServices) Shutdown() {
	for i := len(s.closeFuncs) - 1; i >= 0; i-- {
		s.closeFuncs[i]()
	}
	s.closeFuncs = nil
}
