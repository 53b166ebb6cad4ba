package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"offline0/internal/cachestore"
	"offline0/internal/config"
	"offline0/internal/host"
	"offline0/internal/logging"
	"offline0/internal/negotiator"
	"offline0/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the site through the offline worker",
	Long: `Start the edge server. A boot session registers the worker script of
the current release, keeps checking for updates and activates them when
registration.autoAccept is set.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}, nil); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	scope, err := url.Parse(cfg.Server.PublicOrigin)
	if err != nil {
		return fmt.Errorf("server.publicOrigin: %w", err)
	}

	storage, err := cachestore.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer storage.Close()

	var (
		gatherer prometheus.Gatherer
		metrics  *worker.Metrics
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = worker.NewMetrics(reg)
		gatherer = reg
	}

	container := host.NewContainer(host.Options{
		Origin:               origin,
		Scope:                scope,
		AppName:              cfg.App.Name,
		ScriptPath:           cfg.App.ScriptPath,
		FallbackDocument:     cfg.App.FallbackDocument,
		Storage:              storage,
		HTTPClient:           &http.Client{Timeout: cfg.FetchTimeout()},
		Notifications:        host.NewNotificationCenter(host.Permission(cfg.Notifications.Permission), cfg.Notifications.OpenCommand),
		Metrics:              metrics,
		NavigationTimeout:    cfg.NavigationTimeout(),
		FetchTimeout:         cfg.FetchTimeout(),
		MaxEntryBytes:        cfg.MaxEntryBytes(),
		SkipWaitingOnInstall: cfg.Worker.SkipWaitingOnInstall,
		NavigationPreload:    cfg.Worker.NavigationPreload,
	})
	defer container.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           host.NewServer(container, gatherer).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("offline0 listening", "addr", addr, "origin", cfg.Server.Origin, "scope", cfg.Server.PublicOrigin)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		boot := &booter{
			cfg:       cfg,
			container: container,
			storage:   storage,
			scope:     scope,
			client: &http.Client{
				Timeout:   cfg.FetchTimeout(),
				Transport: loopback{addr: fmt.Sprintf("127.0.0.1:%d", ln.Addr().(*net.TCPAddr).Port), next: http.DefaultTransport},
			},
		}
		boot.run(gctx)
		return nil
	})
	return g.Wait()
}

// booter plays the page that boots the app. Every accepted update reloads
// it, which starts a new session.
type booter struct {
	cfg       config.Config
	container *host.Container
	storage   *cachestore.Storage
	scope     *url.URL
	client    *http.Client
}

func (b *booter) run(ctx context.Context) {
	for {
		reload := make(chan struct{}, 1)
		s := negotiator.NewSession(negotiator.Options{
			Container:      b.container,
			Store:          b.storage,
			HTTPClient:     b.client,
			BaseURL:        b.scope,
			ScriptPath:     b.cfg.App.ScriptPath,
			VersionPath:    b.cfg.App.VersionPath,
			DocumentPath:   b.cfg.App.DocumentPath,
			MetaName:       b.cfg.App.MetaName,
			MaxRetries:     b.cfg.Registration.MaxRetries,
			InitialBackoff: b.cfg.InitialBackoff(),
			MaxBackoff:     b.cfg.MaxBackoff(),
			UpdateInterval: b.cfg.UpdateInterval(),
			Confirm: func(version string) bool {
				if !b.cfg.Registration.AutoAccept {
					slog.Info("update waiting, restart with registration.autoAccept to activate", "version", version)
				}
				return b.cfg.Registration.AutoAccept
			},
			Reload: func() { reload <- struct{}{} },
		})

		sctx, cancel := context.WithCancel(ctx)
		if s.Boot(sctx) != nil {
			go s.WatchUpdates(sctx)
		}

		select {
		case <-ctx.Done():
			cancel()
			s.Close()
			return
		case <-reload:
			cancel()
			s.Close()
			slog.Info("controller changed, reloading boot session")
		}
	}
}

// loopback sends the boot session's requests to our own listener while
// keeping the public host, so they are routed like a browser's.
type loopback struct {
	addr string
	next http.RoundTripper
}

func (l loopback) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if r.Host == "" {
		r.Host = req.URL.Host
	}
	r.URL.Scheme = "http"
	r.URL.Host = l.addr
	return l.next.RoundTrip(r)
}
