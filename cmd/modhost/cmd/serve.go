package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/apiclient"
	"github.com/GoCodeAlone/modhost/internal/logging"
	"github.com/GoCodeAlone/modhost/manifest"
	"github.com/GoCodeAlone/modhost/metrics"
	"github.com/GoCodeAlone/modhost/refresh"
	"github.com/GoCodeAlone/modhost/server"
	"github.com/GoCodeAlone/modhost/widget"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// serveOptions are the flags of the serve command.
type serveOptions struct {
	Manifest        string
	Addr            string
	LogLevel        string
	LogFormat       string
	RedisURL        string
	Watch           bool
	Grants          []string
	ShutdownTimeout time.Duration
}

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	opts := serveOptions{
		Addr:            server.DefaultAddr,
		LogLevel:        "info",
		LogFormat:       "json",
		Watch:           true,
		ShutdownTimeout: 15 * time.Second,
	}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the modules of a manifest over HTTP",
		Long: `Load a module manifest, register and initialize its modules,
refresh modules that declare an auto refresh interval and serve module
status and views over HTTP until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.Manifest, "manifest", "m", "", "Path to the module manifest (yaml, toml, json or hcl)")
	f.StringVar(&opts.Addr, "addr", opts.Addr, "HTTP listen address")
	f.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "Log level: debug, info, warn, error, off")
	f.StringVar(&opts.LogFormat, "log-format", opts.LogFormat, "Log format: json or console")
	f.StringVar(&opts.RedisURL, "redis-url", "", "Share module response caches through Redis (redis://host:6379/0)")
	f.BoolVar(&opts.Watch, "watch", opts.Watch, "Re-apply the manifest when the file changes")
	f.StringSliceVar(&opts.Grants, "grant", nil, "Granted permission; repeat to grant several. Without any, every permission is granted")
	f.DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", opts.ShutdownTimeout, "Time allowed for graceful shutdown")
	return cmd
}

// runtime is the wired set of components behind serve.
type runtime struct {
	logger    *logging.Logger
	registry  *modhost.Registry
	watcher   *manifest.Watcher
	scheduler *refresh.Scheduler
	server    *server.Server
	redis     *redis.Client
}

func runServe(ctx context.Context, opts serveOptions) error {
	rt, err := buildRuntime(ctx, opts)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(rt.server.Run)
	if opts.Watch {
		g.Go(func() error { return rt.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		rt.logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()
		return rt.close(shutdownCtx)
	})
	return g.Wait()
}

func buildRuntime(ctx context.Context, opts serveOptions) (*runtime, error) {
	if opts.Manifest == "" {
		return nil, ErrManifestRequired
	}
	logger := logging.New(logging.Options{
		Level:   opts.LogLevel,
		Format:  opts.LogFormat,
		Service: "modhost",
	})

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(metrics.DefaultNamespace)
	if err := m.Register(promReg); err != nil {
		return nil, err
	}

	regOpts := []modhost.Option{
		modhost.WithLogger(logger.Named("registry")),
		modhost.WithClientOptions(
			apiclient.WithLogger(logger.Named("apiclient")),
			apiclient.WithMetrics(m),
		),
	}

	rt := &runtime{logger: logger}
	if opts.RedisURL != "" {
		redisOpts, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rt.redis = redis.NewClient(redisOpts)
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			_ = rt.redis.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		regOpts = append(regOpts, modhost.WithCacheFactory(func(moduleID string) apiclient.CacheEngine {
			return apiclient.NewRedisCache(rt.redis, "modhost:"+moduleID+":")
		}))
	}

	rt.registry = modhost.NewRegistry(regOpts...)
	m.Attach(rt.registry)

	ictx := modhost.InitContext{Values: map[string]any{}}
	if len(opts.Grants) > 0 {
		ictx.Values[widget.ValueGrants] = opts.Grants
	}

	rt.watcher = manifest.NewWatcher(opts.Manifest, rt.registry, widget.Kinds(),
		manifest.WithWatcherLogger(logger.Named("manifest")),
		manifest.WithInitContext(ictx),
	)
	res, err := rt.watcher.Reload(ctx)
	if err != nil {
		rt.closeRedis()
		return nil, fmt.Errorf("apply manifest: %w", err)
	}
	logger.Info("Manifest applied", "path", opts.Manifest, "modules", len(res.Registered))

	rt.scheduler = refresh.New(rt.registry, refresh.WithLogger(logger.Named("refresh")))
	rt.scheduler.Start()

	rt.server = server.New(rt.registry,
		server.WithAddr(opts.Addr),
		server.WithLogger(logger.Named("http")),
		server.WithGatherer(promReg),
	)
	return rt, nil
}

func (rt *runtime) close(ctx context.Context) error {
	var errs []error
	if err := rt.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	if err := rt.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop refresh scheduler: %w", err))
	}
	rt.closeRedis()
	return errors.Join(errs...)
}

func (rt *runtime) closeRedis() {
	if rt.redis == nil {
		return
	}
	if err := rt.redis.Close(); err != nil {
		rt.logger.Warn("Failed to close redis client", "error", err)
	}
}
