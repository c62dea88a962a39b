// rangefs mounts a remote file collection served over HTTP as a read-only
// FUSE filesystem. File contents are fetched on demand with range requests
// and cached in fixed-size blocks.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/meigma/rangefs"
	"github.com/meigma/rangefs/fuse"
	rangehttp "github.com/meigma/rangefs/http"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	var flags flagValues
	flagSet := pflag.NewFlagSet("rangefs", pflag.ContinueOnError)
	flags.register(flagSet)
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: rangefs [flags] <base-url> <mountpoint>\n\n")
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := buildConfig(flagSet, &flags)
	if err != nil {
		return err
	}
	level, _ := cfg.level() //nolint:errcheck // validated by buildConfig
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []rangefs.Option{
		rangefs.WithBlockSize(cfg.BlockSize),
		rangefs.WithManifestName(cfg.Manifest),
		rangefs.WithLogger(logger),
	}
	if len(cfg.Headers) > 0 {
		headers := make(nethttp.Header, len(cfg.Headers))
		for k, v := range cfg.Headers {
			headers.Set(k, v)
		}
		opts = append(opts, rangefs.WithHTTPOptions(rangehttp.WithHeaders(headers)))
	}
	if cfg.CacheDir != "" {
		opts = append(opts, rangefs.WithCacheDir(cfg.CacheDir))
	}

	var registry *prometheus.Registry
	if cfg.MetricsAddr != "" {
		registry = prometheus.NewRegistry()
		opts = append(opts, rangefs.WithMetrics(registry))
	}

	fsys, err := rangefs.New(ctx, cfg.BaseURL, opts...)
	if err != nil {
		return fmt.Errorf("mounting %s: %w", cfg.BaseURL, err)
	}

	if registry != nil {
		metricsServer := serveMetrics(cfg.MetricsAddr, registry, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx) //nolint:errcheck // best-effort on exit
		}()
	}

	server, err := fuse.Mount(fuse.Options{
		Mountpoint: cfg.Mountpoint,
		FS:         fsys,
		AllowOther: cfg.AllowOther,
		Debug:      cfg.Debug,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	unmounted := make(chan struct{})
	go func() {
		server.Wait()
		close(unmounted)
	}()

	select {
	case <-ctx.Done():
		logger.Info("unmounting", "mountpoint", cfg.Mountpoint)
		if err := server.Unmount(); err != nil {
			return fmt.Errorf("unmounting %s: %w", cfg.Mountpoint, err)
		}
		<-unmounted
	case <-unmounted:
		logger.Info("unmounted externally", "mountpoint", cfg.Mountpoint)
	}

	stats := fsys.Stats()
	logger.Info("cache summary", "files", stats.Files, "blocks", stats.Blocks, "cached_bytes", stats.CachedBytes)
	return nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) *nethttp.Server {
	mux := nethttp.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &nethttp.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return server
}
