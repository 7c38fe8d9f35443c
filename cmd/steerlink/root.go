package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/timzifer/steerlink/internal/config"
	"github.com/timzifer/steerlink/internal/logging"
	"github.com/timzifer/steerlink/internal/reload"
	"github.com/timzifer/steerlink/pipeline"
	"github.com/timzifer/steerlink/telemetry"
)

// watchInterval is how often run --watch checks its source files.
var watchInterval = time.Second

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "steerlink",
		Short:         "Forward steering telemetry from CAN to UI, journal and MQTT",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to configuration file")

	var watch bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the steering pipeline until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfgPath, watch)
		},
	}
	runCmd.Flags().BoolVar(&watch, "watch", false, "rebuild the pipeline when the configuration or DBC file changes")
	root.AddCommand(runCmd)
	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and alert rules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if code := checkConfig(cmd.OutOrStdout(), cfg); code != 0 {
				return errors.New("configuration check failed")
			}
			return nil
		},
	})
	return root
}

func run(ctx context.Context, cfgPath string, watch bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, cleanup, err := logging.Setup(cfg.Logging, os.Stdout)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer cleanup()
	log.Logger = logger

	collector := telemetry.Noop()
	if cfg.Telemetry.Enabled {
		prom, err := telemetry.NewPrometheusCollector(prometheus.DefaultRegisterer)
		if err != nil {
			logger.Warn().Err(err).Msg("telemetry disabled")
		} else {
			collector = prom
			metrics := serveMetrics(cfg.MetricsListen(), logger)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = metrics.Shutdown(shutdownCtx)
			}()
		}
	}

	var watcher *reload.Watcher
	if watch {
		watcher = reload.NewWatcher(reload.SourceFiles(cfgPath, cfg)...)
	}

	// histories outlive pipeline rebuilds so producers and sinks keep their state
	histories := pipeline.NewHistories()
	for {
		next, err := runOnce(ctx, cfg, histories, watcher, cfgPath, logger, collector)
		if err != nil || next == nil {
			return err
		}
		logger.Info().Msg("configuration changed, rebuilding pipeline")
		cfg = next
		watcher.Update(reload.SourceFiles(cfgPath, cfg)...)
	}
}

// runOnce runs one pipeline generation. It returns the replacement
// configuration when a reload was triggered, or nil when ctx ended.
func runOnce(ctx context.Context, cfg *config.Config, histories pipeline.Histories, watcher *reload.Watcher,
	cfgPath string, logger zerolog.Logger, collector telemetry.Collector) (*config.Config, error) {
	p, err := pipeline.New(cfg,
		pipeline.WithLogger(logger),
		pipeline.WithTelemetry(collector),
		pipeline.WithHistories(histories),
	)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Error().Err(err).Msg("close pipeline")
		}
	}()
	if ui := p.UI(); ui != nil {
		// without a display attached, drain the bridge into the debug log
		go func() {
			for update := range ui.Updates() {
				logger.Debug().Str("kind", string(update.Kind)).Int16("angle", update.Angle).Str("text", update.Text).Msg("ui update")
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(runCtx) }()

	var ticks <-chan time.Time
	if watcher != nil {
		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	for {
		select {
		case err := <-errCh:
			return nil, err
		case <-ticks:
			changed := watcher.Check()
			if len(changed) == 0 {
				continue
			}
			next, err := config.Load(cfgPath)
			if err != nil {
				logger.Error().Err(err).Strs("files", changed).Msg("reloaded configuration invalid")
				watcher.Update(reload.SourceFiles(cfgPath, cfg)...)
				continue
			}
			cancel()
			if err := <-errCh; err != nil {
				logger.Error().Err(err).Msg("pipeline stopped during reload")
			}
			return next, nil
		}
	}
}

func serveMetrics(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
	return srv
}
