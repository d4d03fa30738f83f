package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meshtalk-io/meshtalk/internal/api"
	"github.com/meshtalk-io/meshtalk/internal/config"
	"github.com/meshtalk-io/meshtalk/internal/presence"
	"github.com/meshtalk-io/meshtalk/internal/registry"
	"github.com/meshtalk-io/meshtalk/internal/rock"
	"github.com/meshtalk-io/meshtalk/internal/service"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const registryRoot = "/meshtalk"

type flags struct {
	configPath  string
	rockAddr    string
	httpAddr    string
	advertiseIP string
	logLevel    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "meshtalk-presenced",
		Short: "Meshtalk presenced — the uid to gateway route directory",
		Long: `Presenced keeps the authoritative uid → gateway binding table that
gateways consult to forward envelopes across the fleet. Bindings are
TTL-leased and held in memory only; gateways repopulate them within
one heartbeat interval after a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&f.configPath, "config", envOrDefault("MESHTALK_CONFIG", ""), "Path to the YAML config file (optional, defaults apply)")
	root.PersistentFlags().StringVar(&f.rockAddr, "rock-addr", envOrDefault("MESHTALK_PRESENCE_ROCK_ADDR", ":9505"), "Rock RPC listen address")
	root.PersistentFlags().StringVar(&f.httpAddr, "http-addr", envOrDefault("MESHTALK_PRESENCE_HTTP_ADDR", ":9506"), "HTTP listen address for health and metrics")
	root.PersistentFlags().StringVar(&f.advertiseIP, "advertise-ip", envOrDefault("MESHTALK_ADVERTISE_IP", "127.0.0.1"), "IP gateways use to reach this node's Rock port")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", envOrDefault("MESHTALK_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("meshtalk-presenced %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, f *flags) error {
	logger, err := buildLogger(f.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}

	logger.Info("starting meshtalk presenced",
		zap.String("version", version),
		zap.String("rock_addr", f.rockAddr),
		zap.String("http_addr", f.httpAddr),
		zap.String("log_level", f.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store := presence.NewStore()
	srv := rock.NewServer(rock.Options{}, logger)
	presence.NewService(store, logger).Register(srv)

	sweeper, err := presence.NewSweeper(store, presence.DefaultSweepInterval, logger)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop() //nolint:errcheck

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.ListenAndServe(ctx, f.rockAddr)
	}()

	httpSrv := &http.Server{Addr: f.httpAddr, Handler: newHTTPHandler(logger)}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.ServiceDiscovery.ZK != "" {
		reg, err := registry.Connect(cfg.ServiceDiscovery.ZK, registryRoot, logger)
		if err != nil {
			return err
		}
		defer reg.Close()

		_, portStr, err := net.SplitHostPort(f.rockAddr)
		if err != nil {
			return fmt.Errorf("bad rock listen address %q: %w", f.rockAddr, err)
		}
		port, _ := strconv.Atoi(portStr)
		hostname, _ := os.Hostname()
		inst := registry.Instance{
			ID:       uuid.NewString(),
			IP:       f.advertiseIP,
			Port:     port,
			Hostname: hostname,
		}
		if err := reg.Register(service.Domain, presence.ServiceName, inst); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down meshtalk presenced")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	return nil
}

func newHTTPHandler(logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(api.RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
