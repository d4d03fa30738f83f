package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meshtalk-io/meshtalk/internal/api"
	"github.com/meshtalk-io/meshtalk/internal/auth"
	"github.com/meshtalk-io/meshtalk/internal/config"
	"github.com/meshtalk-io/meshtalk/internal/dispatch"
	"github.com/meshtalk-io/meshtalk/internal/presence"
	"github.com/meshtalk-io/meshtalk/internal/protocol"
	"github.com/meshtalk-io/meshtalk/internal/registry"
	"github.com/meshtalk-io/meshtalk/internal/rock"
	"github.com/meshtalk-io/meshtalk/internal/service"
	"github.com/meshtalk-io/meshtalk/internal/ws"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// registryRoot is the chroot prefix of the service registry tree.
const registryRoot = "/meshtalk"

type flags struct {
	configPath  string
	wsAddr      string
	rockAddr    string
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
		Use:   "meshtalk-gateway",
		Short: "Meshtalk gateway — WebSocket edge and delivery fabric node",
		Long: `The Meshtalk gateway terminates client WebSocket connections, binds
each user to itself in the presence directory, and forwards envelopes
to the gateway that owns the target user's connections over Rock RPC.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newTokenCmd(f))

	root.PersistentFlags().StringVar(&f.configPath, "config", envOrDefault("MESHTALK_CONFIG", ""), "Path to the YAML config file (optional, defaults apply)")
	root.PersistentFlags().StringVar(&f.wsAddr, "ws-addr", envOrDefault("MESHTALK_WS_ADDR", ""), "WebSocket/HTTP listen address (overrides config)")
	root.PersistentFlags().StringVar(&f.rockAddr, "rock-addr", envOrDefault("MESHTALK_ROCK_ADDR", ""), "Rock RPC listen address (overrides config)")
	root.PersistentFlags().StringVar(&f.advertiseIP, "advertise-ip", envOrDefault("MESHTALK_ADVERTISE_IP", "127.0.0.1"), "IP other gateways use to reach this node's Rock port")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", envOrDefault("MESHTALK_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("meshtalk-gateway %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newTokenCmd mints a connect token for a uid. Operational convenience for
// smoke tests against a running gateway.
func newTokenCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "token <uid>",
		Short: "Issue a connect token for the given uid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || uid <= 0 {
				return fmt.Errorf("bad uid %q", args[0])
			}
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWT.Secret == "" {
				return errors.New("auth.jwt.secret is not configured")
			}
			tm := auth.NewTokenManager(cfg.Auth.JWT.Secret, cfg.Auth.JWT.Issuer, cfg.Auth.JWT.ExpiresIn)
			token, err := tm.Issue(uid)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
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
	if cfg.Auth.JWT.Secret == "" {
		return errors.New("auth.jwt.secret is required — set it in the config file")
	}

	wsAddr := firstNonEmpty(f.wsAddr, cfg.ListenAddr("ws"), ":9503")
	rockAddr := firstNonEmpty(f.rockAddr, cfg.ListenAddr("rock"), ":9504")

	_, rockPort, err := net.SplitHostPort(rockAddr)
	if err != nil {
		return fmt.Errorf("bad rock listen address %q: %w", rockAddr, err)
	}
	selfRPCAddr := net.JoinHostPort(f.advertiseIP, rockPort)

	logger.Info("starting meshtalk gateway",
		zap.String("version", version),
		zap.String("ws_addr", wsAddr),
		zap.String("rock_addr", rockAddr),
		zap.String("advertised_rpc", selfRPCAddr),
		zap.String("log_level", f.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Service discovery is optional: with no ZooKeeper endpoints only fixed
	// rpc_addr entries resolve, which covers single-host deployments.
	var reg *registry.Client
	var regIface service.Registry
	if cfg.ServiceDiscovery.ZK != "" {
		reg, err = registry.Connect(cfg.ServiceDiscovery.ZK, registryRoot, logger)
		if err != nil {
			return err
		}
		defer reg.Close()
		regIface = reg
	}

	pool := rock.NewPool(rock.Options{}, logger)
	defer pool.Close()

	resolver := service.NewResolver(cfg.FixedAddrs(), regIface)
	presenceClient := presence.NewClient(pool, resolver, logger)
	talkClient := service.NewTalkClient(service.NewCaller(pool, resolver, 0, logger))

	sessions := ws.NewSessionMap()

	dispatcher := dispatch.New(dispatch.Config{
		Local:    sessions.Broadcast,
		Routes:   presenceClient,
		Rock:     pool,
		Talk:     talkClient,
		SelfAddr: selfRPCAddr,
		Logger:   logger,
	})

	edge := ws.NewEdge(ws.Config{
		Tokens:                    auth.NewTokenManager(cfg.Auth.JWT.Secret, cfg.Auth.JWT.Issuer, cfg.Auth.JWT.ExpiresIn),
		Presence:                  presenceClient,
		Pusher:                    dispatcher,
		Sessions:                  sessions,
		SelfRPCAddr:               selfRPCAddr,
		PresenceTTLSec:            config.DefaultPresenceTTLSec,
		MaxMessageSize:            cfg.WebSocket.Message.MaxSize,
		AllowUnmaskedClientFrames: cfg.WebSocket.AllowUnmaskedClientFrames,
		Logger:                    logger,
	})

	rockSrv := rock.NewServer(rock.Options{}, logger)
	rockSrv.Handle(protocol.CmdDeliverToUser, dispatcher.HandleDeliver)

	errCh := make(chan error, 2)
	go func() {
		errCh <- rockSrv.ListenAndServe(ctx, rockAddr)
	}()

	httpSrv := &http.Server{
		Addr:    wsAddr,
		Handler: api.NewRouter(api.RouterConfig{Edge: edge, Logger: logger}),
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if reg != nil {
		hostname, _ := os.Hostname()
		port, _ := strconv.Atoi(rockPort)
		inst := registry.Instance{
			ID:       uuid.NewString(),
			IP:       f.advertiseIP,
			Port:     port,
			Hostname: hostname,
		}
		if err := reg.Register(service.Domain, "gateway", inst); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down meshtalk gateway")
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

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
