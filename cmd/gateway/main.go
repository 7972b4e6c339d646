package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/developingchet/admission-gateway/internal/audit"
	"github.com/developingchet/admission-gateway/internal/blacklist"
	"github.com/developingchet/admission-gateway/internal/bootstrap"
	"github.com/developingchet/admission-gateway/internal/config"
	"github.com/developingchet/admission-gateway/internal/credential"
	"github.com/developingchet/admission-gateway/internal/crowdsec"
	"github.com/developingchet/admission-gateway/internal/gateway"
	"github.com/developingchet/admission-gateway/internal/logger"
	"github.com/developingchet/admission-gateway/internal/metrics"
	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/developingchet/admission-gateway/internal/pool"
	"github.com/developingchet/admission-gateway/internal/server"
	"github.com/developingchet/admission-gateway/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

const binaryName = "admission-gateway"

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           binaryName,
		Short:         "Request admission-control gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	apikey := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys offline",
	}
	apikey.AddCommand(apikeyCreateCmd())

	root.AddCommand(
		runCmd(),
		healthcheckCmd(),
		versionCmd(),
		sweepCmd(),
		apikey,
	)
	return root
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

// state is the persisted gateway plus the machinery that writes it back.
type state struct {
	store storage.Store
	pool  *pool.Pool
	gw    *gateway.Gateway
	snap  storage.Snapshot
}

// openState opens the store, starts the persistence pool on workerCtx and
// restores a gateway from the persisted snapshot. Callers stop the pool
// before closing the store.
func openState(workerCtx context.Context, cfg *config.Config, sinks metrics.Sink, log zerolog.Logger) (*state, error) {
	store, err := storage.NewBboltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	handler := gateway.NewJobHandler(store, gateway.BreakerConfig{
		MaxRequests:         1,
		Timeout:             cfg.StoreBreakerTimeout,
		ConsecutiveFailures: uint32(cfg.StoreBreakerFailures),
	}, log.With().Str("component", "store").Logger())

	wp, err := pool.New(pool.Config{
		Workers:    cfg.PoolWorkers,
		QueueDepth: cfg.PoolQueueDepth,
		MaxRetries: cfg.PoolMaxRetries,
		RetryBase:  cfg.PoolRetryBase,
	}, handler, log.With().Str("component", "pool").Logger())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build worker pool: %w", err)
	}
	wp.Start(workerCtx)

	auditSinks := audit.Multi{audit.NewLogger(log)}
	if cfg.AuditPersist {
		auditSinks = append(auditSinks, audit.NewJournal(wp, model.SystemClock{}, log))
	}

	gw := gateway.New(gateway.Options{
		Log:            log,
		Metrics:        sinks,
		Audit:          auditSinks,
		Queue:          wp,
		AuditRetention: cfg.AuditRetention,
	})

	snap, err := store.Load()
	if err != nil {
		wp.Stop()
		_ = store.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}
	if err := gw.Restore(snap); err != nil {
		wp.Stop()
		_ = store.Close()
		return nil, err
	}
	return &state{store: store, pool: wp, gw: gw, snap: snap}, nil
}

// close drains pending writes and closes the store.
func (s *state) close(log zerolog.Logger) {
	s.pool.Stop()
	if err := s.store.Close(); err != nil {
		log.Warn().Err(err).Msg("close storage")
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Msg("admission-gateway starting")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sinks := metrics.Multi{metrics.PromSink{}}
	var stats *metrics.RedisSink
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable; stats will retry on flush")
		}
		stats = metrics.NewRedisSink(rdb, log.With().Str("component", "stats").Logger(),
			metrics.WithRedisPrefix(cfg.RedisPrefix),
			metrics.WithRedisTTL(cfg.RedisTTL),
		)
		sinks = append(sinks, stats)
	}
	var usage *crowdsec.UsageReporter
	if cfg.CrowdSecEnabled {
		usage = crowdsec.NewUsageReporter(cfg.CrowdSecLAPIURL, cfg.CrowdSecLAPIKey, Version, cfg.CrowdSecUsageInterval, log)
		sinks = append(sinks, usage)
	}

	// Workers outlive the servers so in-flight writes drain on shutdown.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	st, err := openState(workerCtx, cfg, sinks, log)
	if err != nil {
		return err
	}
	defer st.close(log)
	gw := st.gw

	file, err := bootstrap.Load(cfg.BootstrapFile)
	if err != nil {
		return fmt.Errorf("load bootstrap file: %w", err)
	}
	if err := bootstrap.Apply(gw, st.snap, file, log.With().Str("component", "bootstrap").Logger()); err != nil {
		return err
	}

	trusted, err := blacklist.ParseAllowlist(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}

	var upstream http.Handler = server.DecisionOnly()
	if cfg.UpstreamURL != "" {
		upstream, err = server.NewProxy(cfg.UpstreamURL, log.With().Str("component", "proxy").Logger())
		if err != nil {
			return err
		}
	}
	front := server.Admission(gw, server.AdmissionOptions{
		MaxBodyBytes:   cfg.MaxBodyBytes,
		TrustedProxies: trusted,
		Log:            log.With().Str("component", "admission").Logger(),
	})(upstream)

	listeners := []server.Listener{{Name: "gateway", Addr: cfg.ListenAddr, Handler: front, Grace: cfg.ShutdownGrace}}
	if cfg.AdminAddr != "" {
		adminAPI := server.NewAdminHandler(gw, server.AdminOptions{
			Token: cfg.AdminToken,
			RPS:   cfg.AdminRPS,
			Burst: cfg.AdminBurst,
			Audit: st.store,
			Log:   log.With().Str("component", "admin").Logger(),
		})
		listeners = append(listeners, server.Listener{Name: "admin", Addr: cfg.AdminAddr, Handler: adminAPI})
	}
	if cfg.MetricsEnabled {
		listeners = append(listeners, server.Listener{Name: "metrics", Addr: cfg.MetricsAddr, Handler: server.MetricsHandler()})
	}
	health := server.HealthHandler(func(context.Context) error {
		_, err := st.store.SizeBytes()
		return err
	})
	listeners = append(listeners, server.Listener{Name: "health", Addr: cfg.HealthAddr, Handler: health})

	g, gctx := errgroup.WithContext(ctx)

	janitor := gateway.NewJanitor(gw, st.store, st.pool, cfg.JanitorInterval, log.With().Str("component", "janitor").Logger())
	g.Go(func() error { return janitor.Run(gctx) })

	if stats != nil {
		g.Go(func() error { return stats.Run(gctx, cfg.RedisFlushInterval) })
	}

	if cfg.CrowdSecEnabled {
		stream, err := newStream(cfg, gw, log)
		if err != nil {
			return err
		}
		g.Go(func() error { return stream.Run(gctx) })
		g.Go(func() error { return usage.Run(gctx) })
	}

	g.Go(func() error { return server.Run(gctx, listeners, log) })

	err = g.Wait()
	log.Info().Msg("admission-gateway stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newStream builds and initialises the CrowdSec decision stream.
func newStream(cfg *config.Config, gw *gateway.Gateway, log zerolog.Logger) (*crowdsec.Stream, error) {
	allow, err := blacklist.ParseAllowlist(cfg.BlockWhitelist)
	if err != nil {
		return nil, fmt.Errorf("parse block whitelist: %w", err)
	}
	filter := crowdsec.NewFilterConfig()
	filter.ScenarioExclude = cfg.BlockScenarioExclude
	filter.AllowedOrigins = cfg.CrowdSecOrigins
	filter.Allowlist = allow
	filter.MinDuration = cfg.BlockMinDuration

	stream := crowdsec.NewStream(crowdsec.Config{
		URL:          cfg.CrowdSecLAPIURL,
		APIKey:       cfg.CrowdSecLAPIKey,
		VerifyTLS:    cfg.CrowdSecLAPIVerifyTLS,
		PollInterval: cfg.CrowdSecPollInterval,
		UserAgent:    binaryName + "/" + Version,
		Filter:       filter,
	}, gw, log)
	if err := stream.Init(); err != nil {
		return nil, err
	}
	return stream, nil
}

// healthcheckCmd exits 0 if the health endpoint answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + healthTarget(cfg.HealthAddr) + "/healthz") //nolint:noctx
			if err != nil {
				fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
				os.Exit(1)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "healthcheck returned %d\n", resp.StatusCode)
				os.Exit(1)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

// healthTarget turns a listen address into something dialable: ":8081"
// becomes "127.0.0.1:8081".
func healthTarget(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	if ap, err := netip.ParseAddrPort(addr); err == nil && ap.Addr().IsUnspecified() {
		return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), ap.Port()).String()
	}
	return addr
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", binaryName, Version)
		},
	}
}

// sweepCmd runs one expiry sweep against the data directory and exits.
// The daemon must not be running; bbolt holds an exclusive lock.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired credentials, blacklist entries and audit events, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := buildLogger(cfg)

			st, err := openState(context.Background(), cfg, metrics.Nop{}, log)
			if err != nil {
				return err
			}
			defer st.close(log)

			rep := st.gw.SweepExpired()
			fmt.Fprintf(cmd.OutOrStdout(), "sweep complete: api_keys=%d access_tokens=%d blacklist=%d audit_before=%s\n",
				rep.APIKeys, rep.AccessTokens, rep.Blacklist, rep.AuditBefore.Format(time.RFC3339))
			return nil
		},
	}
}

// apikeyCreateCmd issues an API key directly into the data directory and
// prints its secret once.
func apikeyCreateCmd() *cobra.Command {
	var (
		spec        credential.KeySpec
		permissions string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print its secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if spec.Name == "" {
				return errors.New("--name is required")
			}
			spec.Permissions = splitList(permissions)

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := buildLogger(cfg)

			st, err := openState(context.Background(), cfg, metrics.Nop{}, log)
			if err != nil {
				return err
			}
			defer st.close(log)

			key, err := st.gw.CreateAPIKey(spec)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:     %s\n", key.ID)
			fmt.Fprintf(out, "prefix: %s\n", key.Prefix)
			fmt.Fprintf(out, "secret: %s\n", key.Secret)
			return nil
		},
	}
	cmd.Flags().StringVar(&spec.Name, "name", "", "display name of the key")
	cmd.Flags().StringVar(&spec.OwnerID, "owner", "", "owner id")
	cmd.Flags().StringVar(&permissions, "permissions", "", "comma-separated METHOD:/path permissions")
	cmd.Flags().DurationVar(&spec.TTL, "ttl", 0, "key lifetime; 0 never expires")
	cmd.Flags().IntVar(&spec.RateLimitOverride, "rate-limit-override", 0, "per-key request limit; 0 uses the limiter's")
	return cmd
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(cw).Level(level).With().Timestamp().Logger()
	} else {
		base = zerolog.New(logger.NewRedactWriter(os.Stderr)).Level(level).With().Timestamp().Logger()
	}
	return base
}
