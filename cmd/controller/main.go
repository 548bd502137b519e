package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"netauth/pkg/api"
	"netauth/pkg/audit"
	"netauth/pkg/auth"
	"netauth/pkg/config"
	"netauth/pkg/db"
	"netauth/pkg/firewall"
	"netauth/pkg/ledger"
	"netauth/pkg/lock"
	"netauth/pkg/logging"
	"netauth/pkg/metrics"
	"netauth/pkg/policy"
	"netauth/pkg/radius"
	"netauth/pkg/store"
	"netauth/pkg/version"
)

func main() {
	showVersion := flag.Bool("v", false, "print version and exit")
	reconcile := flag.Bool("reconcile-on-start", false, "apply every identity before serving")
	migrate := flag.Bool("migrate", true, "create or update tables when STORE=mysql")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("netauth-controller"))
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *reconcile, *migrate); err != nil {
		logger.Fatal().Err(err).Msg("controller stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger, reconcile, migrate bool) error {
	logger.Info().Str("version", version.Build).Str("subnet", cfg.VPNSubnet).Str("store", cfg.Store).Msg("starting controller")
	if cfg.JWTSecret != "" {
		auth.SetSecret(cfg.JWTSecret)
	} else {
		logger.Warn().Msg("JWT_SECRET not set; using the built-in development secret")
	}

	var (
		st  store.PolicyStore
		pub radius.Publisher = radius.Nop{}
	)
	switch cfg.Store {
	case "mysql":
		gdb, err := db.Open(cfg)
		if err != nil {
			return err
		}
		if migrate {
			if err := db.Migrate(gdb); err != nil {
				return err
			}
		}
		st = store.NewGormStore(gdb)
		if cfg.RadiusSync {
			pub = radius.NewGormPublisher(gdb, logger)
		}
	default:
		logger.Warn().Msg("using in-memory store; policy is lost on restart")
		st = store.NewMemory()
	}

	led, err := ledger.Open(ctx, cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer led.Close()

	locker, err := lock.New(cfg)
	if err != nil {
		return err
	}

	runner := &firewall.ExecRunner{Timeout: cfg.CommandTimeout}
	engine := firewall.NewEngine(runner, firewall.OptionsFromConfig(cfg), logger)

	hub := api.NewEventHub(logger)
	defer hub.Close()
	rec := audit.NewRecorder(st, logger)
	rec.OnRecord(hub.PublishAudit)

	svc := policy.NewService(policy.Deps{
		Store:  st,
		Engine: engine,
		Ledger: led,
		Locker: locker,
		Audit:  rec,
		Radius: pub,
		Subnet: cfg.VPNSubnet,
		Logger: logger,
	})

	metrics.Register(nil)
	metrics.RegisterFilterGauge(nil, func() float64 { return float64(svc.RuleCount(context.Background())) })
	if cfg.MetricsAddr != "" {
		msrv := metrics.NewServer(cfg.MetricsAddr)
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server")
			}
		}()
		defer msrv.Close()
	}

	if reconcile {
		sum, err := svc.ApplyAll(ctx)
		if err != nil {
			return fmt.Errorf("startup reconcile: %w", err)
		}
		logger.Info().
			Int("applied", sum.Applied).
			Int("partial", sum.Partial).
			Int("torn_down", sum.TornDown).
			Int("skipped", sum.Skipped).
			Int("failed", sum.Failed).
			Bool("saved", sum.Saved).
			Msg("startup reconcile finished")
	}

	srv := api.NewServer(svc, st, hub, rec, logger)
	tlsFiles := api.TLSFiles{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, ClientCA: cfg.TLSClientCA}
	logger.Info().Str("addr", cfg.HTTPAddr).Bool("tls", tlsFiles.Enabled()).Msg("controller listening")
	return api.ListenAndServe(ctx, cfg.HTTPAddr, srv.Handler(), tlsFiles)
}
