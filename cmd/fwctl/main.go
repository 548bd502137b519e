// Command fwctl runs gateway reconciliation from the shell, without the
// HTTP controller.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"netauth/pkg/config"
	"netauth/pkg/db"
	"netauth/pkg/firewall"
	"netauth/pkg/ledger"
	"netauth/pkg/policy"
	"netauth/pkg/radius"
	"netauth/pkg/store"
	"netauth/pkg/version"
)

const usage = `usage: fwctl [flags] <command> [identity]

commands:
  apply <identity>     reconcile one identity and persist the ruleset
  apply-all            reconcile every identity and persist once
  teardown <identity>  remove an identity's chain and persist
  applied <identity>   exit 0 when the identity's chain is hooked exactly once
  status               print enforcement state as JSON
  harden               remove catch-all forward accepts and persist
`

func main() {
	showVersion := flag.Bool("v", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("fwctl"))
		return
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx, cfg, logger, flag.Args())
	if err != nil {
		logger.Error().Err(err).Msg(flag.Arg(0))
	}
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger, args []string) (int, error) {
	engine := firewall.NewEngine(&firewall.ExecRunner{Timeout: cfg.CommandTimeout}, firewall.OptionsFromConfig(cfg), logger)

	cmd := args[0]
	if cmd == "harden" {
		saved, err := engine.SaveAndHarden(ctx)
		if err != nil || !saved {
			return 1, err
		}
		logger.Info().Str("path", cfg.RulesPath).Msg("ruleset persisted")
		return 0, nil
	}

	svc, st, closeFn, err := newService(ctx, cfg, engine, logger)
	if err != nil {
		return 1, err
	}
	defer closeFn()

	switch cmd {
	case "apply", "teardown", "applied":
		if len(args) != 2 {
			return 2, fmt.Errorf("%s needs an identity name", cmd)
		}
		identity, err := st.GetIdentityByName(args[1])
		if err != nil {
			return 1, err
		}
		switch cmd {
		case "apply":
			res, err := svc.ApplyIdentity(ctx, identity.ID)
			if err != nil {
				return 1, err
			}
			fmt.Println(res.Message)
			if !res.OK() {
				return 1, nil
			}
		case "teardown":
			res, err := svc.Teardown(ctx, identity.ID)
			if err != nil {
				return 1, err
			}
			fmt.Println(res.Message)
			if !res.OK() {
				return 1, nil
			}
		case "applied":
			if !svc.IsApplied(ctx, identity.ID) {
				fmt.Printf("%s is not applied\n", identity.Name)
				return 1, nil
			}
			fmt.Printf("%s is applied\n", identity.Name)
		}
		return 0, nil
	case "apply-all":
		sum, err := svc.ApplyAll(ctx)
		if err != nil {
			return 1, err
		}
		if err := printJSON(sum); err != nil {
			return 1, err
		}
		if sum.Failed > 0 || !sum.Saved {
			return 1, nil
		}
		return 0, nil
	case "status":
		st, err := svc.Status(ctx)
		if err != nil {
			return 1, err
		}
		return 0, printJSON(st)
	default:
		return 2, fmt.Errorf("unknown command %q", cmd)
	}
}

// newService needs a persistent store; the in-memory one would have no
// identities to reconcile.
func newService(ctx context.Context, cfg *config.Config, engine *firewall.Engine, logger zerolog.Logger) (*policy.Service, store.PolicyStore, func(), error) {
	if cfg.Store != "mysql" {
		return nil, nil, nil, fmt.Errorf("STORE=%s holds no identities; fwctl needs STORE=mysql", cfg.Store)
	}
	gdb, err := db.Open(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	led, err := ledger.Open(ctx, cfg.LedgerPath)
	if err != nil {
		return nil, nil, nil, err
	}
	st := store.NewGormStore(gdb)
	var pub radius.Publisher = radius.Nop{}
	if cfg.RadiusSync {
		pub = radius.NewGormPublisher(gdb, logger)
	}
	svc := policy.NewService(policy.Deps{
		Store:  st,
		Engine: engine,
		Ledger: led,
		Radius: pub,
		Subnet: cfg.VPNSubnet,
		Logger: logger,
	})
	closeFn := func() {
		_ = led.Close()
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return svc, st, closeFn, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
