package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/NicolasHaas/gatekeep/pkg/crypto"
	"github.com/NicolasHaas/gatekeep/pkg/datastore"
	"github.com/NicolasHaas/gatekeep/pkg/logging"
	"github.com/NicolasHaas/gatekeep/pkg/server"
	"github.com/NicolasHaas/gatekeep/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	configPath := flag.String("config", "", "YAML config file (flags given explicitly override it)")
	flag.StringVar(&cfg.ControlAddr, "control", cfg.ControlAddr, "TCP/TLS command bridge bind address")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for /metrics and /restrictions (empty to disable)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	flag.StringVar(&cfg.CertFile, "cert", "", "TLS certificate file (auto-generated if empty)")
	flag.StringVar(&cfg.KeyFile, "key", "", "TLS private key file (auto-generated if empty)")
	flag.StringVar(&cfg.DataDir, "data", ".", "Data directory for generated files")
	flag.StringVar(&cfg.BridgeToken, "token", "", "Shared token bridge clients must present (empty = open bridge)")
	flag.StringVar(&cfg.BridgeTokenHash, "token-hash", "", "Argon2id hash of the bridge token (from -gen-token); overrides -token")
	flag.StringVar(&cfg.AppealURL, "appeal-url", "", "Link for the Appeal button on the banned notice")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "How often expired restrictions are pruned")
	operators := flag.String("operators", "", "Comma separated user IDs allowed to manage the blacklist")
	flag.BoolVar(&cfg.ExportRestrictions, "export", false, "Export all restrictions as YAML and exit")
	flag.StringVar(&cfg.ImportFile, "import", "", "Import restrictions from a YAML export and exit")

	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	genToken := flag.Bool("gen-token", false, "Generate a bridge token and its hash, then exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("gatekeep", version.Full())
		return
	}
	if *genToken {
		if err := printNewToken(); err != nil {
			fmt.Fprintf(os.Stderr, "generate token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	if *configPath != "" {
		fileCfg, err := server.LoadConfig(*configPath, server.DefaultConfig())
		if err != nil {
			slog.Error("load config", "err", err)
			os.Exit(1)
		}
		cfg = overrideWithFlags(fileCfg, cfg)
	}
	if *operators != "" {
		ids, err := server.ParseOperators(*operators)
		if err != nil {
			slog.Error("parse -operators", "err", err)
			os.Exit(1)
		}
		cfg.Operators = ids
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Handle export/import commands (run and exit)
	if cfg.ExportRestrictions || cfg.ImportFile != "" {
		if err := runDataCommand(ctx, cfg); err != nil {
			slog.Error("data command", "err", err)
			os.Exit(1)
		}
		return
	}

	if err := server.Validate(cfg); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	st, err := datastore.NewProviderFactory(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	slog.Info("starting gatekeep", "version", version.String())
	srv := server.New(cfg, server.Dependencies{Store: st})
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

// overrideWithFlags copies every flag the user set explicitly from
// flagCfg onto fileCfg.
func overrideWithFlags(fileCfg, flagCfg server.Config) server.Config {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "control":
			fileCfg.ControlAddr = flagCfg.ControlAddr
		case "metrics":
			fileCfg.MetricsAddr = flagCfg.MetricsAddr
		case "db":
			fileCfg.DBPath = flagCfg.DBPath
		case "cert":
			fileCfg.CertFile = flagCfg.CertFile
		case "key":
			fileCfg.KeyFile = flagCfg.KeyFile
		case "data":
			fileCfg.DataDir = flagCfg.DataDir
		case "token":
			fileCfg.BridgeToken = flagCfg.BridgeToken
		case "token-hash":
			fileCfg.BridgeTokenHash = flagCfg.BridgeTokenHash
		case "appeal-url":
			fileCfg.AppealURL = flagCfg.AppealURL
		case "sweep-interval":
			fileCfg.SweepInterval = flagCfg.SweepInterval
		}
	})
	fileCfg.ExportRestrictions = flagCfg.ExportRestrictions
	fileCfg.ImportFile = flagCfg.ImportFile
	return fileCfg
}

// printNewToken prints a fresh bridge token for the client side and the
// hash to put in the server config.
func printNewToken() error {
	token, err := crypto.GenerateToken()
	if err != nil {
		return err
	}
	hash, err := crypto.HashToken(token)
	if err != nil {
		return err
	}
	fmt.Println("token:            ", token)
	fmt.Println("bridge_token_hash:", hash)
	return nil
}

func runDataCommand(ctx context.Context, cfg server.Config) error {
	st, err := datastore.NewProviderFactory(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = st.Close() }()

	if cfg.ImportFile != "" {
		if _, err := server.LoadRestrictionsFromYAML(ctx, cfg.ImportFile, st); err != nil {
			return err
		}
	}
	if cfg.ExportRestrictions {
		data, err := server.ExportRestrictionsYAML(ctx, st.NonTx())
		if err != nil {
			return fmt.Errorf("export restrictions: %w", err)
		}
		fmt.Print(string(data))
	}
	return nil
}
