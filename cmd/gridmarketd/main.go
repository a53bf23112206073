package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"gridmarket/config"
	"gridmarket/core"
	"gridmarket/crypto"
	"gridmarket/observability/logging"
	"gridmarket/rpc"
	"gridmarket/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./config.toml", "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel)
	slog.Info("starting gridmarketd", "network", cfg.NetworkName, "dataDir", cfg.DataDir)

	nodeKey, err := crypto.LoadOrGenerateKey(filepath.Join(cfg.DataDir, "node.key"))
	if err != nil {
		slog.Error("failed to load node key", "error", err)
		os.Exit(1)
	}
	slog.Info("node identity ready", "address", nodeKey.PubKey().Address().String())

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		slog.Error("failed to open ledger database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	node, err := core.NewNode(db, core.NodeConfig{
		DisputeAfterDeadlineOnly: cfg.DisputeAfterDeadlineOnly,
		BidMaxPerMinute:          cfg.BidMaxPerMinute,
		MarketPaused:             cfg.MarketPaused,
	})
	if err != nil {
		slog.Error("failed to initialise node", "error", err)
		os.Exit(1)
	}

	token, minted, err := node.BootstrapAdmin()
	if err != nil {
		slog.Error("admin capability bootstrap failed", "error", err)
		os.Exit(1)
	}
	if minted {
		// The secret exists nowhere else. If this write is lost, arbitration
		// is gone for the ledger's lifetime.
		if err := os.WriteFile(cfg.AdminTokenFile, []byte(token.Hex()+"\n"), 0o600); err != nil {
			slog.Error("failed to persist admin capability", "path", cfg.AdminTokenFile, "error", err)
			os.Exit(1)
		}
		slog.Info("admin capability minted", "path", cfg.AdminTokenFile)
	}

	server := rpc.NewServer(node)
	if err := server.Serve(cfg.RPCAddress); err != nil {
		slog.Error("rpc server stopped", "error", err)
		os.Exit(1)
	}
}
