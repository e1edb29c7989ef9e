package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"caselog/internal/app"
	"caselog/pkg/config"
	"caselog/pkg/logger"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load(".env")
	addrVal, dbVal, cfgVal, setFlags := config.ParseCommandFlags()

	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])
	cfg, envUsed, err := config.LoadEffective(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Flags win over config and env when explicitly set.
	addr := cfg.Addr()
	if setFlags["addr"] {
		addr = addrVal
	}
	dataDir := dbVal
	if !setFlags["db"] && cfg.Storage.DBPath != "" {
		dataDir = cfg.Storage.DBPath
	}
	dbPath := filepath.Join(dataDir, "log")
	indexPath := cfg.Search.IndexPath
	if indexPath == "" {
		indexPath = filepath.Join(dataDir, "index")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		log.Fatalf("failed to create data dir %s: %v", dataDir, err)
	}

	logger.InitWithLevel(cfg.Logging.Level)
	logger.Info("config_loaded", "path", cfgPath, "env_overrides", envUsed)

	a, err := app.New(cfg, addr, dbPath, indexPath, version, buildDate)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
