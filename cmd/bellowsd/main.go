package main

import (
	"log"
	"os"

	"github.com/emberworks/bellows/internal/api"
	"github.com/emberworks/bellows/internal/config"
	"github.com/emberworks/bellows/internal/engine"
	"github.com/emberworks/bellows/internal/handler"
	"github.com/emberworks/bellows/internal/journal"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	workers := cfg.Workers
	if cfg.Inline {
		workers = 0
	}

	logger.Info("bellows: starting",
		"listen_addr", cfg.ListenAddr,
		"workers", workers,
		"journal_dsn", cfg.JournalDSN,
	)

	jour, err := journal.NewSQLite(cfg.JournalDSN)
	if err != nil {
		log.Fatalf("failed to open journal: %v", err)
	}
	defer jour.Close()

	reg := handler.NewRegistry()
	registerDiagnostics(reg)

	eng := engine.NewEngine(workers, reg, jour, logger)
	defer eng.Destroy()

	srv := api.NewServer(cfg.ListenAddr, eng, jour, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
