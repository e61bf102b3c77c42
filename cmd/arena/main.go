package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nexusarena/arena/params"
	"github.com/nexusarena/arena/pkg/api"
	"github.com/nexusarena/arena/pkg/exchange"
	"github.com/nexusarena/arena/pkg/journal"
	"github.com/nexusarena/arena/pkg/util"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg := params.Default()
	if *configPath != "" {
		var err error
		cfg, err = params.LoadFile(*configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	cfg = params.LoadFromEnv(cfg, "")
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	var logger *zap.Logger
	var err error
	if cfg.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.LogLevel, cfg.LogFile)
	} else {
		logger, err = util.NewLogger(cfg.LogLevel)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting exchange",
		zap.String("symbol", cfg.Market.Symbol),
		zap.Int("total_rounds", cfg.Tournament.TotalRounds),
		zap.Duration("round_duration", cfg.Tournament.RoundDuration))

	x := exchange.New(cfg, logger, util.RealClock{})

	// Every broadcast frame also lands in the append-only journal.
	if cfg.JournalPath != "" {
		jnl, err := journal.Open(cfg.JournalPath)
		if err != nil {
			logger.Fatal("open journal", zap.String("path", cfg.JournalPath), zap.Error(err))
		}
		defer jnl.Close()
		x.Subscribe(jnl)
	}

	server := api.NewServer(cfg.Server, x, logger)
	serverErrs := server.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go x.Run(ctx)

	select {
	case err := <-serverErrs:
		logger.Error("listener failed", zap.Error(err))
		stop()
		<-x.Done()
	case <-x.Done():
		// Tournament complete or interrupt finalized.
	}
	logger.Info("exchange stopped")
}
