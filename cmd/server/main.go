package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"securetrade/api/httpserver"
	"securetrade/config"
	"securetrade/domain/order"
	"securetrade/infra/kafka"
	"securetrade/infra/sequence"
	"securetrade/infra/tradelog"
	"securetrade/jobs/broadcaster"
	"securetrade/ledger"
	"securetrade/marketdata"
	"securetrade/risk"
	"securetrade/service"
)

func main() {
	configureLog(config.Env.EnvName)

	cfg, err := config.LoadConfig(config.Env.EnvName)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandler(cancel)

	// ---------------- Symbols ----------------

	symbols := make(map[string]order.Symbol, len(cfg.Symbols))
	limits := make(map[string]risk.SymbolLimits, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[s.Name] = order.Symbol{Name: s.Name, Base: s.Base, Quote: s.Quote}
		limits[s.Name] = risk.SymbolLimits{MaxPosition: s.MaxPosition, MaxOrderSize: s.MaxOrderSize}
	}

	// ---------------- Ledger & market data ----------------

	wallets := ledger.New()
	prices := marketdata.New()

	// ---------------- Risk ----------------

	gate := risk.NewGate(risk.Config{
		Limits:            limits,
		MaxDailyOrders:    cfg.Risk.MaxDailyOrders,
		MaxDailyVolume:    cfg.Risk.MaxDailyVolume,
		MaxPriceDeviation: cfg.Risk.MaxPriceDeviation,
	}, symbols, wallets, prices)

	// ---------------- Trade log ----------------

	tradeLog, err := tradelog.Open(cfg.TradeLog.Dir)
	if err != nil {
		log.Fatalf("tradelog init failed: %v", err)
	}
	defer tradeLog.Close()

	// ---------------- Kafka ----------------

	var events *kafka.Producer
	if cfg.Kafka.Enabled {
		events = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.OrderTopic)
		defer events.Close()

		bc, err := broadcaster.New(tradeLog, cfg.Kafka.Brokers, cfg.Kafka.TradeTopic, cfg.Kafka.DrainInterval)
		if err != nil {
			log.Fatalf("broadcaster init failed: %v", err)
		}
		defer bc.Close()
		bc.Start(ctx)
	}

	// ---------------- Engine ----------------

	svc := service.NewOrderService(
		symbols,
		wallets,
		gate,
		sequence.New(0),
		tradeLog,
		events,
		service.Options{
			FeeRate:  cfg.Engine.FeeRate,
			LockWait: cfg.Engine.LockWait,
		},
	)
	svc.Start(ctx)
	defer svc.Shutdown()

	// ---------------- HTTP ----------------

	app := httpserver.New(svc, prices).SetupApp()
	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	log.Infof("securetrade engine listening on %s", cfg.Server.Listen)
	if err := app.Listen(cfg.Server.Listen); err != nil {
		log.Errorf("http server exited: %v", err)
	}
}

func configureLog(envName config.EnvName) {
	log.SetOutput(os.Stdout)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
	if envName == config.EnvLocal || envName == config.EnvDev {
		log.SetLevel(log.DebugLevel)
	}
}

func setupSignalHandler(cancel context.CancelFunc) {
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigC
		log.Info("shutdown signal received")
		cancel()
	}()
}
