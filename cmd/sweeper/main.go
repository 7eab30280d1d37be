package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"hourbank/config"
	"hourbank/db"
	"hourbank/exchange"
	"hourbank/ledger"
	"hourbank/listing"
	"hourbank/scheduler"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		log.WithError(err).Fatal("bootstrap database pool")
	}
	defer pool.Close()

	settler := ledger.New(ledger.Policy{
		AllowNegative: cfg.Ledger.AllowNegative,
		Floor:         decimal.NewFromFloat(cfg.Ledger.Floor),
	})
	catalog := listing.NewRepository(pool)
	exchangeService := exchange.NewService(pool, nil, catalog, settler, exchange.Config{
		Tolerance:               decimal.NewFromFloat(cfg.Exchange.Tolerance),
		Granularity:             decimal.NewFromFloat(cfg.Exchange.Granularity),
		MaxHours:                decimal.NewFromFloat(cfg.Exchange.MaxHours),
		MaxHoursWithoutApproval: decimal.NewFromFloat(cfg.Exchange.MaxHoursWithoutApproval),
		RequestTTL:              cfg.Exchange.RequestTTL.Std(),
		ConfirmDeadline:         cfg.Exchange.ConfirmDeadline.Std(),
	})

	sched, err := scheduler.New(exchangeService, cfg.Scheduler.SweepSpec, log)
	if err != nil {
		log.WithError(err).Fatal("build scheduler")
	}

	sched.Start()
	defer sched.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down sweeper")
}
