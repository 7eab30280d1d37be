package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"hourbank/auth"
	"hourbank/config"
	"hourbank/db"
	"hourbank/exchange"
	"hourbank/ledger"
	"hourbank/listing"
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

	server := &Server{
		exchangeService: exchangeService,
		ledgerService:   settler,
		authService:     auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret),
		pool:            pool,
		log:             log,
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("listen", cfg.HTTP.Listen).Info("exchange engine listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
	log.Info("exchange engine stopped")
}
