package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mvlaskovic/interclear/internal/api"
	"github.com/mvlaskovic/interclear/internal/config"
	"github.com/mvlaskovic/interclear/internal/interbank"
	"github.com/mvlaskovic/interclear/internal/ledger"
	"github.com/mvlaskovic/interclear/internal/store"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	dbPool, err := store.Connect(ctx, cfg.DBSource)
	if err != nil {
		logger.Fatal("unable to connect to database", zap.Error(err))
	}
	defer dbPool.Close()

	dedup := store.NewDedup(cfg.RedisAddr, cfg.RedisPass)

	// Initialize Layers
	events := store.NewEventStore(dbPool, dedup, logger)
	svc := ledger.NewService(dbPool, logger)
	dispatcher := interbank.NewDispatcher(events, cfg.ForeignBankAPIKey, cfg.HTTPTimeout, logger)
	trading := interbank.NewTradingClient(cfg.TradingServiceURL, cfg.HTTPTimeout)
	engine := interbank.NewEngine(events, svc, trading, dispatcher, interbank.Settings{
		RoutingNumber:            cfg.RoutingNumber,
		ForeignBankRoutingNumber: cfg.ForeignBankRoutingNumber,
		InterbankTargetURL:       cfg.InterbankTargetURL,
	}, logger)
	dispatcher.BindOutcomes(engine)
	svc.BindOriginator(engine)

	handler := api.NewHandler(engine, svc, events, cfg.APIKey, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("port", cfg.Port),
			zap.String("routing_number", cfg.RoutingNumber))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	// Let in-flight deliveries record their outcome before the pool closes.
	dispatcher.Wait()
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
