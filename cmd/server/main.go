package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/block-reserve/internal/adapter/gateway"
	"github.com/rl1809/block-reserve/internal/adapter/handler"
	"github.com/rl1809/block-reserve/internal/adapter/messaging"
	"github.com/rl1809/block-reserve/internal/adapter/storage"
	"github.com/rl1809/block-reserve/internal/config"
	"github.com/rl1809/block-reserve/internal/core/service"
	"github.com/rl1809/block-reserve/internal/port"
	"github.com/rl1809/block-reserve/pkg/logging"
	"github.com/rl1809/block-reserve/pkg/shutdown"
)

type repositories interface {
	port.StockRepository
	port.ReservationRepository
	port.FaultRepository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	// Storage
	var repo repositories
	switch cfg.Storage {
	case config.StorageMySQL:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			log.Error("mysql open failed", "err", err)
			os.Exit(1)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		defer db.Close()

		if err := db.PingContext(ctx); err != nil {
			log.Error("mysql ping failed", "err", err)
			os.Exit(1)
		}
		mysqlAdapter := storage.NewMySQLAdapter(db)
		if err := mysqlAdapter.Migrate(ctx); err != nil {
			log.Error("mysql migrate failed", "err", err)
			os.Exit(1)
		}
		log.Info("connected to mysql")
		repo = mysqlAdapter
	default:
		log.Warn("using in-memory storage; data is lost on restart")
		repo = storage.NewMemoryAdapter()
	}

	// Redis is optional: without it notifications are not deduplicated by
	// event id and listings are read straight from storage.
	var cache port.CacheRepository
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, PoolSize: 100})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unavailable, running without cache", "addr", cfg.RedisAddr, "err", err)
	} else {
		cache = storage.NewRedisAdapter(rdb, cfg.CacheTTL)
		log.Info("connected to redis", "addr", cfg.RedisAddr)
	}

	// Events
	var events port.EventPublisher
	switch cfg.EventsBackend {
	case config.EventsKafka:
		publisher := messaging.NewKafkaPublisher(messaging.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		defer publisher.Close()
		events = publisher
		log.Info("publishing events to kafka", "topic", cfg.KafkaTopic)
	case config.EventsRabbitMQ:
		conn, ch, err := messaging.SetupAMQP(log, cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Error("rabbitmq setup failed", "err", err)
			os.Exit(1)
		}
		defer conn.Close()
		publisher := messaging.NewRabbitMQPublisher(ch, cfg.AMQPExchange)
		defer publisher.Close()
		events = publisher
		log.Info("publishing events to rabbitmq", "exchange", cfg.AMQPExchange)
	}

	var relay *service.EventRelay
	if events != nil {
		relay = service.NewEventRelay(log, events, cfg.RelayQueue, 5*time.Second)
		relay.Start(cfg.RelayWorkers)
		events = relay
	}

	// Services
	pay := gateway.NewStripeGateway(gateway.Config{
		BaseURL:           cfg.GatewayBaseURL,
		APIKey:            cfg.GatewayAPIKey,
		WebhookSecret:     cfg.GatewayWebhookSecret,
		Tolerance:         cfg.WebhookTolerance,
		MaxNetworkRetries: 1,
		Logger:            log,
	})

	ledger := service.NewStockLedger(log, repo, cache)
	reservations := service.NewReservationStore(log, repo, ledger)
	confirmer := service.NewPaymentConfirmer(log, reservations, ledger, repo, events, cfg.DecrementTimeout)
	dispatcher := service.NewConfirmationDispatcher(log, confirmer, reservations, pay, cache)
	catalog := service.NewStockCatalog(log, repo, repo, cache)
	checkout := service.NewCheckoutService(log, repo, repo, pay, service.CheckoutConfig{
		Currency:   cfg.Currency,
		SuccessURL: cfg.CheckoutSuccessURL(),
		CancelURL:  cfg.CheckoutCancelURL(),
	})

	verifier := handler.NewTokenVerifier(cfg.JWTSecret)

	// gRPC admin server
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(verifier.AuthInterceptor()))
	handler.RegisterAdminServer(grpcServer, handler.NewGRPCHandler(log, dispatcher, catalog))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Error("grpc listen failed", "addr", cfg.GRPCAddr, "err", err)
		os.Exit(1)
	}

	// HTTP server
	httpHandler := handler.NewHTTPHandler(log, catalog, reservations, checkout, dispatcher, verifier)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpHandler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gRPC server listening", "addr", cfg.GRPCAddr)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		log.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		confirmer.RunSweeper(gctx, cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", "err", err)
		}
		log.Info("HTTP server stopped")

		grpcServer.GracefulStop()
		log.Info("gRPC server stopped")
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", "err", err)
	}

	if relay != nil {
		relay.Close()
		log.Info("event relay drained")
	}
	log.Info("block-reserve shutdown complete")
}
