package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/rl1809/pipe-storage/internal/adapter/handler"
	"github.com/rl1809/pipe-storage/internal/adapter/storage"
	"github.com/rl1809/pipe-storage/internal/config"
	"github.com/rl1809/pipe-storage/internal/core/service"
	"github.com/rl1809/pipe-storage/internal/port"
	"github.com/rl1809/pipe-storage/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC APIs and the notification relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, log, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(conf, log)
		},
	}
}

func serve(conf *config.Configuration, log *logrus.Entry) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openStore(ctx, conf, log)
	if err != nil {
		return err
	}
	defer closeStore()

	rdb := redis.NewClient(&redis.Options{
		Addr:     conf.RedisAddr,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()
	log.WithField("addr", conf.RedisAddr).Info("connected to redis")

	redisAdapter := storage.NewRedisAdapter(rdb, conf.IdempotencyTTL, conf.Relay.Stream)
	engine := service.NewEngine(store, service.WithLogger(log.WithField("component", "engine")))

	var wg sync.WaitGroup
	if conf.Relay.Enabled {
		relay, err := worker.NewNotificationRelay(store, redisAdapter, worker.RelayOptions{
			PollInterval: conf.Relay.PollInterval,
			BatchSize:    conf.Relay.BatchSize,
			Logger:       log.WithField("component", "relay"),
		})
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("relay exited")
			}
		}()
	}

	grpcServer := grpc.NewServer()
	handler.RegisterGRPCHandler(grpcServer, handler.NewGRPCHandler(engine, redisAdapter, log.WithField("component", "grpc")))

	lis, err := net.Listen("tcp", conf.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen %s: %w", conf.GRPCPort, err)
	}
	go func() {
		log.WithField("addr", conf.GRPCPort).Info("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil {
			log.WithError(err).Error("gRPC server error")
		}
	}()

	router := mux.NewRouter()
	handler.NewHTTPHandler(engine, redisAdapter, log.WithField("component", "http")).Register(router)
	router.Handle(conf.MetricsPath, promhttp.Handler()).Methods(http.MethodGet)

	httpServer := &http.Server{
		Addr:              conf.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("addr", conf.HTTPPort).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown")
	}
	log.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	log.Info("gRPC server stopped")

	cancel()
	wg.Wait()
	log.Info("relay stopped")
	return nil
}

// openStore returns the configured store and a func releasing it.
func openStore(ctx context.Context, conf *config.Configuration, log *logrus.Entry) (port.Store, func(), error) {
	if conf.StoreDriver == config.DriverMemory {
		log.Warn("using the in-memory store; state is lost on exit")
		return storage.NewMemoryStore(), func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	db, err := storage.OpenMySQL(connectCtx, conf.MySQLDSN)
	if err != nil {
		return nil, nil, err
	}
	log.Info("connected to mysql")

	if conf.MigrateOnStart {
		if err := storage.Migrate(ctx, db.DB, log.WithField("component", "migrate")); err != nil {
			db.Close()
			return nil, nil, err
		}
	}
	return storage.NewMySQLAdapter(db), func() { db.Close() }, nil
}
