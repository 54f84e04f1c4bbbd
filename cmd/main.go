package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"metachat/chatroom-service/internal/config"
	"metachat/chatroom-service/internal/fanout"
	grpcServer "metachat/chatroom-service/internal/grpc"
	"metachat/chatroom-service/internal/httpapi"
	"metachat/chatroom-service/internal/realtime"
	"metachat/chatroom-service/internal/repository"
	"metachat/chatroom-service/internal/service"
	"metachat/chatroom-service/internal/storage"

	pb "github.com/kegazani/metachat-proto/chat"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := config.NewLogger(cfg.Logging)

	repos, closeStore, err := openStore(cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer closeStore()

	blobs, static, err := openAttachments(cfg.Attachments)
	if err != nil {
		logger.Fatalf("Failed to open attachment storage: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	hub := realtime.NewHub(cfg.HTTP.WSBuffer, logger)
	var registry fanout.Registry = hub
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatalf("Failed to ping redis: %v", err)
		}
		registry = realtime.NewRedisRegistry(rdb, cfg.Redis.ChannelPrefix)

		relay := realtime.NewRelay(rdb, hub, cfg.Redis.ChannelPrefix, logger)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.WithError(err).Error("Redis relay stopped")
			}
		}()
		logger.Info("Redis fanout enabled")
	}

	router := fanout.NewRouter(registry, logger)
	cascader := service.NewCascader(repos.Chats, blobs, logger)
	chatService := service.NewChatService(repos, cascader, router, service.Options{
		MaxGroupSize: cfg.Chat.MaxGroupSize,
		SearchLimit:  cfg.Chat.SearchLimit,
	}, logger)

	// gRPC
	grpcSrv := grpcServer.NewChatServer(chatService, logger)
	address := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	lis, err := net.Listen("tcp", address)
	if err != nil {
		logger.Fatalf("Failed to listen on %s: %v", address, err)
	}

	s := grpc.NewServer()
	pb.RegisterChatServiceServer(s, grpcSrv)

	if cfg.GRPC.ReflectionEnabled {
		reflection.Register(s)
		logger.Info("gRPC reflection enabled")
	}

	go func() {
		logger.Infof("Starting gRPC server on %s", address)
		if err := s.Serve(lis); err != nil {
			logger.Fatalf("Failed to start gRPC server: %v", err)
		}
	}()

	// HTTP + websocket
	handler := httpapi.NewHandler(chatService, blobs, hub, httpapi.HandlerOptions{
		MaxFiles: cfg.Attachments.MaxFiles,
		MaxBytes: cfg.Attachments.MaxBytes,
	}, logger)
	engine := httpapi.NewRouter(handler, httpapi.RouterOptions{
		JWTSecret: []byte(cfg.Auth.JWTSecret),
		Static:    static,
	}, logger)
	httpSrv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.HTTP.Port),
		Handler:      engine,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Infof("Starting HTTP server on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down servers...")
	stop()

	shutdownTimeout := cfg.GRPC.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 10 * time.Second
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	hub.Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown failed")
	}

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("gRPC server exited gracefully")
	case <-shutdownCtx.Done():
		logger.Info("gRPC server shutdown timeout")
	}

	logger.Info("Server exited")
}

func openStore(cfg config.DatabaseConfig, logger *logrus.Logger) (service.Repositories, func(), error) {
	if cfg.Driver == "memory" {
		logger.Warn("Using in-memory store, data is lost on exit")
		mem := repository.NewMemoryStore()
		return service.Repositories{Chats: mem, Messages: mem, Users: mem}, func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return service.Repositories{}, nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return service.Repositories{}, nil, err
	}
	logger.Info("Connected to PostgreSQL database")

	chatRepo := repository.NewChatRepository(db)
	if err := chatRepo.InitializeTables(); err != nil {
		db.Close()
		return service.Repositories{}, nil, err
	}

	return service.Repositories{
		Chats:    chatRepo,
		Messages: repository.NewMessageRepository(db),
		Users:    repository.NewUserRepository(db),
	}, func() { db.Close() }, nil
}

func openAttachments(cfg config.AttachmentsConfig) (storage.Storage, http.FileSystem, error) {
	if cfg.Backend == "s3" {
		blobs, err := storage.NewS3(storage.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Prefix:    cfg.S3.Prefix,
			PublicURL: cfg.PublicURL,
		})
		return blobs, nil, err
	}

	local, err := storage.NewLocal(afero.NewOsFs(), cfg.Dir, cfg.PublicURL)
	if err != nil {
		return nil, nil, err
	}
	return local, local.FileSystem(), nil
}
