package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wisefido-canister/common/database"
	mqttcommon "wisefido-canister/common/mqtt"
	rediscommon "wisefido-canister/common/redis"
	"wisefido-canister/internal/addressing"
	"wisefido-canister/internal/config"
	"wisefido-canister/internal/consumer"
	"wisefido-canister/internal/document"
	"wisefido-canister/internal/httpapi"
	"wisefido-canister/internal/lifecycle"
	"wisefido-canister/internal/reconcile"
	"wisefido-canister/internal/repository"
)

const shutdownTimeout = 10 * time.Second

// CanisterService 药罐对账服务
type CanisterService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client
	repo        *repository.CatalogRepository
	engine      *reconcile.Engine
	lifecycle   *lifecycle.Service
	consumer    *consumer.StationConsumer
	server      *http.Server
}

// NewCanisterService 创建药罐对账服务（连接 PostgreSQL / Redis / MQTT）
func NewCanisterService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*CanisterService, error) {
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(ctx, redisClient); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
	if err != nil {
		_ = rediscommon.Close(redisClient)
		_ = database.Close(db)
		return nil, fmt.Errorf("failed to connect to mqtt: %w", err)
	}

	s := newCanisterService(cfg, logger, db, redisClient, mqttClient)
	s.mqttClient = mqttClient
	return s, nil
}

// newCanisterService 在已建立的连接上组装各组件
func newCanisterService(cfg *config.Config, logger *zap.Logger, db *sql.DB, redisClient *redis.Client, subscriber consumer.Subscriber) *CanisterService {
	repo := repository.NewCatalogRepository(db, logger)

	store := document.NewRedisStore(redisClient, logger)
	writer := document.NewWriter(store, cfg.Canister.MaxCommitAttempts, cfg.Canister.RetryBackoff, logger)
	engine := reconcile.NewEngine(reconcile.NewCatalogStore(repo), writer, reconcile.Options{
		DocumentKeyPrefix:  cfg.Canister.DocumentKeyPrefix,
		SlotsPerPCB:        cfg.Canister.SlotsPerPCB,
		RestingDrawerLevel: cfg.Canister.RestingDrawerLevel,
		EmptyRFID:          cfg.Canister.EmptyRFID,
	}, logger)

	lc := lifecycle.NewService(lifecycle.RepositoryTx(repo), engine, logger)

	stationConsumer := consumer.NewStationConsumer(
		cfg,
		subscriber,
		redisClient,
		addressing.NewResolver(repo, cfg.Canister.SlotsPerPCB),
		engine.Locations(),
		engine,
		logger,
	)

	handler := httpapi.NewHandler(engine, lc, repo, logger)
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &CanisterService{
		config:      cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		repo:        repo,
		engine:      engine,
		lifecycle:   lc,
		consumer:    stationConsumer,
		server:      server,
	}
}

// Handler HTTP 路由
func (s *CanisterService) Handler() http.Handler {
	return s.server.Handler
}

// Start 启动 HTTP 服务与工位事件消费者，阻塞到 ctx 取消或任一组件失败
func (s *CanisterService) Start(ctx context.Context) error {
	s.logger.Info("Starting canister service",
		zap.String("http_addr", s.config.HTTP.Addr),
		zap.String("station_topic", s.config.Canister.Topics.Station),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.consumer.Start(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Stop 停止服务并释放连接
func (s *CanisterService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping canister service")

	if err := s.consumer.Stop(ctx); err != nil {
		s.logger.Error("Failed to stop station consumer", zap.Error(err))
	}
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shutdown http server", zap.Error(err))
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if err := rediscommon.Close(s.redisClient); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
	return nil
}
