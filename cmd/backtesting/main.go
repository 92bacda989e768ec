package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/backtesting/internal/backtesting/application"
	"github.com/wyfcoding/backtesting/internal/backtesting/domain"
	"github.com/wyfcoding/backtesting/internal/backtesting/infrastructure/marketdata"
	"github.com/wyfcoding/backtesting/internal/backtesting/infrastructure/persistence/mysql"
	"github.com/wyfcoding/backtesting/internal/backtesting/interfaces"
	"github.com/wyfcoding/pkg/app"
	"github.com/wyfcoding/pkg/config"
	"github.com/wyfcoding/pkg/database"
	"github.com/wyfcoding/pkg/logging"
	"github.com/wyfcoding/pkg/messagequeue/kafka"
	"github.com/wyfcoding/pkg/messagequeue/outbox"
	"github.com/wyfcoding/pkg/metrics"
	"github.com/wyfcoding/pkg/middleware"
)

// BootstrapName 服务唯一标识
const BootstrapName = "backtesting"

// Config 服务扩展配置
type Config struct {
	config.Config `mapstructure:",squash"`
	Backtesting   struct {
		WorkerCount        int    `mapstructure:"worker_count" toml:"worker_count"`
		QueueSize          int    `mapstructure:"queue_size" toml:"queue_size"`
		ScenarioCount      int    `mapstructure:"scenario_count" toml:"scenario_count"`
		SimWorkers         int    `mapstructure:"sim_workers" toml:"sim_workers"`
		KlineInterval      string `mapstructure:"kline_interval" toml:"kline_interval"`
		TradePageSize      int    `mapstructure:"trade_page_size" toml:"trade_page_size"`
		ScenarioSampleSize int    `mapstructure:"scenario_sample_size" toml:"scenario_sample_size"`
	} `mapstructure:"backtesting" toml:"backtesting"`
}

// AppContext 应用上下文
type AppContext struct {
	Config       *Config
	CmdService   *application.CommandService
	QueryService *application.QueryService
	HTTPHandler  *interfaces.HTTPHandler
	Metrics      *metrics.Metrics
}

func main() {
	if err := app.NewBuilder[*Config, *AppContext](BootstrapName).
		WithConfig(&Config{}).
		WithService(initService).
		WithGin(registerGin).
		WithGinMiddleware(
			middleware.CORS(),
			middleware.TimeoutMiddleware(30*time.Second),
		).
		Build().
		Run(); err != nil {
		slog.Error("service bootstrap failed", "error", err)
	}
}

func registerGin(e *gin.Engine, ctx *AppContext) {
	if ctx.Config.Server.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	api := e.Group("/api/v1")
	{
		ctx.HTTPHandler.RegisterRoutes(api)
	}
}

func initService(cfg *Config, m *metrics.Metrics) (*AppContext, func(), error) {
	bootLog := slog.With("module", "bootstrap")
	logger := logging.Default()

	// 1. 数据库
	dbWrapper, err := database.NewDB(cfg.Data.Database, cfg.CircuitBreaker, logger, m)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init db: %w", err)
	}
	db := dbWrapper.RawDB()

	// 自动迁移
	if err := db.AutoMigrate(
		&domain.BacktestRun{},
		&domain.Trade{},
		&domain.MonteCarloScenario{},
		&domain.MetricsSnapshot{},
		&outbox.Message{},
	); err != nil {
		return nil, nil, fmt.Errorf("failed to migrate tables: %w", err)
	}

	// 2. 消息队列 & Outbox
	producer := kafka.NewProducer(&cfg.MessageQueue.Kafka, logger, m)
	outboxMgr := outbox.NewManager(db, logger.Logger)
	outboxProc := outbox.NewProcessor(outboxMgr, func(ctx context.Context, topic, key string, payload []byte) error {
		return producer.PublishToTopic(ctx, topic, []byte(key), payload)
	}, 100, 5*time.Second)
	outboxProc.Start()

	// 3. 仓储与行情来源
	repo := mysql.NewBacktestRepository(db)
	source := marketdata.NewMySQLSource(db, cfg.Backtesting.KlineInterval)

	// 4. 编排器与服务
	publisher := outbox.NewPublisher(outboxMgr)
	orchestrator := application.NewOrchestrator(repo, source, publisher, logger.Logger, application.OrchestratorOptions{
		Workers:       cfg.Backtesting.WorkerCount,
		QueueSize:     cfg.Backtesting.QueueSize,
		ScenarioCount: cfg.Backtesting.ScenarioCount,
		SimWorkers:    cfg.Backtesting.SimWorkers,
	})
	orchestrator.Start()

	cmdService := application.NewCommandService(repo, orchestrator, publisher, logger.Logger)
	queryService := application.NewQueryService(repo, logger.Logger,
		cfg.Backtesting.TradePageSize, cfg.Backtesting.ScenarioSampleSize)

	// 5. Handler
	httpHandler := interfaces.NewHTTPHandler(cmdService, queryService)

	cleanup := func() {
		bootLog.Info("shutting down...")
		orchestrator.Stop()
		outboxProc.Stop()
		if producer != nil {
			producer.Close()
		}
		if sqlDB, err := db.DB(); err == nil && sqlDB != nil {
			sqlDB.Close()
		}
	}

	return &AppContext{
		Config:       cfg,
		CmdService:   cmdService,
		QueryService: queryService,
		HTTPHandler:  httpHandler,
		Metrics:      m,
	}, cleanup, nil
}
