// ExecutionService 主程序
// 功能：消费已审批交易信号，管理订单全生命周期（提交、成交、撤单），
// 通过券商抽象对接模拟盘或实盘网关
// 架构：基于 DDD + Kafka + MySQL + 可插拔券商
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/orderexecution/internal/execution/application"
	"github.com/wyfcoding/orderexecution/internal/execution/domain"
	"github.com/wyfcoding/orderexecution/internal/execution/infrastructure/broker/live"
	"github.com/wyfcoding/orderexecution/internal/execution/infrastructure/broker/paper"
	"github.com/wyfcoding/orderexecution/internal/execution/infrastructure/messaging"
	"github.com/wyfcoding/orderexecution/internal/execution/infrastructure/persistence/mysql"
	"github.com/wyfcoding/orderexecution/internal/execution/infrastructure/portfolio"
	httphandler "github.com/wyfcoding/orderexecution/internal/execution/interfaces/http"
	"github.com/wyfcoding/orderexecution/pkg/cache"
	"github.com/wyfcoding/orderexecution/pkg/config"
	"github.com/wyfcoding/orderexecution/pkg/db"
	"github.com/wyfcoding/orderexecution/pkg/logger"
	"github.com/wyfcoding/orderexecution/pkg/metrics"
	"github.com/wyfcoding/orderexecution/pkg/middleware"
	"github.com/wyfcoding/orderexecution/pkg/mq"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	// 1. 加载配置
	configPath := "configs/execution/config.toml"
	if v := os.Getenv("APP_CONFIG_PATH"); v != "" {
		configPath = v
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	loggerCfg := logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
		WithCaller: cfg.Logger.WithCaller,
	}
	if err := logger.Init(loggerCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	logger.Info(ctx, "Starting ExecutionService",
		"service", cfg.ServiceName,
		"version", cfg.Version,
		"environment", cfg.Environment,
		"broker_mode", cfg.Broker.Mode,
	)

	// 3. 初始化数据库
	dbCfg := db.Config{
		Driver:             cfg.Database.Driver,
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		MaxIdleConns:       cfg.Database.MaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		LogEnabled:         cfg.Database.LogEnabled,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	}
	database, err := db.Init(dbCfg)
	if err != nil {
		logger.Fatal(ctx, "Failed to initialize database", "error", err)
	}
	defer database.Close()

	// 4. 初始化 Redis（可选，仅用于跨重启的成交幂等窗口）
	var dedupStore application.DedupStore
	if cfg.Redis.Enabled {
		redisCfg := cache.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxPoolSize:  cfg.Redis.MaxPoolSize,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}
		redisCache, err := cache.New(redisCfg)
		if err != nil {
			logger.Fatal(ctx, "Failed to initialize Redis", "error", err)
		}
		defer redisCache.Close()
		dedupStore = redisCache
	}

	// 5. 初始化 Kafka
	kafkaCfg := mq.KafkaConfig{
		Brokers:        cfg.Kafka.Brokers,
		GroupID:        cfg.Kafka.GroupID,
		SessionTimeout: cfg.Kafka.SessionTimeout,
		MaxRetries:     cfg.Kafka.MaxRetries,
		RetryBackoff:   cfg.Kafka.RetryBackoff,
	}
	producer, err := mq.NewProducer(kafkaCfg)
	if err != nil {
		logger.Fatal(ctx, "Failed to create Kafka producer", "error", err)
	}
	defer producer.Close()

	consumer, err := mq.NewConsumer(kafkaCfg, cfg.Signals.Topic)
	if err != nil {
		logger.Fatal(ctx, "Failed to create Kafka consumer", "error", err)
	}

	// 6. 初始化券商
	brk := createBroker(cfg)
	defer brk.Close()

	// 7. 初始化仓储与领域协作方
	orderRepo := mysql.NewOrderRepository(database.DB)
	fillPublisher := messaging.NewKafkaFillPublisher(producer, cfg.Fills.Topic)
	portfolioClient := portfolio.NewClient(
		cfg.Portfolio.Endpoint,
		time.Duration(cfg.Portfolio.Timeout)*time.Second,
		logger.Get(),
	)
	signalSource := messaging.NewKafkaSignalSource(
		consumer,
		time.Duration(cfg.Signals.PollTimeout)*time.Millisecond,
		logger.Get(),
	)

	// 8. 初始化指标
	metricsInstance := metrics.New(cfg.ServiceName)
	if err := metricsInstance.Register(); err != nil {
		logger.Fatal(ctx, "Failed to register metrics", "error", err)
	}
	if cfg.Metrics.Enabled {
		if err := metrics.StartHTTPServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			logger.Fatal(ctx, "Failed to start metrics HTTP server", "error", err)
		}
	}

	// 9. 初始化应用服务
	deduper := application.NewFillDeduper(
		cfg.Fills.DedupCapacity,
		dedupStore,
		time.Duration(cfg.Fills.DedupTTL)*time.Second,
		logger.Get(),
	)
	manager := application.NewOrderManager(
		brk, orderRepo, fillPublisher, portfolioClient,
		signalSource, deduper, metricsInstance, logger.Get(),
		application.Options{
			FillQueueSize: cfg.Fills.QueueSize,
			AccountID:     cfg.AccountID,
		},
	)
	queryService := application.NewOrderQueryService(orderRepo, brk, logger.Get())

	// 10. 启动订单管理器
	managerCtx, cancelManager := context.WithCancel(ctx)
	manager.Start(managerCtx)

	// 11. 创建 HTTP 服务器
	httpServer := createHTTPServer(cfg, manager, queryService)

	// 12. 创建 gRPC 服务器（健康检查 + 反射）
	grpcServer, healthServer := createGRPCServer(cfg)
	healthServer.SetServingStatus(cfg.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// 13. 启动 HTTP 服务器
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
		logger.Info(ctx, "Starting HTTP server", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "HTTP server error", "error", err)
		}
	}()

	// 14. 启动 gRPC 服务器
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			logger.Fatal(ctx, "Failed to listen on gRPC address", "error", err)
		}
		logger.Info(ctx, "Starting gRPC server", "addr", addr)
		if err := grpcServer.Serve(listener); err != nil {
			logger.Fatal(ctx, "gRPC server error", "error", err)
		}
	}()

	// 15. 优雅关停
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info(ctx, "Shutting down ExecutionService")
	healthServer.SetServingStatus(cfg.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// 先走 Stop 停止消费新信号并排空已入队成交，
	// 再取消上下文；顺序反过来会让事件循环提前退出
	manager.Stop()
	cancelManager()
	if err := signalSource.Close(); err != nil {
		logger.Error(ctx, "Signal source close error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "HTTP server shutdown error", "error", err)
	}
	grpcServer.GracefulStop()

	logger.Info(ctx, "ExecutionService stopped")
}

// createBroker 按配置选择模拟盘或实盘券商
func createBroker(cfg *config.Config) domain.Broker {
	if cfg.Broker.Mode == "live" {
		return live.NewBroker(live.Config{
			Endpoint:  cfg.Broker.LiveEndpoint,
			StreamURL: cfg.Broker.LiveStreamURL,
			APIKey:    cfg.Broker.LiveAPIKey,
			Timeout:   time.Duration(cfg.Broker.LiveTimeout) * time.Second,
		}, logger.Get())
	}
	return paper.New(paper.Config{
		MinDelay:        time.Duration(cfg.Broker.PaperMinDelay) * time.Millisecond,
		MaxDelay:        time.Duration(cfg.Broker.PaperMaxDelay) * time.Millisecond,
		Slippage:        cfg.Broker.PaperSlippage,
		PartialFillProb: cfg.Broker.PaperPartialFillProb,
		RejectProb:      cfg.Broker.PaperRejectProb,
	}, logger.Get())
}

// createHTTPServer 创建 HTTP 服务器
func createHTTPServer(cfg *config.Config, manager *application.OrderManager, query *application.OrderQueryService) *http.Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// 添加中间件
	router.Use(middleware.GinLoggingMiddleware())
	router.Use(middleware.GinRecoveryMiddleware())
	router.Use(middleware.GinCORSMiddleware())

	// 注册路由
	handler := httphandler.NewExecutionHandler(manager, query)
	handler.RegisterRoutes(&router.RouterGroup)

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}
}

// createGRPCServer 创建 gRPC 服务器
func createGRPCServer(cfg *config.Config) (*grpc.Server, *health.Server) {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			middleware.GRPCLoggingInterceptor(),
			middleware.GRPCRecoveryInterceptor(),
		),
		grpc.MaxConcurrentStreams(uint32(cfg.GRPC.MaxConcurrentStreams)),
	}

	server := grpc.NewServer(opts...)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)

	return server, healthServer
}
