package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"wallet-ledger/internal/event"
	"wallet-ledger/internal/handler"
	"wallet-ledger/internal/repository"
	"wallet-ledger/internal/server"
	"wallet-ledger/internal/service"
	"wallet-ledger/internal/service/coordinator"
	"wallet-ledger/internal/service/ledger"
	"wallet-ledger/internal/service/mq"
	"wallet-ledger/internal/service/propagator"
	"wallet-ledger/internal/service/wallet"
	"wallet-ledger/internal/worker"
	"wallet-ledger/internal/worker/tasks"
	"wallet-ledger/pkg/cache"
	"wallet-ledger/pkg/config"
	"wallet-ledger/pkg/database"
	"wallet-ledger/pkg/logger"
	"wallet-ledger/pkg/utils/lock"
	"wallet-ledger/pkg/validator"
)

func main() {
	// 0. 初始化 Config
	config.Init()
	cfg := config.Global

	validator.Init()

	// 1. 初始化 Logger
	logger.Init(cfg.App.Env)
	defer logger.Sync()

	// 2. 连接数据库 (上游记录库, 只读) 和 Redis
	db, err := database.ConnectPostgres(cfg.DB.DSN(), cfg.App.Env)
	if err != nil {
		logger.Fatal("数据库连接失败", zap.Error(err))
	}
	rdb, err := database.ConnectRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Redis 连接失败", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. 账本计算
	records := repository.NewRecordRepository(db)
	calc, err := ledger.NewFromConfig(cfg.Ledger, records)
	if err != nil {
		logger.Fatal("账本配置错误", zap.Error(err))
	}

	// 4. 缓存协调器, L1 内存 + L2 Redis 保存 last-good 快照
	cacheOpts := coordinator.OptionsFromConfig(cfg.Cache)
	snapshots := cache.NewMultiLevelCache(
		cache.NewMemoryCache(cacheOpts.TTL, 5*time.Minute),
		cache.NewRedisCache(rdb, "ledger:"),
		cacheOpts.TTL,
	)
	coord := coordinator.New(calc, snapshots, cacheOpts)
	bus := event.NewBus(64)
	engine := wallet.NewEngine(coord, calc, bus)
	defer engine.Close()

	// 5. 消息队列; 每个实例的缓存都在本进程内, 变更通知必须送到所有实例
	instance := cfg.MQ.Instance
	if instance == "" {
		instance = instanceToken()
	}
	var producer mq.Producer
	var consumer mq.Consumer
	if cfg.MQ.Type == "kafka" {
		logger.Info("使用 Kafka 作为消息队列...")
		producer = mq.NewKafkaProducer(cfg.Kafka.Brokers)
		consumer = mq.NewKafkaConsumer(cfg.Kafka.Brokers, config.InstanceGroup(cfg.Kafka.GroupID, instance))
	} else {
		logger.Info("使用 Redis Streams 作为消息队列...")
		producer = mq.NewRedisProducer(rdb, 100000)
		rc := mq.NewRedisConsumer(rdb, config.InstanceGroup(cfg.MQ.Group, instance), instance)
		if cfg.MQ.Instance == "" {
			// 生成的组名重启后不再使用, 退出时删掉
			rc.DestroyGroupOnExit()
		}
		consumer = rc
	}
	defer consumer.Close()

	// 6. 重算: 开启 worker 时交给 asynq, 否则在本进程后台执行
	var refresher propagator.Refresher = coord
	if cfg.Worker.Enabled {
		client := worker.NewClient(cfg.Redis)
		defer client.Close()
		refresher = client

		workerServer := worker.NewServer(cfg.Redis, cfg.Worker.Concurrency, tasks.NewRecomputeHandler(coord, bus))
		workerServer.Start()
		defer workerServer.Stop()
	}

	// 7. 变更通知
	propOpts := propagator.OptionsFromConfig(cfg.Propagator)
	prop := propagator.New(consumer, coord, refresher, bus, propOpts)
	if cfg.Propagator.Enabled {
		prop.Start(ctx)
	}
	if cfg.Propagator.UpdatesTopic != "" {
		go propagator.NewForwarder(bus, producer, cfg.Propagator.UpdatesTopic).Run(ctx)
	}
	if cfg.Propagator.RelayEnabled {
		locker := lock.NewRedisLock(rdb, instanceToken())
		go service.NewRelayService(db, producer, locker, propOpts.Topic).Start(ctx)
	}

	// 8. 定时任务: 刷新活跃用户, 同步物料单价
	cronService := service.NewCronService(coord, records, calc.Rates(), cfg.Cache.RefreshInterval, cfg.Ledger.RateSyncInterval)
	if err := cronService.Start(); err != nil {
		logger.Fatal("定时任务启动失败", zap.Error(err))
	}
	defer cronService.Stop()
	if cfg.Ledger.RateSyncInterval > 0 {
		go cronService.SyncMaterialRates()
	}

	// 9. HTTP + gRPC
	r := server.NewHTTPRouter(handler.NewWalletHandler(engine))
	grpcServer, healthServer := server.NewGRPCServer()

	app, err := server.New(server.Config{
		HttpPort: cfg.App.HttpPort,
		GrpcPort: cfg.App.GrpcPort,
	}, r, grpcServer, healthServer)
	if err != nil {
		logger.Fatal("应用启动失败", zap.Error(err))
	}

	// 运行 (阻塞)
	app.Run()

	cancel()
	prop.Wait()

	logger.Info("正在关闭数据库连接...")
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	rdb.Close()
	logger.Info("系统已退出")
}

func instanceToken() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
}
