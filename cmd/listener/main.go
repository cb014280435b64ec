package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/fillsync/internal/domain"
	"github.com/betbot/fillsync/internal/infrastructure/venueapi"
	"github.com/betbot/fillsync/internal/infrastructure/websocket"
	"github.com/betbot/fillsync/internal/ledger"
	"github.com/betbot/fillsync/internal/metrics"
	"github.com/betbot/fillsync/internal/poscache"
	"github.com/betbot/fillsync/internal/services"
	"github.com/betbot/fillsync/pkg/config"
	"github.com/betbot/fillsync/pkg/logger"
	"github.com/betbot/fillsync/pkg/shutdown"
)

const gracefulShutdownPeriod = 30 * time.Second

// snapshotSource 把 REST 客户端适配成对账引擎需要的快照来源
type snapshotSource struct {
	client     *venueapi.Client
	category   string
	settleCoin string
}

func (s snapshotSource) FetchPositions(ctx context.Context) ([]*domain.PositionSnapshot, error) {
	return s.client.FetchPositions(ctx, s.category, s.settleCoin)
}

func main() {
	configPath := flag.String("config", "", "配置文件路径（.yaml）")
	envFile := flag.String("env", ".env", "环境变量文件路径")
	flag.Parse()

	// .env 缺失不是错误（生产环境用真实环境变量）
	_ = godotenv.Load(*envFile)

	if *configPath == "" {
		if _, err := os.Stat("yml/config.yaml"); err == nil {
			*configPath = "yml/config.yaml"
		}
	}
	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		// 凭证/配置错误必须在任何连接尝试之前失败
		fmt.Fprintf(os.Stderr, "配置加载失败: %v\n", err)
		os.Exit(1)
	}
	config.SetConfigPath(*configPath)

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "日志初始化失败: %v\n", err)
		os.Exit(1)
	}
	logrus.Infof("fillsync 启动，ws=%s rest=%s", cfg.WSURL(), cfg.RESTURL())

	// 存储
	ledgerStore, err := ledger.Open(cfg.Stores.LedgerPath)
	if err != nil {
		logrus.Fatalf("账本打开失败: %v", err)
	}
	cache, err := poscache.Open(cfg.Stores.CachePath)
	if err != nil {
		logrus.Fatalf("仓位缓存打开失败: %v", err)
	}

	// 对账引擎
	epsilon, err := decimal.NewFromString(cfg.Reconcile.Epsilon)
	if err != nil {
		logrus.Fatalf("reconcile.epsilon 非法: %v", err)
	}
	alertThreshold, err := decimal.NewFromString(cfg.Reconcile.AlertThreshold)
	if err != nil {
		logrus.Fatalf("reconcile.alertThreshold 非法: %v", err)
	}
	restClient := venueapi.NewClient(cfg.RESTURL(), cfg.Venue.APIKey, cfg.Venue.APISecret, cfg.Venue.ProxyURL)
	reconciler := services.NewReconciler(services.ReconcilerConfig{
		Interval:       cfg.ReconcileInterval(),
		Epsilon:        epsilon,
		AlertThreshold: alertThreshold,
		Agents:         cfg.Reconcile.Agents,
	}, cache, snapshotSource{
		client:     restClient,
		category:   cfg.Reconcile.Category,
		settleCoin: cfg.Reconcile.SettleCoin,
	}, ledgerStore)

	// 启动对账：进程可能在离线期间错过成交，先用权威快照把缓存拉齐
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := reconciler.RunOnce(startupCtx); err != nil {
		logrus.Warnf("启动对账失败（继续启动，定时对账会补偿）: %v", err)
	}
	startupCancel()

	// 调试端口
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	if cfg.MetricsListenAddr != "" {
		if _, err := metrics.StartAsync(rootCtx, cfg.MetricsListenAddr); err != nil {
			logrus.Warnf("metrics 服务启动失败: %v", err)
		} else {
			logrus.Infof("metrics 服务已启动: %s", cfg.MetricsListenAddr)
		}
	}

	// 私有流
	topics := make([]string, 0, 3)
	if cfg.Streams.Execution {
		topics = append(topics, services.TopicExecution)
	}
	if cfg.Streams.Order {
		topics = append(topics, services.TopicOrder)
	}
	if cfg.Streams.Position {
		topics = append(topics, services.TopicPosition)
	}
	wsConfig := websocket.DefaultConfig()
	wsConfig.PingInterval = cfg.PingInterval()
	wsConfig.HeartbeatTimeout = cfg.HeartbeatTimeout()
	wsConfig.ProxyURL = cfg.Venue.ProxyURL
	wsClient := websocket.NewClient(cfg.WSURL(), websocket.Credentials{
		APIKey:    cfg.Venue.APIKey,
		APISecret: cfg.Venue.APISecret,
	}, topics, wsConfig)

	// 流水线
	updater := services.NewCacheUpdater(cache, cfg.ReorderWindow())
	retrier := services.NewStoreRetrier(services.Backoff{
		Min: time.Duration(cfg.Pipeline.RetryBackoffMinMs) * time.Millisecond,
		Max: time.Duration(cfg.Pipeline.RetryBackoffMaxMs) * time.Millisecond,
	}, time.Duration(cfg.Pipeline.StoreAttemptTimeout)*time.Second)
	pipeline := services.NewPipeline(wsClient, ledgerStore, updater, reconciler, retrier, cfg.Pipeline.QueueDepth)

	reconciler.Start(rootCtx)
	pipeline.Start(rootCtx)
	if err := wsClient.Start(rootCtx); err != nil {
		logrus.Fatalf("私有流连接失败: %v", err)
	}

	// 关闭顺序决定数据完整性：先停流，再排空流水线，最后关存储
	sm := shutdown.NewManager()
	sm.OnShutdown(func(ctx context.Context) {
		wsClient.Stop()
	})
	sm.OnShutdown(func(ctx context.Context) {
		pipeline.Stop(ctx)
	})
	sm.OnShutdown(func(ctx context.Context) {
		reconciler.Stop()
	})
	sm.OnShutdown(func(ctx context.Context) {
		if err := cache.Close(); err != nil {
			logrus.Errorf("仓位缓存关闭失败: %v", err)
		}
		if err := ledgerStore.Close(); err != nil {
			logrus.Errorf("账本关闭失败: %v", err)
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logrus.Infof("收到信号 %v，开始优雅关闭", sig)

	// rootCtx 要活到排空结束：先取消会让流水线把缓冲里的成交直接扔掉
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownPeriod)
	defer shutdownCancel()
	sm.Shutdown(shutdownCtx)
	rootCancel()
	logrus.Info("fillsync 已退出")
}
