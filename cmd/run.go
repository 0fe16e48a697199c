package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"AirbandBridge/cache"
	"AirbandBridge/config"
	"AirbandBridge/core/auth"
	"AirbandBridge/core/channel"
	"AirbandBridge/core/destination"
	"AirbandBridge/core/envelope"
	"AirbandBridge/core/matrix"
	"AirbandBridge/core/pipeline"
	"AirbandBridge/core/retry"
	"AirbandBridge/core/watcher"
	"AirbandBridge/db"
	"AirbandBridge/logger"
	"AirbandBridge/metrics"
	"AirbandBridge/model"
	"AirbandBridge/repository"
	"AirbandBridge/server"
	"AirbandBridge/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "启动桥接服务",
	Long:  `解析频点配置，预解析频点房间，然后监听录音目录并发布写完的录音，直到收到 SIGINT/SIGTERM。`,
	RunE:  runBridge,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}

	registry, err := channel.Load(cfg.AirbandConfigPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.RecordingsDir); err != nil {
		return fmt.Errorf("recordings directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := matrix.NewClient(matrix.Config{
		HomeserverURL: cfg.SynapseURL,
		User:          cfg.BotUser,
		Password:      cfg.BotPassword,
		JWTSecret:     cfg.BotJWTSecret,
		Domain:        cfg.MatrixDomain,
		Timeout:       cfg.RemoteTimeout,
	})
	if err := client.Login(ctx); err != nil {
		if !matrix.IsTransient(err) {
			return fmt.Errorf("matrix login: %w", err)
		}
		// 临时错误：首次调用时会再次登录
		logger.Warn("Matrix 登录失败，稍后重试", logger.ErrorField(err))
	}

	resolver := destination.NewResolver(client, openDestinationStore(cfg))
	resolver.SetSweepBackoff(cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	defer cache.CloseRedis()

	var archiver pipeline.Archiver
	if cfg.ArchiveEnabled() {
		a, err := storage.NewArchiver(ctx, cfg)
		if err != nil {
			logger.Warn("MinIO 不可用，不归档录音", logger.ErrorField(err))
		} else {
			archiver = a
		}
	}

	extractor := envelope.NewExtractor(envelope.Config{
		Buckets:      cfg.EnvelopeBuckets,
		WindowFrames: cfg.EnvelopeWindowFrames,
		Normalize:    cfg.EnvelopeNormalize,
	})

	p := pipeline.New(pipeline.Config{
		MaxConcurrent:     cfg.MaxConcurrentUploads,
		MinDuration:       cfg.MinAudioDuration,
		SkipDisabled:      cfg.SkipDisabledChannels,
		DeleteAfterUpload: cfg.DeleteAfterUpload,
		DeleteSkipped:     cfg.DeleteSkipped,
		Retry: retry.Policy{
			MaxAttempts:  cfg.PublishMaxAttempts,
			BaseDelay:    cfg.RetryBaseDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			JitterFactor: retry.DefaultJitterFactor,
			IsRetryable:  matrix.IsTransient,
		},
	}, pipeline.Deps{
		Channels:  registry,
		Extractor: extractor,
		Resolver:  resolver,
		Publisher: client,
		Archiver:  archiver,
	})

	tracker := pipeline.NewTracker(0)
	m := metrics.New(prometheus.DefaultRegisterer)
	hub := server.NewHub()
	hub.OnClientCount(m.SetWSClients)
	go hub.Run()
	defer hub.Stop()

	p.AddObserver(tracker)
	p.AddObserver(m)
	p.AddObserver(hub)

	history, closeLedger := openLedger(cfg, p)
	defer closeLedger()

	var bg sync.WaitGroup
	if cfg.StatusAddr != "" {
		status := server.New(server.Options{
			Addr: cfg.StatusAddr,
			Auth: auth.BasicAuth{
				User:         cfg.StatusUser,
				PasswordHash: cfg.StatusPasswordHash,
			},
			Channels:     registry,
			Destinations: resolver,
			Recordings:   tracker,
			History:      history,
			Metrics:      m,
			Gatherer:     prometheus.DefaultGatherer,
			Hub:          hub,
		})
		bg.Add(1)
		go func() {
			defer bg.Done()
			if err := status.ListenAndServe(ctx); err != nil {
				logger.Error("状态服务异常退出", logger.ErrorField(err))
			}
		}()
	}

	// 监听器启动前先绑定所有频点的房间
	if err := resolver.Sweep(ctx, registry.Eligible(cfg.SkipDisabledChannels)); err != nil {
		logger.Info("启动过程中收到退出信号", logger.ErrorField(err))
		bg.Wait()
		return nil
	}

	w := watcher.New(watcher.Config{
		Dir:          cfg.RecordingsDir,
		Extensions:   cfg.RecordingExtensions,
		QuietPeriod:  cfg.SettleQuietPeriod,
		PollInterval: cfg.SettlePollInterval,
	})
	w.OnTransition(p.Report)

	watchErr := make(chan error, 1)
	go func() { watchErr <- w.Run(ctx) }()

	logger.Info("桥接服务已启动",
		logger.String("recordings", cfg.RecordingsDir),
		logger.Strings("extensions", cfg.RecordingExtensions),
		logger.Int("channels", len(registry.Channels())),
		logger.String("bot", cfg.BotUserID()))

	runErr := p.Run(ctx, w.Settled())
	stop()
	err = <-watchErr

	logger.Info("等待进行中的录音处理完成")
	p.Wait()
	bg.Wait()
	logger.Info("桥接服务已退出")

	if runErr != nil {
		return runErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openDestinationStore Redis 不可用时退化为进程内缓存
func openDestinationStore(cfg *config.Config) destination.Store {
	if !cfg.RedisEnabled() {
		return nil
	}
	if err := cache.ConnectRedis(cfg); err != nil {
		logger.Warn("Redis 不可用，房间绑定只缓存在进程内", logger.ErrorField(err))
		return nil
	}
	logger.Info("Redis 已连接", logger.String("host", cfg.RedisHost))
	return cache.NewDestinationCache()
}

// openLedger 启用时注册台账观察者；返回的 close 会写完剩余记录
func openLedger(cfg *config.Config, p *pipeline.Pipeline) (repository.PublishRecordRepository, func()) {
	if !cfg.LedgerEnabled() {
		return nil, func() {}
	}
	if err := db.ConnectGormDB(cfg); err != nil {
		logger.Warn("MySQL 不可用，不记录发布台账", logger.ErrorField(err))
		return nil, func() {}
	}
	if err := db.AutoMigrateModels(&model.PublishRecord{}); err != nil {
		logger.Warn("发布台账建表失败", logger.ErrorField(err))
		db.CloseGormDB()
		return nil, func() {}
	}

	repo := repository.NewGormPublishRecordRepository(db.GormDB)
	ledger := repository.NewLedger(repo, 0)
	done := make(chan struct{})
	go func() {
		ledger.Run()
		close(done)
	}()
	p.AddObserver(ledger)

	return repo, func() {
		ledger.Close()
		<-done
		db.CloseGormDB()
	}
}
