package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/feedsync/internal/config"
	"github.com/hitoshi/feedsync/internal/database"
	"github.com/hitoshi/feedsync/internal/feed"
	"github.com/hitoshi/feedsync/internal/handler"
	"github.com/hitoshi/feedsync/internal/jobstore"
	"github.com/hitoshi/feedsync/internal/logger"
	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/middleware"
	"github.com/hitoshi/feedsync/internal/post"
	"github.com/hitoshi/feedsync/internal/repository"
	"github.com/hitoshi/feedsync/internal/security"
	"github.com/hitoshi/feedsync/internal/subscription"
	"github.com/hitoshi/feedsync/internal/user"
	"github.com/hitoshi/feedsync/internal/worker/cleanup"
	"github.com/hitoshi/feedsync/internal/worker/fetch"
	"github.com/hitoshi/feedsync/internal/worker/retry"
	"github.com/hitoshi/feedsync/internal/worker/scheduler"
	"github.com/hitoshi/feedsync/internal/worker/syncer"
)

// shutdownTimeout はHTTPサーバーのグレースフルシャットダウンの待機上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// deps はserveとworkerで共有する外部接続。
type deps struct {
	db    *sql.DB
	redis *redis.Client
	store *jobstore.RedisStore
}

func (d *deps) Close() {
	if d.redis != nil {
		d.redis.Close()
	}
	if d.db != nil {
		d.db.Close()
	}
}

// openDeps はPostgreSQLとRedisに接続し、疎通を確認する。
func openDeps(ctx context.Context, cfg *config.Config, log *slog.Logger) (*deps, error) {
	d := &deps{}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	d.db = db
	if err := db.PingContext(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	client, err := jobstore.NewRedisClient(cfg.RedisURL)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	d.redis = client
	d.store = jobstore.NewRedisStore(client, cfg.JobKeyPrefix, log)
	if err := d.store.Ping(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("job store connection established", slog.String("prefix", cfg.JobKeyPrefix))

	return d, nil
}

// runServe はAPIサーバーモードで起動する。
// ジョブの登録のみを行い、実行はworkerプロセスに任せる。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	d, err := openDeps(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	// リポジトリ
	userRepo := repository.NewPostgresUserRepo(d.db)
	feedRepo := repository.NewPostgresFeedRepo(d.db)
	subRepo := repository.NewPostgresSubscriptionRepo(d.db)
	postRepo := repository.NewPostgresPostRepo(d.db)
	linkRepo := repository.NewPostgresLinkRepo(d.db)

	// スケジューラ（登録側）
	sched := scheduler.New(d.store, feedRepo, log, cfg.SyncInterval)

	// ドメインサービス
	ssrfGuard := security.NewSSRFGuard()
	detector := feed.NewDetector(ssrfGuard, cfg.FetchTimeout, cfg.FetchMaxSize)
	subService := subscription.NewService(userRepo, feedRepo, subRepo, linkRepo, sched, log)
	feedService := feed.NewService(userRepo, feedRepo, subRepo, detector, sched, log)
	userService := user.NewService(userRepo, subService, log)
	postService := post.NewService(postRepo, linkRepo, subRepo)

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralPerMinute: cfg.RateLimitGeneral,
		FollowPerMinute:  cfg.RateLimitFeedReg,
		CleanupInterval:  middleware.DefaultRateLimiterConfig().CleanupInterval,
	}, log)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		HealthChecks: map[string]handler.HealthCheck{
			"postgres": d.db.PingContext,
			"redis":    d.store.Ping,
		},
		UserService:         userService,
		FeedService:         feedService,
		SubscriptionService: subService,
		PostService:         postService,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("API server starting", slog.String("addr", server.Addr))
	if err := serveUntilDone(ctx, server); err != nil {
		return err
	}
	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 起動時にジョブストアを有効フィードから再構築し、
// 同期ワーカー・クリーンアップジョブ・メトリクスサーバーを並行して実行する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	d, err := openDeps(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	// メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// リポジトリ
	feedRepo := repository.NewPostgresFeedRepo(d.db)
	postRepo := repository.NewPostgresPostRepo(d.db)
	linkRepo := repository.NewPostgresLinkRepo(d.db)

	// 同期処理
	sched := scheduler.New(d.store, feedRepo, log, cfg.SyncInterval)
	fetcher := fetch.NewFetcher(security.NewSSRFGuard(), log, cfg.FetchTimeout, cfg.FetchMaxSize)
	orchestrator := syncer.NewOrchestrator(
		feedRepo, postRepo, linkRepo,
		fetcher, sched, security.NewTitleSanitizer(),
		collector, log,
		syncer.Config{SyncInterval: cfg.SyncInterval, InitialDelay: cfg.SyncInitialDelay},
	)
	worker := scheduler.NewWorker(
		d.store, orchestrator, feedRepo, retry.DefaultPolicy(), collector, log,
		scheduler.WorkerConfig{
			Concurrency:  cfg.WorkerConcurrency,
			PollInterval: cfg.WorkerPollInterval,
			JobTimeout:   cfg.JobTimeout,
		},
	)
	cleanupJob := cleanup.NewCleanupJob(postRepo, collector, log, cfg.RetentionDays)

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("worker starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.String("metrics_addr", metricsServer.Addr),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// ポーリングは再構築の完了後に開始する
		if _, err := sched.ReconcileOnStartup(gctx); err != nil {
			slog.Error("startup reconciliation finished with errors", slog.String("error", err.Error()))
		}
		return worker.Start(gctx)
	})
	g.Go(func() error {
		return cleanupJob.Start(gctx, cfg.CleanupInterval)
	})
	g.Go(func() error {
		return serveUntilDone(gctx, metricsServer)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker stopped with error: %w", err)
	}
	slog.Info("worker stopped gracefully")
	return nil
}

// serveUntilDone はctxがキャンセルされるまでHTTPサーバーを実行し、その後シャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server listen error on %s: %w", server.Addr, err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return <-errCh
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
