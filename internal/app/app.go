package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/dmnotify/internal/config"
	"github.com/hitoshi/dmnotify/internal/database"
	"github.com/hitoshi/dmnotify/internal/logger"
	"github.com/hitoshi/dmnotify/internal/metrics"
	"github.com/hitoshi/dmnotify/internal/syncclient"
	"github.com/hitoshi/dmnotify/internal/worker/repair"
)

// Init はアプリケーションの初期化を行う。
// .envがあれば読み込み、環境変数からConfigを読み込んでJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. .envの読み込み（既に設定済みの環境変数は上書きしない）
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 4. LOG_LEVELを反映する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

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
		slog.String("store_backend", cfg.StoreBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandPoll:
		return runPoll(ctx, cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// ストアを開き、全依存関係をワイヤリングし、通知ワーカーとHTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	s, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	srv := newServer(cfg, s, slog.Default())
	defer srv.rateLimiter.Stop()
	srv.dispatcher.Start()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		slog.Error("server listen error", slog.String("error", serveErr.Error()))
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	// 受付済みの通知イベントを処理しきってから終了する
	if err := srv.dispatcher.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("notification dispatcher shutdown failed: %w", err)
	}
	if serveErr != nil {
		return fmt.Errorf("server listen failed: %w", serveErr)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 未読カウンタの修復ジョブをREPAIR_INTERVAL間隔で実行し、SERVER_PORTで/metricsを公開する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	s, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	job := repair.NewJob(s.counters, collector, slog.Default())

	metricsServer := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     metrics.SetupMetricsRoute(registry),
		ReadTimeout: 15 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()

	slog.Info("worker starting",
		slog.Duration("repair_interval", cfg.RepairInterval),
		slog.String("metrics_addr", metricsServer.Addr),
	)

	// ctxがキャンセルされるまでブロックする
	job.Start(ctx, cfg.RepairInterval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics server shutdown failed", slog.String("error", err.Error()))
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.UseMemoryStore() {
		slog.Info("インメモリストアのためマイグレーションは不要です")
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("schema_version", uint64(version)))
	return nil
}

// runPoll はPOLL_USER_IDの視点でAPIをポーリングし、状態の変化をログに出力する。
// SIGHUPを受信するとフォアグラウンド復帰として即時更新する。
func runPoll(ctx context.Context, cfg *config.Config) error {
	if cfg.PollUserID == "" {
		return errors.New("POLL_USER_ID is required for poll")
	}

	client := syncclient.NewClient(&http.Client{Timeout: 10 * time.Second}, cfg.PollBaseURL, cfg.PollToken, slog.Default())
	pollerCfg := syncclient.DefaultPollerConfig(cfg.PollUserID)
	pollerCfg.FastInterval = cfg.PollFastInterval
	pollerCfg.SlowInterval = cfg.PollSlowInterval
	poller := syncclient.NewPoller(client, syncclient.NewState(), pollerCfg, slog.Default())

	poller.OnUpdate(func(snap syncclient.Snapshot) {
		slog.Info("状態が更新されました",
			slog.Int("conversations", len(snap.Conversations)),
			slog.Int("total_unread", snap.TotalUnread),
			slog.Int("unread_notifications", snap.UnreadNotifications),
		)
	})

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if !poller.Foreground() {
					slog.Info("即時更新の要求が多すぎるため無視しました")
				}
			}
		}
	}()

	return poller.Run(ctx)
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
