package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/spf13/afero"

	"filterproxy/internal/config"
	"filterproxy/internal/domain"
	"filterproxy/internal/interface/connection"
	"filterproxy/internal/interface/handler"
	"filterproxy/internal/interface/repository/accesslog"
	"filterproxy/internal/interface/repository/filter"
	"filterproxy/internal/interface/repository/metrics"
	"filterproxy/internal/interface/server"
	"filterproxy/internal/usecase"
)

const defaultConfigPath = "config/proxy_config.json"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	logger := slog.Make(sloghuman.Sink(os.Stderr)).Leveled(slog.LevelInfo)

	configPath := defaultConfigPath
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	fs := afero.NewOsFs()

	// コンフィグの読み込み. 解析不能なら起動失敗.
	cfg, err := config.Load(fs, configPath)
	if err != nil {
		logger.Error(ctx, "failed to load config", slog.Error(err))
		return 1
	}

	if dir := filepath.Dir(cfg.LogFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error(ctx, "failed to prepare log directory", slog.Error(err))
			return 1
		}
	}

	// アクセスログの初期化
	accessLog := accesslog.New(cfg.LogFile, logger.Named("accesslog"))
	defer accessLog.Close()

	// メトリクスの初期化
	metricsRepo := metrics.New()

	// フィルタエンジンの初期化
	filterRepo := filter.New(
		fs, cfg.BlockedDomainsFile, logger.Named("filter"), accessLog,
	)

	// プロキシのユースケース作成
	proxyUseCase := usecase.NewProxyUseCase(
		filterRepo,
		metricsRepo,
		logger.Named("proxy"),
		usecase.Timeouts{},
	)

	// ハンドラとスーパーバイザの作成
	connHandler := handler.NewConnHandler(
		proxyUseCase, accessLog, metricsRepo, logger.Named("handler"),
	)
	registry := connection.NewRegistry()

	bindAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	srv := server.New(
		bindAddr, cfg.ThreadPoolSize, connHandler, registry, metricsRepo,
		logger.Named("server"),
	)

	if err := srv.Listen(); err != nil {
		logger.Error(ctx, "failed to bind", slog.Error(err))
		return 1
	}

	accessLog.Record(domain.Record{
		Time:    time.Now(),
		Level:   domain.LevelInfo,
		Message: "Proxy server started on " + bindAddr,
	})

	// ダッシュボードサーバーの起動 (設定時のみ)
	var dashboardServer *http.Server
	if cfg.DashboardPort > 0 {
		dashboardUseCase := usecase.NewDashboardUseCase(fs, cfg.LogFile, metricsRepo)
		dashboardHandler := handler.NewDashboardHandler(
			dashboardUseCase, metricsRepo.Registry(), logger.Named("dashboard"),
		)
		dashboardServer = &http.Server{
			Addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.DashboardPort)),
			Handler: dashboardHandler.Router(),
		}
		go func() {
			logger.Info(ctx, "starting dashboard",
				slog.F("addr", dashboardServer.Addr))
			if err := dashboardServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error(ctx, "dashboard server error", slog.Error(err))
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx)
	}()

	// シグナル待機
	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error(ctx, "server error", slog.Error(err))
			return 1
		}
	}

	// グレースフルシャットダウン
	srv.Shutdown()

	if dashboardServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		dashboardServer.Shutdown(shutdownCtx)
	}

	accessLog.Record(domain.Record{
		Time:    time.Now(),
		Level:   domain.LevelInfo,
		Message: "Proxy server shut down",
	})

	logger.Info(context.Background(), "shutdown complete")
	return 0
}
