package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/howdju/howdju-scoring/internal/app/scheduler"
	"github.com/howdju/howdju-scoring/internal/platform/container"
	"github.com/howdju/howdju-scoring/internal/platform/gate"
	"github.com/howdju/howdju-scoring/internal/platform/metrics"
)

const shutdownTimeout = 30 * time.Second

// ScheduleAction はスコアリングを定期実行するコマンドのアクション
// シグナルを受けるまで常駐する
func ScheduleAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	logger := appCtx.Logger()
	cfg := appCtx.Config

	cronSpec := cmd.String("cron")
	if cronSpec == "" {
		cronSpec = cfg.Scoring.Cron
	}
	metricsAddr := cmd.String("metrics-addr")
	if metricsAddr == "" {
		metricsAddr = cfg.MetricsAddr
	}

	runner, err := appCtx.Container.NewDatabaseRunner(container.RunnerOptions{})
	if err != nil {
		return err
	}

	readiness := gate.New()
	if err := readiness.Hold(); err != nil {
		return err
	}

	sched := scheduler.New(&scheduler.Config{
		CronSchedule:     cronSpec,
		ReadinessTimeout: cfg.Scoring.ReadinessTimeout,
	}, runner, readiness, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		sched.Stop(stopCtx)
	}()

	var srv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(appCtx.Container.Registry))
		srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("メトリクスを公開します", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("メトリクスサーバーが停止しました", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// 起動チェックが通るまでジョブは実行されない
	checkCtx, cancel := readinessContext(ctx, cfg.Scoring.ReadinessTimeout)
	err = appCtx.Container.CheckReady(checkCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("起動チェックに失敗: %w", err)
	}
	if err := readiness.Release(); err != nil {
		return err
	}
	logger.Info("起動チェックが完了しました")

	<-ctx.Done()
	logger.Info("シャットダウンを開始します")
	return nil
}

// readinessContext は起動チェック用のコンテキストを返す。timeout が0以下なら期限なし
func readinessContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
