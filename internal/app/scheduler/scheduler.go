package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/howdju/howdju-scoring/internal/core/scoring"
	"github.com/howdju/howdju-scoring/internal/platform/gate"
)

// JobRunner は全スコアラーを1回実行する
type JobRunner interface {
	RunAll(ctx context.Context) ([]*scoring.RunReport, error)
}

// Config はスケジューラーの設定です
type Config struct {
	CronSchedule     string        // Cron形式のスケジュール（例: "*/5 * * * *"）
	ReadinessTimeout time.Duration // 起動チェック完了を待つ上限（0 は無期限）
}

// Scheduler はスコアリングジョブを定期実行します
// 起動チェックが終わってゲートが開くまではジョブを実行しない
type Scheduler struct {
	config *Config
	runner JobRunner
	gate   *gate.Gate
	cron   *cron.Cron
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New は新しい Scheduler を作成します
func New(config *Config, runner JobRunner, readiness *gate.Gate, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	cl := &cronLogger{logger: logger}
	return &Scheduler{
		config: config,
		runner: runner,
		gate:   readiness,
		// 前回の実行が終わっていない場合は次の起動をスキップする
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger: logger,
	}
}

// Start はスケジューラーを起動します
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("スケジューラーは起動済みです")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(s.config.CronSchedule, func() { s.tick(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("cron ジョブの登録に失敗: %w", err)
	}
	s.cancel = cancel

	s.cron.Start()
	s.logger.Info("スコアリングのスケジュール実行を開始しました", "schedule", s.config.CronSchedule)

	return nil
}

// Stop はスケジューラーを停止し、実行中のジョブの終了を待ちます
// ctx が先に終わった場合は実行中のジョブをキャンセルする
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		s.logger.Warn("実行中のジョブの終了を待たずに停止します")
		if cancel != nil {
			cancel()
		}
		<-stopped.Done()
	}
	if cancel != nil {
		cancel()
	}
	s.logger.Info("スコアリングのスケジュール実行を停止しました")
}

// tick は1回分の起動処理
func (s *Scheduler) tick(ctx context.Context) {
	if s.gate != nil {
		if err := s.gate.Await(ctx, s.config.ReadinessTimeout); err != nil {
			s.logger.Warn("起動チェックが完了していないため実行をスキップします",
				"gate", s.gate.State().String(),
				"error", err,
			)
			return
		}
	}

	reports, err := s.runner.RunAll(ctx)
	if err != nil {
		s.logger.Error("スコアリングジョブの実行に失敗しました", "error", err)
		return
	}
	s.logger.Info("スコアリングジョブが完了しました", "jobs", len(reports))
}

// cronLogger は robfig/cron のログを slog に流す
type cronLogger struct {
	logger *slog.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
