package container

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/howdju/howdju-scoring/internal/core/scoring"
	"github.com/howdju/howdju-scoring/internal/infra/postgres"
	"github.com/howdju/howdju-scoring/internal/platform/config"
	"github.com/howdju/howdju-scoring/internal/platform/database"
	"github.com/howdju/howdju-scoring/internal/platform/metrics"
)

// requiredTables は起動チェックで存在を確認するテーブル
var requiredTables = []string{"votes", "entity_scores", "job_checkpoints", "job_runs"}

// ServiceContainer はスコアリングサービスの依存関係を保持する
type ServiceContainer struct {
	Config      *config.Config
	TxProvider  *database.TransactionProvider
	Votes       *postgres.VoteRepository
	Scores      *postgres.ScoreRepository
	Checkpoints *postgres.CheckpointRepository
	Runs        *postgres.RunRepository
	Registry    *prometheus.Registry
	Metrics     *metrics.ScoringMetrics

	clock    clockwork.Clock
	logger   *slog.Logger
	database *database.Database
}

type containerOptions struct {
	logger   *slog.Logger
	clock    clockwork.Clock
	registry *prometheus.Registry
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerClock は時計を差し替える
func WithContainerClock(clock clockwork.Clock) ContainerOption {
	return func(opts *containerOptions) {
		opts.clock = clock
	}
}

// WithContainerRegistry はメトリクスの登録先を差し替える
func WithContainerRegistry(reg *prometheus.Registry) ContainerOption {
	return func(opts *containerOptions) {
		opts.registry = reg
	}
}

// NewContainer は設定からコンテナを生成する。
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	db, err := database.New(ctx, database.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
	}

	return NewContainerWithDB(cfg, db, opts...), nil
}

// NewContainerWithDB は既存の Database を受け取りコンテナを生成する。
func NewContainerWithDB(cfg *config.Config, db *database.Database, opts ...ContainerOption) *ServiceContainer {
	options := containerOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.clock == nil {
		options.clock = clockwork.NewRealClock()
	}
	if options.registry == nil {
		options.registry = metrics.NewRegistry()
	}

	c := &ServiceContainer{
		Config:   cfg,
		Registry: options.registry,
		Metrics:  metrics.NewScoringMetrics(options.registry),
		clock:    options.clock,
		logger:   options.logger,
		database: db,
	}

	if db != nil {
		c.TxProvider = database.NewTransactionProvider(db.Pool, options.logger)
		c.Votes = postgres.NewVoteRepository(db.Pool)
		c.Scores = postgres.NewScoreRepository(db.Pool, options.logger)
		c.Checkpoints = postgres.NewCheckpointRepository(db.Pool, options.logger)
		c.Runs = postgres.NewRunRepository(db.Pool)
	}

	return c
}

// RunnerOptions は Runner 構築時の指定
type RunnerOptions struct {
	DryRun bool
}

// NewRunner は組み込みスコアラーすべてのジョブを持つ Runner を生成する
func (c *ServiceContainer) NewRunner(tx scoring.Transactor, history scoring.RunHistoryStore, ro RunnerOptions) *scoring.Runner {
	scorers := scoring.DefaultScorers()
	jobs := make([]*scoring.Job, 0, len(scorers))
	for _, s := range scorers {
		jobOpts := []scoring.JobOption{
			scoring.WithJobLogger(c.logger),
			scoring.WithJobClock(c.clock),
			scoring.WithRunObserver(c.Metrics),
			scoring.WithRunTimeout(c.Config.Scoring.RunTimeout),
			scoring.WithUpdateConcurrency(c.Config.Scoring.UpdateConcurrency),
			scoring.WithDryRun(ro.DryRun),
		}
		if history != nil {
			jobOpts = append(jobOpts, scoring.WithRunHistory(history))
		}
		jobs = append(jobs, scoring.NewJob(s, tx, jobOpts...))
	}

	return scoring.NewRunner(jobs,
		scoring.WithMaxParallelJobs(c.Config.Scoring.MaxParallelJobs),
		scoring.WithRunnerLogger(c.logger),
	)
}

// NewDatabaseRunner は PostgreSQL 上で動作する Runner を生成する
func (c *ServiceContainer) NewDatabaseRunner(ro RunnerOptions) (*scoring.Runner, error) {
	if c.TxProvider == nil {
		return nil, fmt.Errorf("データベースが初期化されていません")
	}
	return c.NewRunner(c.TxProvider, c.Runs, ro), nil
}

// CheckReady は接続とテーブルの存在を確認する
func (c *ServiceContainer) CheckReady(ctx context.Context) error {
	if c.database == nil {
		return fmt.Errorf("データベースが初期化されていません")
	}
	if err := c.database.Ping(ctx); err != nil {
		return fmt.Errorf("データベースに接続できません: %w", err)
	}
	for _, table := range requiredTables {
		var exists bool
		if err := c.database.Pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", table).Scan(&exists); err != nil {
			return fmt.Errorf("テーブル %s の確認に失敗: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("テーブル %s が存在しません（db migrate を実行してください）", table)
		}
	}
	return nil
}

// ApplySchema はテーブル定義を適用する
func (c *ServiceContainer) ApplySchema(ctx context.Context) error {
	if c.database == nil {
		return fmt.Errorf("データベースが初期化されていません")
	}
	return postgres.ApplySchema(ctx, c.database.Pool)
}

// Close はコンテナが保持するリソースを解放する
func (c *ServiceContainer) Close() {
	if c.database != nil {
		c.database.Close()
	}
}

// Logger はコンテナのロガーを返す
func (c *ServiceContainer) Logger() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}
