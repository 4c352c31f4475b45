package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Runner は複数のスコアリングジョブをまとめて実行する
type Runner struct {
	jobs        []*Job
	maxParallel int
	logger      *slog.Logger
}

type runnerOptions struct {
	maxParallel int
	logger      *slog.Logger
}

// RunnerOption は Runner のオプション設定
type RunnerOption func(*runnerOptions)

// WithMaxParallelJobs は同時実行するジョブ数の上限を設定する
func WithMaxParallelJobs(n int) RunnerOption {
	return func(o *runnerOptions) {
		o.maxParallel = n
	}
}

// WithRunnerLogger はロガーを設定する
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(o *runnerOptions) {
		o.logger = logger
	}
}

// NewRunner は新しい Runner を作成する
func NewRunner(jobs []*Job, opts ...RunnerOption) *Runner {
	options := runnerOptions{
		maxParallel: 1,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.maxParallel < 1 {
		options.maxParallel = 1
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	return &Runner{
		jobs:        jobs,
		maxParallel: options.maxParallel,
		logger:      options.logger,
	}
}

// Jobs は登録済みのジョブを返す
func (r *Runner) Jobs() []*Job {
	return r.jobs
}

// Job はジョブ種別に対応するジョブを返す
func (r *Runner) Job(jobType JobType) (*Job, bool) {
	for _, job := range r.jobs {
		if job.Scorer().JobType == jobType {
			return job, true
		}
	}
	return nil, false
}

// RunJob は指定したジョブ種別を1回実行する
func (r *Runner) RunJob(ctx context.Context, jobType JobType) (*RunReport, error) {
	job, ok := r.Job(jobType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	return job.Run(ctx)
}

// RunAll はすべてのジョブを実行する
// 1つのジョブが失敗しても他のジョブは継続し、失敗はまとめて返す
func (r *Runner) RunAll(ctx context.Context) ([]*RunReport, error) {
	reports := make([]*RunReport, len(r.jobs))

	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(r.maxParallel)
	for i, job := range r.jobs {
		g.Go(func() error {
			report, err := job.Run(ctx)
			reports[i] = report
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		r.logger.Error("一部のスコアリングジョブが失敗", "failed", len(errs), "total", len(r.jobs))
		return reports, errors.Join(errs...)
	}
	return reports, nil
}
