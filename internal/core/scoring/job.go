package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const historyWriteTimeout = 10 * time.Second

// RunReport はスコアリング実行1回分の結果
type RunReport struct {
	RunID         uuid.UUID
	JobType       JobType
	StartedAt     time.Time
	FinishedAt    time.Time
	Since         time.Time
	CheckpointAt  time.Time
	VoteCount     int
	RejectedVotes int
	EntityCount   int
	Deltas        map[string]int64
	FinalState    State
	DryRun        bool
	Err           error
}

// Duration は実行時間を返す
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded は実行が成功したかどうかを返す
func (r *RunReport) Succeeded() bool {
	return r.Err == nil
}

// RunObserver は実行結果を受け取る（メトリクス等）
type RunObserver interface {
	ObserveRun(report *RunReport)
}

// Job は1つのスコアラーのインクリメンタルなスコアリング実行を担う
type Job struct {
	scorer            Scorer
	tx                Transactor
	history           RunHistoryStore
	observer          RunObserver
	clock             clockwork.Clock
	logger            *slog.Logger
	updateConcurrency int
	timeout           time.Duration
	dryRun            bool

	mu    sync.Mutex
	state State
}

type jobOptions struct {
	history           RunHistoryStore
	observer          RunObserver
	clock             clockwork.Clock
	logger            *slog.Logger
	updateConcurrency int
	timeout           time.Duration
	dryRun            bool
}

// JobOption は Job のオプション設定
type JobOption func(*jobOptions)

// WithJobLogger はロガーを設定する
func WithJobLogger(logger *slog.Logger) JobOption {
	return func(o *jobOptions) {
		o.logger = logger
	}
}

// WithJobClock は時計を差し替える
func WithJobClock(clock clockwork.Clock) JobOption {
	return func(o *jobOptions) {
		o.clock = clock
	}
}

// WithRunHistory は実行履歴の記録先を設定する
func WithRunHistory(history RunHistoryStore) JobOption {
	return func(o *jobOptions) {
		o.history = history
	}
}

// WithRunObserver は実行結果の通知先を設定する
func WithRunObserver(observer RunObserver) JobOption {
	return func(o *jobOptions) {
		o.observer = observer
	}
}

// WithUpdateConcurrency はスコア更新の最大並行数を設定する
// ストアが並行書き込みに対応していない場合は無視される
func WithUpdateConcurrency(n int) JobOption {
	return func(o *jobOptions) {
		o.updateConcurrency = n
	}
}

// WithRunTimeout は1回の実行期限を設定する。0 は期限なし
func WithRunTimeout(timeout time.Duration) JobOption {
	return func(o *jobOptions) {
		o.timeout = timeout
	}
}

// WithDryRun は書き込みをすべてロールバックするドライランモードにする
func WithDryRun(dryRun bool) JobOption {
	return func(o *jobOptions) {
		o.dryRun = dryRun
	}
}

// NewJob は新しい Job を作成する
func NewJob(scorer Scorer, tx Transactor, opts ...JobOption) *Job {
	options := jobOptions{
		clock:             clockwork.NewRealClock(),
		logger:            slog.Default(),
		updateConcurrency: 1,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.clock == nil {
		options.clock = clockwork.NewRealClock()
	}
	if options.updateConcurrency < 1 {
		options.updateConcurrency = 1
	}

	return &Job{
		scorer:            scorer,
		tx:                tx,
		history:           options.history,
		observer:          options.observer,
		clock:             options.clock,
		logger:            options.logger,
		updateConcurrency: options.updateConcurrency,
		timeout:           options.timeout,
		dryRun:            options.dryRun,
		state:             StateIdle,
	}
}

// Scorer はジョブのスコアラー定義を返す
func (j *Job) Scorer() Scorer {
	return j.scorer
}

// State は現在の状態を返す
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) transition(to State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !canTransition(j.state, to) {
		return fmt.Errorf("invalid state transition %s -> %s", j.state, to)
	}
	j.logger.Debug("状態遷移", "jobType", j.scorer.JobType, "from", j.state.String(), "to", to.String())
	j.state = to
	return nil
}

// begin は実行を開始する。実行中の場合は ErrJobRunning
func (j *Job) begin() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Running() {
		return ErrJobRunning
	}
	j.state = StateReadingCheckpoint
	return nil
}

func (j *Job) fail() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if canTransition(j.state, StateFailed) {
		j.state = StateFailed
	}
}

// Run はスコアリングを1回実行する
// 実行全体が1トランザクションで、失敗時はスコアもチェックポイントも変化しない
func (j *Job) Run(ctx context.Context) (*RunReport, error) {
	if err := j.begin(); err != nil {
		return nil, err
	}

	// 実行中に投じられた票を取りこぼさないよう、票の読み取り前に時刻を確定する
	startedAt := j.clock.Now().UTC()
	runID := uuid.New()
	logger := j.logger.With("jobType", j.scorer.JobType, "runID", runID)

	report := &RunReport{
		RunID:     runID,
		JobType:   j.scorer.JobType,
		StartedAt: startedAt,
		DryRun:    j.dryRun,
	}

	logger.Info("スコアリングを開始", "targetType", j.scorer.TargetType, "scoreType", j.scorer.ScoreType, "dryRun", j.dryRun)

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if j.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, j.timeout)
	}
	defer cancel()

	err := j.tx.WithinTx(runCtx, func(txCtx context.Context, stores *Stores) error {
		return j.execute(txCtx, stores, runID, startedAt, report, logger)
	})
	if j.dryRun && errors.Is(err, errDryRunRollback) {
		err = nil
	}
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w (%s): %w", ErrRunTimeout, j.timeout, err)
	}

	report.FinishedAt = j.clock.Now().UTC()
	if err != nil {
		j.fail()
		report.FinalState = StateFailed
		report.Err = err
		logger.Error("スコアリングに失敗。チェックポイントは更新しない",
			"since", report.Since,
			"error", err,
		)
	} else {
		if tErr := j.transition(StateIdle); tErr != nil {
			logger.Warn("状態遷移に失敗", "error", tErr)
		}
		report.FinalState = StateIdle
		logger.Info("スコアリングが完了",
			"since", report.Since,
			"checkpoint", report.CheckpointAt,
			"votes", report.VoteCount,
			"rejectedVotes", report.RejectedVotes,
			"entities", report.EntityCount,
			"duration", report.Duration(),
		)
	}

	j.recordHistory(ctx, report, logger)
	if j.observer != nil {
		j.observer.ObserveRun(report)
	}

	if err != nil {
		return report, fmt.Errorf("スコアリングジョブ %s の実行に失敗: %w", j.scorer.JobType, err)
	}
	return report, nil
}

func (j *Job) execute(ctx context.Context, stores *Stores, runID uuid.UUID, startedAt time.Time, report *RunReport, logger *slog.Logger) error {
	jobType := j.scorer.JobType

	if stores.Locks != nil {
		if err := stores.Locks.LockJob(ctx, jobType); err != nil {
			return NewStorageError("lock job", err)
		}
	}

	checkpoint, err := stores.Checkpoints.LastCompletion(ctx, jobType)
	if err != nil {
		return NewStorageError("read checkpoint", err)
	}
	since := SinceOrEpoch(checkpoint)
	report.Since = since

	// チェックポイントは後退させない
	completedAt := startedAt
	if since.After(startedAt) {
		logger.Warn("チェックポイントが実行開始時刻より未来のため据え置き",
			"checkpoint", since,
			"startedAt", startedAt,
		)
		completedAt = since
	}
	report.CheckpointAt = completedAt

	if err := j.transition(StateReadingVotes); err != nil {
		return err
	}
	votes, err := stores.Votes.VotesSince(ctx, j.scorer.TargetType, since, startedAt)
	if err != nil {
		return NewStorageError("read votes", err)
	}
	report.VoteCount = len(votes)

	if err := j.transition(StateAggregating); err != nil {
		return err
	}
	aggregate := Aggregate(votes, logger)
	report.RejectedVotes = aggregate.Rejected
	report.EntityCount = len(aggregate.Deltas)
	report.Deltas = aggregate.Deltas

	if err := j.transition(StateUpdatingScores); err != nil {
		return err
	}
	if err := j.applyDeltas(ctx, stores, aggregate, runID); err != nil {
		return err
	}

	if err := j.transition(StateRecordingCheckpoint); err != nil {
		return err
	}
	if j.dryRun {
		return errDryRunRollback
	}
	if err := stores.Checkpoints.RecordCompletion(ctx, jobType, completedAt, runID); err != nil {
		return NewStorageError("record checkpoint", err)
	}

	return nil
}

func (j *Job) applyDeltas(ctx context.Context, stores *Stores, aggregate *AggregateResult, runID uuid.UUID) error {
	keyOf := func(entityID string) ScoreKey {
		return ScoreKey{
			TargetType: j.scorer.TargetType,
			EntityID:   entityID,
			ScoreType:  j.scorer.ScoreType,
		}
	}
	ids := aggregate.EntityIDs()

	if !stores.ConcurrentWrites || j.updateConcurrency <= 1 {
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := stores.Scores.IncrementScore(ctx, keyOf(id), aggregate.Deltas[id], runID); err != nil {
				return NewStorageError("increment score "+keyOf(id).String(), err)
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.updateConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if _, err := stores.Scores.IncrementScore(gctx, keyOf(id), aggregate.Deltas[id], runID); err != nil {
				return NewStorageError("increment score "+keyOf(id).String(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (j *Job) recordHistory(ctx context.Context, report *RunReport, logger *slog.Logger) {
	if j.history == nil || report.DryRun {
		return
	}

	finishedAt := report.FinishedAt
	run := &JobRun{
		ID:            report.RunID,
		JobType:       report.JobType,
		StartedAt:     report.StartedAt,
		CompletedAt:   &finishedAt,
		Status:        RunStatusSucceeded,
		VoteCount:     report.VoteCount,
		RejectedVotes: report.RejectedVotes,
		EntityCount:   report.EntityCount,
	}
	if report.Err != nil {
		run.Status = RunStatusFailed
		run.Message = report.Err.Error()
	}

	// 実行期限切れでも履歴は残す
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyWriteTimeout)
	defer cancel()
	if err := j.history.RecordRun(hctx, run); err != nil {
		logger.Warn("実行履歴の記録に失敗", "error", err)
	}
}
