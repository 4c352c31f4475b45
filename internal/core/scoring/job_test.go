package scoring_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howdju/howdju-scoring/internal/core/scoring"
	"github.com/howdju/howdju-scoring/internal/infra/memory"
)

var runStart = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func justificationScorer() scoring.Scorer {
	return scoring.DefaultScorers()[0]
}

func jvote(id, target string, polarity scoring.Polarity, castAt time.Time) scoring.Vote {
	return scoring.Vote{
		ID:         id,
		VoterID:    "u-" + id,
		TargetType: scoring.TargetTypeJustification,
		TargetID:   target,
		Polarity:   polarity,
		CastAt:     castAt,
	}
}

func scoreKey(entityID string) scoring.ScoreKey {
	return scoring.ScoreKey{
		TargetType: scoring.TargetTypeJustification,
		EntityID:   entityID,
		ScoreType:  scoring.ScoreTypeGlobalVoteSum,
	}
}

func scoreValue(t *testing.T, store *memory.Store, entityID string) (int64, bool) {
	t.Helper()
	opt, err := store.ReadScore(context.Background(), scoreKey(entityID))
	require.NoError(t, err)
	score, ok := opt.Get()
	if !ok {
		return 0, false
	}
	return score.Value, true
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

// faultyScoreStore は failAfter 回目以降の更新でエラーを返す
type faultyScoreStore struct {
	scoring.ScoreStore
	failAfter int32
	calls     atomic.Int32
}

func (s *faultyScoreStore) IncrementScore(ctx context.Context, key scoring.ScoreKey, delta int64, runID uuid.UUID) (*scoring.Score, error) {
	if s.calls.Add(1) > s.failAfter {
		return nil, errors.New("connection reset by peer")
	}
	return s.ScoreStore.IncrementScore(ctx, key, delta, runID)
}

type faultyTransactor struct {
	inner     *memory.Store
	failAfter int32
	votesErr  error
}

func (f *faultyTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, stores *scoring.Stores) error) error {
	return f.inner.WithinTx(ctx, func(ctx context.Context, stores *scoring.Stores) error {
		wrapped := *stores
		wrapped.Scores = &faultyScoreStore{ScoreStore: stores.Scores, failAfter: f.failAfter}
		if f.votesErr != nil {
			wrapped.Votes = failingVoteStore{err: f.votesErr}
		}
		return fn(ctx, &wrapped)
	})
}

type failingVoteStore struct{ err error }

func (s failingVoteStore) VotesSince(ctx context.Context, targetType scoring.TargetType, since, until time.Time) ([]scoring.Vote, error) {
	return nil, s.err
}

// blockingTransactor は解放されるかコンテキストが終わるまでブロックする
type blockingTransactor struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, stores *scoring.Stores) error) error {
	if b.entered != nil {
		close(b.entered)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.release:
		return errors.New("released")
	}
}

type recordingObserver struct {
	reports []*scoring.RunReport
}

func (o *recordingObserver) ObserveRun(report *scoring.RunReport) {
	o.reports = append(o.reports, report)
}

func TestJob_Run_NetScoresFromEpoch(t *testing.T) {
	clock := clockwork.NewFakeClockAt(runStart)
	store := memory.NewStore(clock)
	store.AddVotes(
		jvote("1", "P1", scoring.PolarityPositive, runStart.Add(-3*time.Hour)),
		jvote("2", "P1", scoring.PolarityNegative, runStart.Add(-2*time.Hour)),
		jvote("3", "P2", scoring.PolarityPositive, runStart.Add(-1*time.Hour)),
	)

	job := scoring.NewJob(justificationScorer(), store,
		scoring.WithJobClock(clock),
		scoring.WithJobLogger(quietLogger()),
	)

	report, err := job.Run(context.Background())
	require.NoError(t, err)

	p1, ok := scoreValue(t, store, "P1")
	assert.True(t, ok)
	assert.Equal(t, int64(0), p1)
	p2, ok := scoreValue(t, store, "P2")
	assert.True(t, ok)
	assert.Equal(t, int64(1), p2)

	assert.Equal(t, scoring.Epoch, report.Since)
	assert.Equal(t, 3, report.VoteCount)
	assert.Equal(t, 2, report.EntityCount)
	assert.Equal(t, scoring.StateIdle, report.FinalState)
	assert.Equal(t, scoring.StateIdle, job.State())
	assert.True(t, report.Succeeded())
}

func TestJob_Run_AddsDeltaToPriorScoreAndAdvancesCheckpoint(t *testing.T) {
	clock := clockwork.NewFakeClockAt(runStart)
	store := memory.NewStore(clock)
	_, err := store.WriteScore(context.Background(), scoreKey("P1"), 5, uuid.New())
	require.NoError(t, err)
	store.AddVotes(jvote("1", "P1", scoring.PolarityPositive, runStart.Add(-time.Minute)))

	job := scoring.NewJob(justificationScorer(), store,
		scoring.WithJobClock(clock),
		scoring.WithJobLogger(quietLogger()),
	)

	report, err := job.Run(context.Background())
	require.NoError(t, err)

	p1, _ := scoreValue(t, store, "P1")
	assert.Equal(t, int64(6), p1)

	cp, err := store.LastCompletion(context.Background(), scoring.JobTypeJustificationScoreDerivation)
	require.NoError(t, err)
	require.True(t, cp.IsPresent())
	assert.Equal(t, runStart, cp.MustGet().CompletedAt)
	assert.Equal(t, report.RunID, *cp.MustGet().RunID)
}

func TestJob_Run_InvalidPolarityDoesNotFailRun(t *testing.T) {
	clock := clockwork.NewFakeClockAt(runStart)
	store := memory.NewStore(clock)
	store.AddVotes(
		jvote("1", "P1", scoring.Polarity("SIDEWAYS"), runStart.Add(-time.Minute)),
		jvote("2", "P1", scoring.PolarityPositive, runStart.Add(-time.Minute)),
	)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	job := scoring.NewJob(justificationScorer(), store,
		scoring.WithJobClock(clock),
		scoring.WithJobLogger(logger),
	)

	report, err := job.Run(context.Background())
	require.NoError(t, err)

	p1, _ := scoreValue(t, store, "P1")
	assert.Equal(t, int64(1), p1)
	assert.Equal(t, 1, report.RejectedVotes)
	assert.Equal(t, map[string]int64{"P1": 1}, report.Deltas)
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
	assert.Contains(t, buf.String(), "SIDEWAYS")
}

func TestJob_Run_FailureRollsBackAndRetryIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClockAt(runStart)
	store := memory.NewStore(clock)
	_, err := store.WriteScore(context.Background(), scoreKey("A"), 10, uuid.New())
	require.NoError(t, err)
	store.AddVotes(
		jvote("1", "A", scoring.PolarityPositive, runStart.Add(-time.Hour)),
		jvote("2", "B", scoring.PolarityPositive, runStart.Add(-time.Hour)),
		jvote("3", "C", scoring.PolarityNegative, runStart.Add(-time.Hour)),
	)

	// 2件目の更新で失敗させる（A は更新済み）
	faulty := &faultyTransactor{inner: store, failAfter: 1}
	failing := scoring.NewJob(justificationScorer(), faulty,
		scoring.WithJobClock(clock),
		scoring.WithJobLogger(quietLogger()),
		scoring.WithRunHistory(store),
	)

	report, err := failing.Run(context.Background())
	require.Error(t, err)
	assert.True(t, scoring.IsStorageError(err))
	assert.Equal(t, scoring.StateFailed, report.FinalState)
	assert.Equal(t, scoring.StateFailed, failing.State())

	// 何も確定していない
	a, _ := scoreValue(t, store, "A")
	assert.Equal(t, int64(10), a)
	_, ok := scoreValue(t, store, "B")
	assert.False(t, ok)
	cp, err := store.LastCompletion(context.Background(), scoring.JobTypeJustificationScoreDerivation)
	require.NoError(t, err)
	assert.True(t, cp.IsAbsent())

	runs, err := store.ListRuns(context.Background(), scoring.JobTypeJustificationScoreDerivation, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, scoring.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Message, "connection reset")

	// 同じ窓を再処理しても1回分の結果になる
	healthy := scoring.NewJob(justificationScorer(), store,
		scoring.WithJobClock(clock),
		scoring.WithJobLogger(quietLogger()),
		scoring.WithRunHistory(store),
	)
	_, err = healthy.Run(context.Background())
	require.NoError(t, err)

	a, _ = scoreValue(t, store, "A")
	b, _ := scoreValue(t, store, "B")
	c, _ := scoreValue(t, store, "C")
	assert.Equal(t, int64(11), a)
	assert.Equal(t, int64(1), b)
	assert.Equal(t, int64(-1), c)

	// 失敗したジョブインスタンスも再実行できる（窓が空なので更新なし）
	report, err = failing.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.VoteCount)
	assert.Equal(t, scoring.StateIdle, failing.State())
	a, _ = scoreValue(t, store, "A")
	assert.Equal(t, int64(11), a)
}

func TestJob_Run_VoteReadFailure(t *testing.T) {
	clock := clockwork.NewFakeClockAt(runStart)
	store := memory.NewStore(clock)
	cause := errors.New("dial tcp: connection refused")

	job := scoring.NewJob(justificationScorer(), &faultyTransactor{inner: store, failAfter: 100, votesErr: cause},
		scoring.WithJobClock(clock),
		scoring.WithJobLogger(quietLogger()),
	)

	_, err := job.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)

	var se *scoring.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "read votes", se.Op)
}

func TestJob_Run_VotesCastDuringRunAreCountedOnce(t *testing.T) {
	clock := clockwork.NewFakeClockAt(runStart)
	store := memory.NewStore(clock)
	store.AddVotes(
		jvote("1", "P1", scoring.PolarityPositive, runStart.Add(-time.Minute)),
		// 実行開始後に投じられた票
		jvote("2", "P1", scoring.PolarityPositive, runStart.Add(time.Second)),
	)

	job := scoring.NewJob(justificationScorer(), store,
		scoring.WithJobClock(clock),
		scoring.WithJobLogger(quietLogger()),
	)

	_, err := job.Run(context.Background())
	require.NoError(t, err)
	p1, _ := scoreValue(t, store, "P1")
	assert.Equal(t, int64(1), p1)

	clock.Advance(time.Hour)
	report, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runStart, report.Since)
	assert.Equal(t, 1, report.VoteCount)
	p1, _ = scoreValue(t, store, "P1")
	assert.Equal(t, int64(2), p1)

	clock.Advance(time.Hour)
	report, err = job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.VoteCount)
	p1, _ = scoreValue(t, store, "P1")
	assert.Equal(t, int64(2), p1)
}

func TestJob_Run_CheckpointNeverMovesBackwards(t *testing.T) {
	clock := clockwork.NewFakeClockAt(runStart)
	store := memory.NewStore(clock)
	future := runStart.Add(24 * time.Hour)
	store.SetCheckpoint(scoring.JobTypeJustificationScoreDerivation, future)

	var buf bytes.Buffer
	job := scoring.NewJob(justificationScorer(), store,
		scoring.WithJobClock(clock),
		scoring.WithJobLogger(slog.New(slog.NewJSONHandler(&buf, nil))),
	)

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, future, report.CheckpointAt)

	cp, err := store.LastCompletion(context.Background(), scoring.JobTypeJustificationScoreDerivation)
	require.NoError(t, err)
	assert.Equal(t, future, cp.MustGet().CompletedAt)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

func TestJob_Run_Timeout(t *testing.T) {
	job := scoring.NewJob(justificationScorer(), &blockingTransactor{release: make(chan struct{})},
		scoring.WithJobLogger(quietLogger()),
		scoring.WithRunTimeout(20*time.Millisecond),
	)

	report, err := job.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, scoring.ErrRunTimeout)
	assert.Equal(t, scoring.StateFailed, report.FinalState)
}

func TestJob_Run_RejectsOverlappingRunOnSameJob(t *testing.T) {
	tx := &blockingTransactor{entered: make(chan struct{}), release: make(chan struct{})}
	job := scoring.NewJob(justificationScorer(), tx, scoring.WithJobLogger(quietLogger()))

	done := make(chan error, 1)
	go func() {
		_, err := job.Run(context.Background())
		done <- err
	}()

	<-tx.entered
	assert.True(t, job.State().Running())

	_, err := job.Run(context.Background())
	assert.ErrorIs(t, err, scoring.ErrJobRunning)

	close(tx.release)
	assert.Error(t, <-done)
	assert.Equal(t, scoring.StateFailed, job.State())
}

func TestJob_Run_DryRunLeavesStateUntouched(t *testing.T) {
	clock := clockwork.NewFakeClockAt(runStart)
	store := memory.NewStore(clock)
	store.AddVotes(jvote("1", "P1", scoring.PolarityNegative, runStart.Add(-time.Minute)))

	job := scoring.NewJob(justificationScorer(), store,
		scoring.WithJobClock(clock),
		scoring.WithJobLogger(quietLogger()),
		scoring.WithRunHistory(store),
		scoring.WithDryRun(true),
	)

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, map[string]int64{"P1": -1}, report.Deltas)

	_, ok := scoreValue(t, store, "P1")
	assert.False(t, ok)
	cp, err := store.LastCompletion(context.Background(), scoring.JobTypeJustificationScoreDerivation)
	require.NoError(t, err)
	assert.True(t, cp.IsAbsent())
	runs, err := store.ListRuns(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestJob_Run_ConcurrentUpdates(t *testing.T) {
	clock := clockwork.NewFakeClockAt(runStart)
	store := memory.NewStore(clock)
	for i := 0; i < 200; i++ {
		polarity := scoring.PolarityPositive
		if i%3 == 0 {
			polarity = scoring.PolarityNegative
		}
		store.AddVotes(jvote(fmt.Sprint(i), fmt.Sprintf("E%d", i%20), polarity, runStart.Add(-time.Duration(i+1)*time.Second)))
	}

	observer := &recordingObserver{}
	job := scoring.NewJob(justificationScorer(), store,
		scoring.WithJobClock(clock),
		scoring.WithJobLogger(quietLogger()),
		scoring.WithUpdateConcurrency(8),
		scoring.WithRunObserver(observer),
	)

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, observer.reports, 1)
	assert.Same(t, report, observer.reports[0])

	var total int64
	for id, delta := range report.Deltas {
		v, ok := scoreValue(t, store, id)
		require.True(t, ok)
		assert.Equal(t, delta, v)
		total += v
	}
	assert.Equal(t, 20, report.EntityCount)
	// 200票中 67票が NEGATIVE
	assert.Equal(t, int64(133-67), total)
}

func TestJob_Run_OnlyScoresOwnTargetType(t *testing.T) {
	clock := clockwork.NewFakeClockAt(runStart)
	store := memory.NewStore(clock)
	store.AddVotes(
		jvote("1", "X", scoring.PolarityPositive, runStart.Add(-time.Minute)),
		scoring.Vote{
			ID:         "2",
			TargetType: scoring.TargetTypePropositionTag,
			TargetID:   "X",
			Polarity:   scoring.PolarityNegative,
			CastAt:     runStart.Add(-time.Minute),
		},
	)

	job := scoring.NewJob(justificationScorer(), store,
		scoring.WithJobClock(clock),
		scoring.WithJobLogger(quietLogger()),
	)
	report, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.VoteCount)

	x, _ := scoreValue(t, store, "X")
	assert.Equal(t, int64(1), x)

	tagScore, err := store.ReadScore(context.Background(), scoring.ScoreKey{
		TargetType: scoring.TargetTypePropositionTag,
		EntityID:   "X",
		ScoreType:  scoring.ScoreTypeGlobalVoteSum,
	})
	require.NoError(t, err)
	assert.True(t, tagScore.IsAbsent())
}
