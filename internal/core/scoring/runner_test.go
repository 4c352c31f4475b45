package scoring_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howdju/howdju-scoring/internal/core/scoring"
	"github.com/howdju/howdju-scoring/internal/infra/memory"
)

func newRunner(t *testing.T, tx scoring.Transactor, clock clockwork.Clock) *scoring.Runner {
	t.Helper()
	var jobs []*scoring.Job
	for _, s := range scoring.DefaultScorers() {
		jobs = append(jobs, scoring.NewJob(s, tx,
			scoring.WithJobClock(clock),
			scoring.WithJobLogger(quietLogger()),
		))
	}
	return scoring.NewRunner(jobs,
		scoring.WithMaxParallelJobs(3),
		scoring.WithRunnerLogger(quietLogger()),
	)
}

func TestRunner_RunAll(t *testing.T) {
	clock := clockwork.NewFakeClockAt(runStart)
	store := memory.NewStore(clock)
	castAt := runStart.Add(-time.Minute)
	store.AddVotes(
		scoring.Vote{ID: "1", TargetType: scoring.TargetTypeJustification, TargetID: "J1", Polarity: scoring.PolarityPositive, CastAt: castAt},
		scoring.Vote{ID: "2", TargetType: scoring.TargetTypePropositionTag, TargetID: "PT1", Polarity: scoring.PolarityNegative, CastAt: castAt},
		scoring.Vote{ID: "3", TargetType: scoring.TargetTypeStatementTag, TargetID: "ST1", Polarity: scoring.PolarityPositive, CastAt: castAt},
		scoring.Vote{ID: "4", TargetType: scoring.TargetTypeStatementTag, TargetID: "ST1", Polarity: scoring.PolarityPositive, CastAt: castAt},
	)

	runner := newRunner(t, store, clock)
	reports, err := runner.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 3)
	for _, r := range reports {
		require.NotNil(t, r)
		assert.True(t, r.Succeeded())
	}

	checkpoints, err := store.ListCheckpoints(context.Background())
	require.NoError(t, err)
	assert.Len(t, checkpoints, 3)

	st, err := store.ListScores(context.Background(), scoring.TargetTypeStatementTag, scoring.ScoreTypeGlobalVoteSum, 0)
	require.NoError(t, err)
	require.Len(t, st, 1)
	assert.Equal(t, int64(2), st[0].Value)

	pt, err := store.ListScores(context.Background(), scoring.TargetTypePropositionTag, scoring.ScoreTypeGlobalVoteSum, 0)
	require.NoError(t, err)
	require.Len(t, pt, 1)
	assert.Equal(t, int64(-1), pt[0].Value)
}

func TestRunner_RunAll_ContinuesAfterFailure(t *testing.T) {
	clock := clockwork.NewFakeClockAt(runStart)
	store := memory.NewStore(clock)
	store.AddVotes(
		scoring.Vote{ID: "1", TargetType: scoring.TargetTypeJustification, TargetID: "J1", Polarity: scoring.PolarityPositive, CastAt: runStart.Add(-time.Minute)},
		scoring.Vote{ID: "2", TargetType: scoring.TargetTypeStatementTag, TargetID: "ST1", Polarity: scoring.PolarityPositive, CastAt: runStart.Add(-time.Minute)},
	)

	// スコア更新は常に失敗させる
	runner := newRunner(t, &faultyTransactor{inner: store, failAfter: 0}, clock)
	reports, err := runner.RunAll(context.Background())
	require.Error(t, err)
	assert.True(t, scoring.IsStorageError(err))
	require.Len(t, reports, 3)

	var failed, succeeded int
	for _, r := range reports {
		if r.Succeeded() {
			succeeded++
		} else {
			failed++
		}
	}
	// 票のない PROPOSITION_TAG だけが成功する
	assert.Equal(t, 2, failed)
	assert.Equal(t, 1, succeeded)
}

func TestRunner_RunJob(t *testing.T) {
	clock := clockwork.NewFakeClockAt(runStart)
	store := memory.NewStore(clock)
	runner := newRunner(t, store, clock)

	report, err := runner.RunJob(context.Background(), scoring.JobTypeStatementTagScoreDerivation)
	require.NoError(t, err)
	assert.Equal(t, scoring.JobTypeStatementTagScoreDerivation, report.JobType)

	_, err = runner.RunJob(context.Background(), scoring.JobType("UNKNOWN"))
	assert.ErrorIs(t, err, scoring.ErrUnknownJobType)

	job, ok := runner.Job(scoring.JobTypeJustificationScoreDerivation)
	require.True(t, ok)
	assert.Equal(t, scoring.TargetTypeJustification, job.Scorer().TargetType)
	assert.Len(t, runner.Jobs(), 3)
}
