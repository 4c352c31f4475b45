// Package memory はテスト用のインメモリストアを提供する。
// CLI からは使用されない。
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/samber/mo"

	"github.com/howdju/howdju-scoring/internal/core/scoring"
)

// Store は票・スコア・チェックポイント・実行履歴をメモリ上に保持する
// トランザクションは直列化され、失敗時は開始時点のスナップショットに戻す
type Store struct {
	clock clockwork.Clock

	txMu sync.Mutex

	mu          sync.RWMutex
	votes       []scoring.Vote
	scores      map[scoring.ScoreKey]*scoring.Score
	checkpoints map[scoring.JobType]*scoring.Checkpoint
	runs        []*scoring.JobRun
}

// コンパイル時の型チェック
var (
	_ scoring.VoteStore       = (*Store)(nil)
	_ scoring.ScoreStore      = (*Store)(nil)
	_ scoring.CheckpointStore = (*Store)(nil)
	_ scoring.RunHistoryStore = (*Store)(nil)
	_ scoring.Transactor      = (*Store)(nil)
)

// NewStore は空のストアを作成する
func NewStore(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:       clock,
		scores:      make(map[scoring.ScoreKey]*scoring.Score),
		checkpoints: make(map[scoring.JobType]*scoring.Checkpoint),
	}
}

// AddVotes は票を追加する
func (s *Store) AddVotes(votes ...scoring.Vote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes = append(s.votes, votes...)
}

// SetCheckpoint はチェックポイントを直接設定する
func (s *Store) SetCheckpoint(jobType scoring.JobType, completedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[jobType] = &scoring.Checkpoint{JobType: jobType, CompletedAt: completedAt}
}

// WithinTx は fn を直列に実行し、エラー時は変更を破棄する
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, stores *scoring.Stores) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshotScores, snapshotCheckpoints := s.snapshot()

	err := fn(ctx, &scoring.Stores{
		Votes:            s,
		Scores:           s,
		Checkpoints:      s,
		ConcurrentWrites: true,
	})
	if err == nil {
		// コミット直前の期限切れはロールバック扱い
		err = ctx.Err()
	}
	if err != nil {
		s.restore(snapshotScores, snapshotCheckpoints)
		return err
	}
	return nil
}

func (s *Store) snapshot() (map[scoring.ScoreKey]*scoring.Score, map[scoring.JobType]*scoring.Checkpoint) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scores := make(map[scoring.ScoreKey]*scoring.Score, len(s.scores))
	for k, v := range s.scores {
		copied := *v
		scores[k] = &copied
	}
	checkpoints := make(map[scoring.JobType]*scoring.Checkpoint, len(s.checkpoints))
	for k, v := range s.checkpoints {
		copied := *v
		checkpoints[k] = &copied
	}
	return scores, checkpoints
}

func (s *Store) restore(scores map[scoring.ScoreKey]*scoring.Score, checkpoints map[scoring.JobType]*scoring.Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = scores
	s.checkpoints = checkpoints
}

// === Vote ===

func (s *Store) VotesSince(ctx context.Context, targetType scoring.TargetType, since, until time.Time) ([]scoring.Vote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]scoring.Vote, 0)
	for _, v := range s.votes {
		if v.TargetType != targetType || !v.CastAt.After(since) {
			continue
		}
		if !until.IsZero() && v.CastAt.After(until) {
			continue
		}
		v.Polarity, v.PolarityErr = scoring.ParsePolarity(string(v.Polarity))
		result = append(result, v)
	}
	return result, nil
}

// === Score ===

func (s *Store) ReadScore(ctx context.Context, key scoring.ScoreKey) (mo.Option[*scoring.Score], error) {
	if err := ctx.Err(); err != nil {
		return mo.None[*scoring.Score](), err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	score, ok := s.scores[key]
	if !ok {
		return mo.None[*scoring.Score](), nil
	}
	copied := *score
	return mo.Some(&copied), nil
}

func (s *Store) WriteScore(ctx context.Context, key scoring.ScoreKey, value int64, runID uuid.UUID) (*scoring.Score, error) {
	return s.mutateScore(ctx, key, runID, func(int64) int64 { return value })
}

func (s *Store) IncrementScore(ctx context.Context, key scoring.ScoreKey, delta int64, runID uuid.UUID) (*scoring.Score, error) {
	return s.mutateScore(ctx, key, runID, func(current int64) int64 { return current + delta })
}

func (s *Store) mutateScore(ctx context.Context, key scoring.ScoreKey, runID uuid.UUID, fn func(int64) int64) (*scoring.Score, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	score, ok := s.scores[key]
	if !ok {
		score = &scoring.Score{
			TargetType: key.TargetType,
			EntityID:   key.EntityID,
			ScoreType:  key.ScoreType,
			CreatedAt:  now,
		}
		s.scores[key] = score
	}
	score.Value = fn(score.Value)
	score.UpdatedAt = now
	id := runID
	score.LastRunID = &id

	copied := *score
	return &copied, nil
}

func (s *Store) ListScores(ctx context.Context, targetType scoring.TargetType, scoreType scoring.ScoreType, limit int) ([]*scoring.Score, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*scoring.Score, 0)
	for _, score := range s.scores {
		if score.TargetType != targetType || score.ScoreType != scoreType {
			continue
		}
		copied := *score
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Value != result[j].Value {
			return result[i].Value > result[j].Value
		}
		return result[i].EntityID < result[j].EntityID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// === Checkpoint ===

func (s *Store) LastCompletion(ctx context.Context, jobType scoring.JobType) (mo.Option[*scoring.Checkpoint], error) {
	if err := ctx.Err(); err != nil {
		return mo.None[*scoring.Checkpoint](), err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[jobType]
	if !ok {
		return mo.None[*scoring.Checkpoint](), nil
	}
	copied := *cp
	return mo.Some(&copied), nil
}

func (s *Store) RecordCompletion(ctx context.Context, jobType scoring.JobType, completedAt time.Time, runID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp, ok := s.checkpoints[jobType]; ok && cp.CompletedAt.After(completedAt) {
		return nil
	}
	id := runID
	s.checkpoints[jobType] = &scoring.Checkpoint{JobType: jobType, CompletedAt: completedAt, RunID: &id}
	return nil
}

func (s *Store) ListCheckpoints(ctx context.Context) ([]*scoring.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]scoring.JobType, 0, len(s.checkpoints))
	for k := range maps.Keys(s.checkpoints) {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	result := make([]*scoring.Checkpoint, 0, len(keys))
	for _, k := range keys {
		copied := *s.checkpoints[k]
		result = append(result, &copied)
	}
	return result, nil
}

// === JobRun ===

func (s *Store) RecordRun(ctx context.Context, run *scoring.JobRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *run
	s.runs = append(s.runs, &copied)
	return nil
}

func (s *Store) ListRuns(ctx context.Context, jobType scoring.JobType, limit int) ([]*scoring.JobRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*scoring.JobRun, 0)
	for i := len(s.runs) - 1; i >= 0; i-- {
		run := s.runs[i]
		if jobType != "" && run.JobType != jobType {
			continue
		}
		copied := *run
		result = append(result, &copied)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}
