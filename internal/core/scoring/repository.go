package scoring

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// VoteStore は票の読み取り専用アクセス
// テスト時のモック用に消費者側で定義
type VoteStore interface {
	// VotesSince は since < castAt <= until の票を返す。until がゼロ値の場合は上限なし
	VotesSince(ctx context.Context, targetType TargetType, since, until time.Time) ([]Vote, error)
}

// ScoreStore はスコアの読み書き
type ScoreStore interface {
	// ReadScore は存在しない場合 mo.None を返す（暗黙のゼロ）
	ReadScore(ctx context.Context, key ScoreKey) (mo.Option[*Score], error)
	// WriteScore は値を無条件に上書きする
	WriteScore(ctx context.Context, key ScoreKey, value int64, runID uuid.UUID) (*Score, error)
	// IncrementScore は値に delta をアトミックに加算する。行がなければ delta で作成する
	IncrementScore(ctx context.Context, key ScoreKey, delta int64, runID uuid.UUID) (*Score, error)
	ListScores(ctx context.Context, targetType TargetType, scoreType ScoreType, limit int) ([]*Score, error)
}

// CheckpointStore はジョブの最終成功時刻の読み書き
type CheckpointStore interface {
	LastCompletion(ctx context.Context, jobType JobType) (mo.Option[*Checkpoint], error)
	// RecordCompletion はチェックポイントを記録する。既存値より過去の時刻では後退しない
	RecordCompletion(ctx context.Context, jobType JobType, completedAt time.Time, runID uuid.UUID) error
	ListCheckpoints(ctx context.Context) ([]*Checkpoint, error)
}

// RunHistoryStore はジョブ実行履歴
type RunHistoryStore interface {
	RecordRun(ctx context.Context, run *JobRun) error
	ListRuns(ctx context.Context, jobType JobType, limit int) ([]*JobRun, error)
}

// JobLocker はジョブ種別単位の排他ロック（トランザクション終了で解放）
type JobLocker interface {
	LockJob(ctx context.Context, jobType JobType) error
}

// Stores は1トランザクション内で使用するストア群
type Stores struct {
	Votes       VoteStore
	Scores      ScoreStore
	Checkpoints CheckpointStore
	Locks       JobLocker
	// ConcurrentWrites はスコア更新を並行に発行できるかどうか
	ConcurrentWrites bool
}

// Transactor は fn を単一トランザクションで実行する
// fn がエラーを返した場合はすべての書き込みがロールバックされる
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, stores *Stores) error) error
}
