package scoring

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// TargetType は投票対象エンティティの種別
type TargetType string

const (
	TargetTypeJustification  TargetType = "JUSTIFICATION"
	TargetTypePropositionTag TargetType = "PROPOSITION_TAG"
	TargetTypeStatementTag   TargetType = "STATEMENT_TAG"
)

// Valid は既知の対象種別かどうかを返す
func (t TargetType) Valid() bool {
	switch t {
	case TargetTypeJustification, TargetTypePropositionTag, TargetTypeStatementTag:
		return true
	}
	return false
}

// Polarity は投票の向き。ストレージ境界で検証される閉じた列挙型
type Polarity string

const (
	PolarityPositive Polarity = "POSITIVE"
	PolarityNegative Polarity = "NEGATIVE"
)

// ParsePolarity は生の値を Polarity に変換する。未知の値は ErrUnrecognizedPolarity を返す
func ParsePolarity(raw string) (Polarity, error) {
	switch p := Polarity(raw); p {
	case PolarityPositive, PolarityNegative:
		return p, nil
	default:
		return p, fmt.Errorf("%w: %q", ErrUnrecognizedPolarity, raw)
	}
}

// Weight はスコアへの寄与（+1 / -1）を返す
func (p Polarity) Weight() (int64, error) {
	switch p {
	case PolarityPositive:
		return 1, nil
	case PolarityNegative:
		return -1, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnrecognizedPolarity, string(p))
	}
}

// Vote はユーザーが対象エンティティに投じた票
// 未知の Polarity は生の値のまま保持し、読み出し時の検証結果を PolarityErr に残す
type Vote struct {
	ID          string
	VoterID     string
	TargetType  TargetType
	TargetID    string
	Polarity    Polarity
	PolarityErr error
	CastAt      time.Time
}

// ScoreType は集計方式の識別子
type ScoreType string

const (
	ScoreTypeGlobalVoteSum ScoreType = "GLOBAL_VOTE_SUM"
)

// ScoreKey はスコア行を一意に特定するキー
// エンティティIDは種別ごとの採番のため TargetType を含める
type ScoreKey struct {
	TargetType TargetType
	EntityID   string
	ScoreType  ScoreType
}

func (k ScoreKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TargetType, k.EntityID, k.ScoreType)
}

// Score はエンティティの現在の集計値
type Score struct {
	TargetType TargetType
	EntityID   string
	ScoreType  ScoreType
	Value      int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastRunID  *uuid.UUID
}

// Key はスコアのキーを返す
func (s *Score) Key() ScoreKey {
	return ScoreKey{TargetType: s.TargetType, EntityID: s.EntityID, ScoreType: s.ScoreType}
}

// JobType は定期実行ジョブの種別
type JobType string

const (
	JobTypeJustificationScoreDerivation  JobType = "JUSTIFICATION_SCORE_DERIVATION"
	JobTypePropositionTagScoreDerivation JobType = "PROPOSITION_TAG_SCORE_DERIVATION"
	JobTypeStatementTagScoreDerivation   JobType = "STATEMENT_TAG_SCORE_DERIVATION"
)

// Epoch はチェックポイントが存在しない場合の起点
var Epoch = time.Unix(0, 0).UTC()

// Checkpoint はジョブの最終成功時刻
type Checkpoint struct {
	JobType     JobType
	CompletedAt time.Time
	RunID       *uuid.UUID
}

// SinceOrEpoch はチェックポイントの時刻を返す。存在しない場合は Epoch
func SinceOrEpoch(checkpoint mo.Option[*Checkpoint]) time.Time {
	if cp, ok := checkpoint.Get(); ok && cp != nil {
		return cp.CompletedAt
	}
	return Epoch
}

// RunStatus はジョブ実行履歴のステータス
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusDryRun    RunStatus = "dry_run"
)

// JobRun はジョブ実行1回分の履歴
type JobRun struct {
	ID            uuid.UUID
	JobType       JobType
	StartedAt     time.Time
	CompletedAt   *time.Time
	Status        RunStatus
	VoteCount     int
	RejectedVotes int
	EntityCount   int
	Message       string
}

// Scorer はジョブ種別・対象種別・集計方式の組
type Scorer struct {
	JobType    JobType
	TargetType TargetType
	ScoreType  ScoreType
}

// DefaultScorers は組み込みのスコアラー一覧を返す
func DefaultScorers() []Scorer {
	return []Scorer{
		{
			JobType:    JobTypeJustificationScoreDerivation,
			TargetType: TargetTypeJustification,
			ScoreType:  ScoreTypeGlobalVoteSum,
		},
		{
			JobType:    JobTypePropositionTagScoreDerivation,
			TargetType: TargetTypePropositionTag,
			ScoreType:  ScoreTypeGlobalVoteSum,
		},
		{
			JobType:    JobTypeStatementTagScoreDerivation,
			TargetType: TargetTypeStatementTag,
			ScoreType:  ScoreTypeGlobalVoteSum,
		},
	}
}
