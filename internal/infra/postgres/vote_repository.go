package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/howdju/howdju-scoring/internal/core/scoring"
)

// VoteRepository は votes テーブルの読み取りを担う
type VoteRepository struct {
	db DBTX
}

// NewVoteRepository は新しい VoteRepository を作成します
func NewVoteRepository(db DBTX) *VoteRepository {
	return &VoteRepository{db: db}
}

// コンパイル時の型チェック
var _ scoring.VoteStore = (*VoteRepository)(nil)

type voteRow struct {
	ID         string    `db:"id"`
	VoterID    string    `db:"voter_id"`
	TargetType string    `db:"target_type"`
	TargetID   string    `db:"target_id"`
	Polarity   string    `db:"polarity"`
	CastAt     time.Time `db:"cast_at"`
}

const votesSinceSQL = `
SELECT id::text AS id, voter_id, target_type, target_id, polarity, cast_at
FROM votes
WHERE target_type = $1
  AND cast_at > $2
  AND ($3::timestamptz IS NULL OR cast_at <= $3)
  AND deleted_at IS NULL
ORDER BY cast_at, id`

// VotesSince は since < cast_at <= until の有効な票を返します
// 未知の polarity は生の値と検証エラーを付けて返す。除外は集計側で行う
func (r *VoteRepository) VotesSince(ctx context.Context, targetType scoring.TargetType, since, until time.Time) ([]scoring.Vote, error) {
	rows, err := r.db.Query(ctx, votesSinceSQL, string(targetType), since, TimeToPgtype(until))
	if err != nil {
		return nil, fmt.Errorf("failed to query votes: %w", err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[voteRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan votes: %w", err)
	}

	votes := make([]scoring.Vote, 0, len(records))
	for _, rec := range records {
		polarity, polarityErr := scoring.ParsePolarity(rec.Polarity)
		votes = append(votes, scoring.Vote{
			ID:          rec.ID,
			VoterID:     rec.VoterID,
			TargetType:  scoring.TargetType(rec.TargetType),
			TargetID:    rec.TargetID,
			Polarity:    polarity,
			PolarityErr: polarityErr,
			CastAt:      rec.CastAt.UTC(),
		})
	}
	return votes, nil
}

// InsertVote は票を1件追加します（シード・テスト用）
func (r *VoteRepository) InsertVote(ctx context.Context, v scoring.Vote) (string, error) {
	var id string
	err := r.db.QueryRow(ctx,
		`INSERT INTO votes (voter_id, target_type, target_id, polarity, cast_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id::text`,
		v.VoterID, string(v.TargetType), v.TargetID, string(v.Polarity), v.CastAt,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to insert vote: %w", err)
	}
	return id, nil
}

// SoftDeleteVote は票を論理削除します
func (r *VoteRepository) SoftDeleteVote(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE votes SET deleted_at = $2 WHERE id = $1::bigint AND deleted_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("failed to delete vote: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("vote not found: %s", id)
	}
	return nil
}
