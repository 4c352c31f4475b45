package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/samber/mo"

	"github.com/howdju/howdju-scoring/internal/core/scoring"
)

// ScoreRepository は entity_scores テーブルの読み書きを担う
//
// entity_scores には一意制約がないため、同一キーに複数行がある場合は
// 最新行（updated_at, id の降順で先頭）を正として扱い、警告を出す。
type ScoreRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewScoreRepository は新しい ScoreRepository を作成します
func NewScoreRepository(db DBTX, logger *slog.Logger) *ScoreRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScoreRepository{db: db, logger: logger}
}

var _ scoring.ScoreStore = (*ScoreRepository)(nil)

type scoreRow struct {
	TargetType string      `db:"target_type"`
	EntityID   string      `db:"entity_id"`
	ScoreType  string      `db:"score_type"`
	Value      int64       `db:"value"`
	CreatedAt  time.Time   `db:"created_at"`
	UpdatedAt  time.Time   `db:"updated_at"`
	LastRunID  pgtype.UUID `db:"last_run_id"`
}

func (r scoreRow) toDomain() *scoring.Score {
	return &scoring.Score{
		TargetType: scoring.TargetType(r.TargetType),
		EntityID:   r.EntityID,
		ScoreType:  scoring.ScoreType(r.ScoreType),
		Value:      r.Value,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
		LastRunID:  PgtypeToUUIDPtr(r.LastRunID),
	}
}

const scoreColumns = `target_type, entity_id, score_type, value, created_at, updated_at, last_run_id`

// ReadScore はキーに対応するスコアを返します
func (r *ScoreRepository) ReadScore(ctx context.Context, key scoring.ScoreKey) (mo.Option[*scoring.Score], error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+scoreColumns+`
		 FROM entity_scores
		 WHERE target_type = $1 AND entity_id = $2 AND score_type = $3
		 ORDER BY updated_at DESC, id DESC`,
		string(key.TargetType), key.EntityID, string(key.ScoreType),
	)
	if err != nil {
		return mo.None[*scoring.Score](), fmt.Errorf("failed to query score: %w", err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[scoreRow])
	if err != nil {
		return mo.None[*scoring.Score](), fmt.Errorf("failed to scan score: %w", err)
	}
	if len(records) == 0 {
		return mo.None[*scoring.Score](), nil
	}
	r.warnDuplicates(key, len(records))
	return mo.Some(records[0].toDomain()), nil
}

// WriteScore は値を上書きします
func (r *ScoreRepository) WriteScore(ctx context.Context, key scoring.ScoreKey, value int64, runID uuid.UUID) (*scoring.Score, error) {
	return r.upsert(ctx, key, runID, value,
		`UPDATE entity_scores
		 SET value = $2, updated_at = now(), last_run_id = $3
		 WHERE id = $1
		 RETURNING `+scoreColumns)
}

// IncrementScore は value = value + delta で加算します
// 読み取り値に依存しないため、同一キーへの並行更新でも加算が失われない
func (r *ScoreRepository) IncrementScore(ctx context.Context, key scoring.ScoreKey, delta int64, runID uuid.UUID) (*scoring.Score, error) {
	return r.upsert(ctx, key, runID, delta,
		`UPDATE entity_scores
		 SET value = value + $2, updated_at = now(), last_run_id = $3
		 WHERE id = $1
		 RETURNING `+scoreColumns)
}

// upsert は最新行をロックして updateSQL を適用し、行がなければ amount で作成します
func (r *ScoreRepository) upsert(ctx context.Context, key scoring.ScoreKey, runID uuid.UUID, amount int64, updateSQL string) (*scoring.Score, error) {
	id, found, err := r.lockLatest(ctx, key)
	if err != nil {
		return nil, err
	}

	var rows pgx.Rows
	if found {
		rows, err = r.db.Query(ctx, updateSQL, id, amount, UUIDToPgtype(runID))
	} else {
		rows, err = r.db.Query(ctx,
			`INSERT INTO entity_scores (target_type, entity_id, score_type, value, last_run_id)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING `+scoreColumns,
			string(key.TargetType), key.EntityID, string(key.ScoreType), amount, UUIDToPgtype(runID),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write score %s: %w", key, err)
	}

	rec, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[scoreRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan score %s: %w", key, err)
	}
	return rec.toDomain(), nil
}

func (r *ScoreRepository) lockLatest(ctx context.Context, key scoring.ScoreKey) (int64, bool, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id
		 FROM entity_scores
		 WHERE target_type = $1 AND entity_id = $2 AND score_type = $3
		 ORDER BY updated_at DESC, id DESC
		 FOR UPDATE`,
		string(key.TargetType), key.EntityID, string(key.ScoreType),
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to lock score %s: %w", key, err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return 0, false, fmt.Errorf("failed to lock score %s: %w", key, err)
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	r.warnDuplicates(key, len(ids))
	return ids[0], true, nil
}

func (r *ScoreRepository) warnDuplicates(key scoring.ScoreKey, n int) {
	if n > 1 {
		r.logger.Warn("同一キーのスコア行が複数存在します。最新行を使用します",
			"key", key.String(),
			"rows", n,
		)
	}
}

// ListScores はスコアを値の降順で返します
func (r *ScoreRepository) ListScores(ctx context.Context, targetType scoring.TargetType, scoreType scoring.ScoreType, limit int) ([]*scoring.Score, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+scoreColumns+` FROM (
		     SELECT DISTINCT ON (entity_id) `+scoreColumns+`
		     FROM entity_scores
		     WHERE target_type = $1 AND score_type = $2
		     ORDER BY entity_id, updated_at DESC, id DESC
		 ) latest
		 ORDER BY value DESC, entity_id
		 LIMIT $3`,
		string(targetType), string(scoreType), LimitToPgtype(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list scores: %w", err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[scoreRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan scores: %w", err)
	}

	scores := make([]*scoring.Score, 0, len(records))
	for _, rec := range records {
		scores = append(scores, rec.toDomain())
	}
	return scores, nil
}
