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

// CheckpointRepository は job_checkpoints テーブルの読み書きを担う
type CheckpointRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewCheckpointRepository は新しい CheckpointRepository を作成します
func NewCheckpointRepository(db DBTX, logger *slog.Logger) *CheckpointRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckpointRepository{db: db, logger: logger}
}

var _ scoring.CheckpointStore = (*CheckpointRepository)(nil)

type checkpointRow struct {
	JobType     string      `db:"job_type"`
	CompletedAt time.Time   `db:"completed_at"`
	RunID       pgtype.UUID `db:"run_id"`
}

func (r checkpointRow) toDomain() *scoring.Checkpoint {
	return &scoring.Checkpoint{
		JobType:     scoring.JobType(r.JobType),
		CompletedAt: r.CompletedAt.UTC(),
		RunID:       PgtypeToUUIDPtr(r.RunID),
	}
}

// LastCompletion はジョブ種別の最終成功時刻を返します
func (r *CheckpointRepository) LastCompletion(ctx context.Context, jobType scoring.JobType) (mo.Option[*scoring.Checkpoint], error) {
	rows, err := r.db.Query(ctx,
		`SELECT job_type, completed_at, run_id
		 FROM job_checkpoints
		 WHERE job_type = $1
		 ORDER BY completed_at DESC, id DESC`,
		string(jobType),
	)
	if err != nil {
		return mo.None[*scoring.Checkpoint](), fmt.Errorf("failed to query checkpoint: %w", err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[checkpointRow])
	if err != nil {
		return mo.None[*scoring.Checkpoint](), fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	if len(records) == 0 {
		return mo.None[*scoring.Checkpoint](), nil
	}
	if len(records) > 1 {
		r.logger.Warn("同一ジョブのチェックポイント行が複数存在します。最新の時刻を使用します",
			"jobType", jobType,
			"rows", len(records),
		)
	}
	return mo.Some(records[0].toDomain()), nil
}

// RecordCompletion はチェックポイントを記録します
// 既存の時刻より過去の値が渡された場合は時刻を維持する
func (r *CheckpointRepository) RecordCompletion(ctx context.Context, jobType scoring.JobType, completedAt time.Time, runID uuid.UUID) error {
	rows, err := r.db.Query(ctx,
		`SELECT id
		 FROM job_checkpoints
		 WHERE job_type = $1
		 ORDER BY completed_at DESC, id DESC
		 FOR UPDATE`,
		string(jobType),
	)
	if err != nil {
		return fmt.Errorf("failed to lock checkpoint: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return fmt.Errorf("failed to lock checkpoint: %w", err)
	}

	if len(ids) == 0 {
		_, err = r.db.Exec(ctx,
			`INSERT INTO job_checkpoints (job_type, completed_at, run_id) VALUES ($1, $2, $3)`,
			string(jobType), completedAt, UUIDToPgtype(runID),
		)
		if err != nil {
			return fmt.Errorf("failed to insert checkpoint: %w", err)
		}
		return nil
	}

	// SET 句の右辺は更新前の値を参照する
	_, err = r.db.Exec(ctx,
		`UPDATE job_checkpoints
		 SET completed_at = GREATEST(completed_at, $2),
		     run_id = CASE WHEN $2 >= completed_at THEN $3 ELSE run_id END,
		     updated_at = now()
		 WHERE id = $1`,
		ids[0], completedAt, UUIDToPgtype(runID),
	)
	if err != nil {
		return fmt.Errorf("failed to update checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints はジョブ種別ごとの最新チェックポイントを返します
func (r *CheckpointRepository) ListCheckpoints(ctx context.Context) ([]*scoring.Checkpoint, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT ON (job_type) job_type, completed_at, run_id
		 FROM job_checkpoints
		 ORDER BY job_type, completed_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[checkpointRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan checkpoints: %w", err)
	}

	checkpoints := make([]*scoring.Checkpoint, 0, len(records))
	for _, rec := range records {
		checkpoints = append(checkpoints, rec.toDomain())
	}
	return checkpoints, nil
}
