package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/howdju/howdju-scoring/internal/core/scoring"
)

// RunRepository は job_runs テーブルの読み書きを担う
type RunRepository struct {
	db DBTX
}

// NewRunRepository は新しい RunRepository を作成します
func NewRunRepository(db DBTX) *RunRepository {
	return &RunRepository{db: db}
}

var _ scoring.RunHistoryStore = (*RunRepository)(nil)

type runRow struct {
	ID            pgtype.UUID        `db:"id"`
	JobType       string             `db:"job_type"`
	StartedAt     time.Time          `db:"started_at"`
	CompletedAt   pgtype.Timestamptz `db:"completed_at"`
	Status        string             `db:"status"`
	VoteCount     int32              `db:"vote_count"`
	RejectedVotes int32              `db:"rejected_votes"`
	EntityCount   int32              `db:"entity_count"`
	Message       pgtype.Text        `db:"message"`
}

// RecordRun は実行結果を1件記録します
func (r *RunRepository) RecordRun(ctx context.Context, run *scoring.JobRun) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO job_runs
		   (id, job_type, started_at, completed_at, status, vote_count, rejected_votes, entity_count, message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		UUIDToPgtype(run.ID),
		string(run.JobType),
		run.StartedAt,
		TimePtrToPgtype(run.CompletedAt),
		string(run.Status),
		run.VoteCount,
		run.RejectedVotes,
		run.EntityCount,
		StringToNullableText(run.Message),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job run: %w", err)
	}
	return nil
}

// ListRuns は実行履歴を新しい順に返します。jobType が空の場合は全種別
func (r *RunRepository) ListRuns(ctx context.Context, jobType scoring.JobType, limit int) ([]*scoring.JobRun, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, job_type, started_at, completed_at, status, vote_count, rejected_votes, entity_count, message
		 FROM job_runs
		 WHERE ($1::text = '' OR job_type = $1)
		 ORDER BY started_at DESC
		 LIMIT $2`,
		string(jobType), LimitToPgtype(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list job runs: %w", err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[runRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan job runs: %w", err)
	}

	runs := make([]*scoring.JobRun, 0, len(records))
	for _, rec := range records {
		runs = append(runs, &scoring.JobRun{
			ID:            uuid.UUID(rec.ID.Bytes),
			JobType:       scoring.JobType(rec.JobType),
			StartedAt:     rec.StartedAt.UTC(),
			CompletedAt:   PgtypeToTimePtr(rec.CompletedAt),
			Status:        scoring.RunStatus(rec.Status),
			VoteCount:     int(rec.VoteCount),
			RejectedVotes: int(rec.RejectedVotes),
			EntityCount:   int(rec.EntityCount),
			Message:       PgtextToString(rec.Message),
		})
	}
	return runs, nil
}
