package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/howdju/howdju-scoring/internal/core/scoring"
	"github.com/howdju/howdju-scoring/internal/infra/postgres"
)

// TransactionProvider follows the pattern described in https://threedots.tech/post/database-transactions-in-go/
// It hides pgx transactions behind a callback that receives data-access adapters.
type TransactionProvider struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewTransactionProvider は新しいTransactionProviderを作成します
func NewTransactionProvider(pool *pgxpool.Pool, logger *slog.Logger) *TransactionProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransactionProvider{pool: pool, logger: logger}
}

var _ scoring.Transactor = (*TransactionProvider)(nil)

// Adapter bundles repository adapters that operate inside a single transaction.
type Adapter struct {
	Votes       *postgres.VoteRepository
	Scores      *postgres.ScoreRepository
	Checkpoints *postgres.CheckpointRepository
	Runs        *postgres.RunRepository
	Locks       *Manager
}

func newAdapter(tx pgx.Tx, logger *slog.Logger) *Adapter {
	return &Adapter{
		Votes:       postgres.NewVoteRepository(tx),
		Scores:      postgres.NewScoreRepository(tx, logger),
		Checkpoints: postgres.NewCheckpointRepository(tx, logger),
		Runs:        postgres.NewRunRepository(tx),
		Locks:       NewManager(tx),
	}
}

// Stores はスコアリングジョブ向けのストア群に変換します
// pgx.Tx は並行利用できないため ConcurrentWrites は false
func (a *Adapter) Stores() *scoring.Stores {
	return &scoring.Stores{
		Votes:            a.Votes,
		Scores:           a.Scores,
		Checkpoints:      a.Checkpoints,
		Locks:            a.Locks,
		ConcurrentWrites: false,
	}
}

// Transact opens a transaction, builds adapters, and passes them to fn.
func Transact[T any](ctx context.Context, p *TransactionProvider, fn func(context.Context, *Adapter) (T, error)) (T, error) {
	var zero T
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	adapters := newAdapter(tx, p.logger)

	result, err := fn(ctx, adapters)
	if err != nil {
		// ctx がキャンセル済みでもロールバックは届ける
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			return zero, fmt.Errorf("tx rollback failed: %v (original err: %w)", rbErr, err)
		}
		return zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

// WithinTx は scoring.Transactor の実装です
func (p *TransactionProvider) WithinTx(ctx context.Context, fn func(ctx context.Context, stores *scoring.Stores) error) error {
	_, err := Transact(ctx, p, func(ctx context.Context, a *Adapter) (struct{}, error) {
		return struct{}{}, fn(ctx, a.Stores())
	})
	return err
}
