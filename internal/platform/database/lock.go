package database

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/howdju/howdju-scoring/internal/core/scoring"
)

// lockNamespace はスコアリングジョブ用ロックIDの名前空間
const lockNamespace = "howdju-scoring-job:"

// Manager はトランザクションスコープのアドバイザリロックを取得します
type Manager struct {
	tx pgx.Tx
}

// NewManager はトランザクションからロックマネージャーを生成します
func NewManager(tx pgx.Tx) *Manager {
	return &Manager{tx: tx}
}

var _ scoring.JobLocker = (*Manager)(nil)

// GenerateLockID は文字列からロックIDを生成します
func GenerateLockID(parts ...string) int64 {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
	}
	hash := h.Sum(nil)

	// ハッシュの最初の8バイトをint64として使用
	var id int64
	for i := range 8 {
		id = (id << 8) | int64(hash[i])
	}

	return id
}

// JobLockID はジョブ種別に対応するロックIDを返します
func JobLockID(jobType scoring.JobType) int64 {
	return GenerateLockID(lockNamespace, string(jobType))
}

// LockJob はジョブ種別単位のロックを取得します
// pg_advisory_xact_lock を使うため、トランザクション終了時に自動的に解放される
// 別プロセスが同じジョブ種別を実行中の場合はその終了まで待機する
func (m *Manager) LockJob(ctx context.Context, jobType scoring.JobType) error {
	if _, err := m.tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", JobLockID(jobType)); err != nil {
		return fmt.Errorf("failed to acquire advisory lock for %s: %w", jobType, err)
	}
	return nil
}
