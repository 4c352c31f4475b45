package scoring

import (
	"errors"
	"fmt"
)

var (
	// ErrUnrecognizedPolarity は未知の投票方向。集計から除外され、ジョブは継続する
	ErrUnrecognizedPolarity = errors.New("unrecognized vote polarity")
	// ErrRunTimeout は実行期限切れ。チェックポイントは進まない
	ErrRunTimeout = errors.New("scoring run deadline exceeded")
	// ErrJobRunning は同一ジョブインスタンスの多重実行
	ErrJobRunning = errors.New("scoring job is already running")
	// ErrUnknownJobType は登録されていないジョブ種別
	ErrUnknownJobType = errors.New("unknown job type")

	// errDryRunRollback はドライラン時にトランザクションをロールバックさせるための内部エラー
	errDryRunRollback = errors.New("dry run rollback")
)

// StorageError は票・スコア・チェックポイントの読み書き失敗
type StorageError struct {
	Op  string
	Err error
}

// NewStorageError は操作名付きの StorageError を作成する。err が nil の場合は nil を返す
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error (%s): %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError は err が StorageError を含むかどうかを返す
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
