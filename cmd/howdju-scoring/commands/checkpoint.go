package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

// CheckpointShowAction はジョブ種別ごとのチェックポイントを表示するコマンドのアクション
func CheckpointShowAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	checkpoints, err := appCtx.Container.Checkpoints.ListCheckpoints(ctx)
	if err != nil {
		return fmt.Errorf("チェックポイントの取得に失敗: %w", err)
	}
	if len(checkpoints) == 0 {
		fmt.Println("チェックポイントはありません（次回の実行はすべての票を集計します）")
		return nil
	}

	renderCheckpoints(os.Stdout, checkpoints)
	return nil
}
