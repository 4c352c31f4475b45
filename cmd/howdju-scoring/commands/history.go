package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/howdju/howdju-scoring/internal/core/scoring"
)

// HistoryListAction は実行履歴を表示するコマンドのアクション
func HistoryListAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	limit := int(cmd.Int("limit"))

	var jobType scoring.JobType
	if name := cmd.String("job"); name != "" {
		jt, err := parseJobType(name)
		if err != nil {
			return err
		}
		jobType = jt
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	runs, err := appCtx.Container.Runs.ListRuns(ctx, jobType, limit)
	if err != nil {
		return fmt.Errorf("実行履歴の取得に失敗: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("実行履歴はありません")
		return nil
	}

	renderRuns(os.Stdout, runs)
	return nil
}
