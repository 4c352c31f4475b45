package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/howdju/howdju-scoring/internal/core/scoring"
	"github.com/howdju/howdju-scoring/internal/infra/postgres"
	"github.com/howdju/howdju-scoring/internal/platform/container"
)

// RunAction はスコアリングを1回実行するコマンドのアクション
// いずれかのジョブが失敗した場合はエラーを返し、終了コードが非0になる
func RunAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	jobName := cmd.String("job")
	dryRun := cmd.Bool("dry-run")

	var jobType scoring.JobType
	if jobName != "" {
		jt, err := parseJobType(jobName)
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

	runner, err := appCtx.Container.NewDatabaseRunner(container.RunnerOptions{DryRun: dryRun})
	if err != nil {
		return err
	}

	var reports []*scoring.RunReport
	if jobType != "" {
		var report *scoring.RunReport
		report, err = runner.RunJob(ctx, jobType)
		reports = []*scoring.RunReport{report}
	} else {
		reports, err = runner.RunAll(ctx)
	}

	renderRunReports(os.Stdout, reports)
	if dryRun {
		fmt.Println("\nドライラン: 以下の差分はロールバックされました")
		renderDeltas(os.Stdout, reports)
	}

	if err != nil {
		logRunFailure(appCtx.Logger(), err)
		return fmt.Errorf("スコアリングの実行に失敗: %w", err)
	}
	return nil
}

// logRunFailure は失敗の種類に応じて再試行の要否をログに残す
func logRunFailure(logger *slog.Logger, err error) {
	switch {
	case postgres.IsTransient(err):
		logger.Warn("一時的なデータベースエラーです。次回の実行で再試行されます", "error", err)
	case scoring.IsStorageError(err):
		logger.Error("ストレージの読み書きに失敗しました。チェックポイントは進んでいません", "error", err)
	}
}
