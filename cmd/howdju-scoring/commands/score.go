package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/howdju/howdju-scoring/internal/core/scoring"
)

// ScoreShowAction はスコアを表示するコマンドのアクション
func ScoreShowAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	targetType, err := parseTargetType(cmd.String("target-type"))
	if err != nil {
		return err
	}
	entityID := cmd.String("entity")
	limit := int(cmd.Int("limit"))

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	repo := appCtx.Container.Scores

	if entityID != "" {
		key := scoring.ScoreKey{TargetType: targetType, EntityID: entityID, ScoreType: scoring.ScoreTypeGlobalVoteSum}
		opt, err := repo.ReadScore(ctx, key)
		if err != nil {
			return fmt.Errorf("スコアの取得に失敗: %w", err)
		}
		score, ok := opt.Get()
		if !ok {
			// 行がない場合はスコア 0 とみなす
			fmt.Printf("%s: 0（未集計）\n", key)
			return nil
		}
		renderScores(os.Stdout, []*scoring.Score{score})
		return nil
	}

	scores, err := repo.ListScores(ctx, targetType, scoring.ScoreTypeGlobalVoteSum, limit)
	if err != nil {
		return fmt.Errorf("スコアの取得に失敗: %w", err)
	}
	if len(scores) == 0 {
		fmt.Println("スコアはありません")
		return nil
	}

	renderScores(os.Stdout, scores)
	return nil
}
