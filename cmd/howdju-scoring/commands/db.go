package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

// DBMigrateAction はテーブル定義を適用するコマンドのアクション
func DBMigrateAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.ApplySchema(ctx); err != nil {
		return err
	}
	fmt.Println("スキーマを適用しました")
	return nil
}
