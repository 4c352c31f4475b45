package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/howdju/howdju-scoring/cmd/howdju-scoring/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "howdju-scoring",
		Usage: "投票からエンティティのスコアをインクリメンタルに集計するジョブ",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "スコアリングを1回実行（失敗時は終了コード1）",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:  "job",
						Usage: "ジョブ種別（省略時は全スコアラー）例: JUSTIFICATION_SCORE_DERIVATION, justification",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "集計結果を表示し、書き込みはロールバックする",
					},
				},
				Action: commands.RunAction,
			},
			{
				Name:  "schedule",
				Usage: "スコアリングを定期実行（常駐）",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:  "cron",
						Usage: "Cron形式のスケジュール（省略時は SCORING_CRON）",
					},
					&cli.StringFlag{
						Name:  "metrics-addr",
						Usage: "Prometheus メトリクスの公開アドレス（例: :9090、省略時は METRICS_ADDR）",
					},
				},
				Action: commands.ScheduleAction,
			},
			{
				Name:  "score",
				Usage: "スコア参照コマンド",
				Commands: []*cli.Command{
					{
						Name:  "show",
						Usage: "スコアを表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "target-type",
								Usage:    "対象種別（JUSTIFICATION, PROPOSITION_TAG, STATEMENT_TAG）",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "entity",
								Usage: "エンティティID（省略時は上位一覧）",
							},
							&cli.IntFlag{
								Name:  "limit",
								Usage: "表示件数",
								Value: 20,
							},
						},
						Action: commands.ScoreShowAction,
					},
				},
			},
			{
				Name:  "checkpoint",
				Usage: "チェックポイント参照コマンド",
				Commands: []*cli.Command{
					{
						Name:   "show",
						Usage:  "ジョブ種別ごとの最終成功時刻を表示",
						Flags:  []cli.Flag{envFlag()},
						Action: commands.CheckpointShowAction,
					},
				},
			},
			{
				Name:  "history",
				Usage: "実行履歴コマンド",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "実行履歴を新しい順に表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "job",
								Usage: "ジョブ種別（絞り込み）",
							},
							&cli.IntFlag{
								Name:  "limit",
								Usage: "表示件数",
								Value: 20,
							},
						},
						Action: commands.HistoryListAction,
					},
				},
			},
			{
				Name:  "db",
				Usage: "データベース管理コマンド",
				Commands: []*cli.Command{
					{
						Name:   "migrate",
						Usage:  "テーブル定義を適用",
						Flags:  []cli.Flag{envFlag()},
						Action: commands.DBMigrateAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}
