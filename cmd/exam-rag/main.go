package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/jinford/exam-rag/cmd/exam-rag/commands"
)

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

func fileFlag(required bool, usage string) cli.Flag {
	return &cli.StringFlag{
		Name:     "file",
		Usage:    usage,
		Required: required,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "exam-rag",
		Usage: "教材と過去問から試験形式の多肢選択問題を生成する",
		Commands: []*cli.Command{
			{
				Name:  "generate",
				Usage: "問題を生成し、進捗イベントを JSON Lines で出力",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringSliceFlag{
						Name:     "topic",
						Usage:    "出題トピック（複数指定可）",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "difficulty",
						Usage: "難易度 (easy/medium/hard)",
						Value: "medium",
					},
					&cli.IntFlag{
						Name:  "count",
						Usage: "生成する問題数 (1-50)",
						Value: 5,
					},
					&cli.StringFlag{
						Name:  "exam-file",
						Usage: "文体を合わせる過去問ファイル（省略時はトピックから推定）",
					},
				},
				Action: commands.GenerateAction,
			},
			{
				Name:  "style",
				Usage: "文体プロファイル管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "extract",
						Usage: "過去問ファイルから文体プロファイルを再抽出",
						Flags: []cli.Flag{
							envFlag(),
							fileFlag(true, "過去問ファイル名"),
							&cli.StringSliceFlag{
								Name:  "keyword",
								Usage: "トピックキーワード（複数指定可）",
							},
						},
						Action: commands.StyleExtractAction,
					},
					{
						Name:  "show",
						Usage: "文体プロファイルを表示（未キャッシュなら抽出）",
						Flags: []cli.Flag{
							envFlag(),
							fileFlag(true, "過去問ファイル名"),
						},
						Action: commands.StyleShowAction,
					},
					{
						Name:  "extract-all",
						Usage: "全過去問ファイルの文体プロファイルを再抽出",
						Flags: []cli.Flag{
							envFlag(),
						},
						Action: commands.StyleExtractAllAction,
					},
				},
			},
			{
				Name:  "topic",
				Usage: "トピック管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "extract",
						Usage: "教材ファイルからトピックを抽出して追加",
						Flags: []cli.Flag{
							envFlag(),
							fileFlag(true, "教材ファイル名"),
						},
						Action: commands.TopicExtractAction,
					},
					{
						Name:  "regenerate",
						Usage: "教材ファイルのトピックを抽出し直して置き換え",
						Flags: []cli.Flag{
							envFlag(),
							fileFlag(true, "教材ファイル名"),
						},
						Action: commands.TopicRegenerateAction,
					},
					{
						Name:  "list",
						Usage: "トピック一覧を表示",
						Flags: []cli.Flag{
							envFlag(),
							fileFlag(false, "ファイル名（絞り込み）"),
						},
						Action: commands.TopicListAction,
					},
				},
			},
			{
				Name:  "file",
				Usage: "ファイル管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "delete",
						Usage: "ファイルのチャンク・トピック・文体プロファイルを削除",
						Flags: []cli.Flag{
							envFlag(),
							fileFlag(true, "ファイル名"),
						},
						Action: commands.FileDeleteAction,
					},
				},
			},
			{
				Name:  "db",
				Usage: "データベース管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "migrate",
						Usage: "スキーマを作成",
						Flags: []cli.Flag{
							envFlag(),
						},
						Action: commands.DBMigrateAction,
					},
				},
			},
			{
				Name:  "server",
				Usage: "サーバ関連コマンド",
				Commands: []*cli.Command{
					{
						Name:  "start",
						Usage: "HTTPサーバを起動",
						Flags: []cli.Flag{
							envFlag(),
							&cli.IntFlag{
								Name:  "port",
								Usage: "HTTPポート（省略時は環境変数またはデフォルトの8080）",
								Value: 8080,
							},
						},
						Action: commands.ServerStartAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
