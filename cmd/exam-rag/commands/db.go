package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/jinford/exam-rag/internal/platform/database"
)

// DBMigrateAction はスキーマを作成する
// OpenAI の設定は不要なため、コンテナを経由せず直接接続する
func DBMigrateAction(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd.String("env"))
	if err != nil {
		return err
	}

	db, err := database.New(ctx, database.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db.Pool, cfg.OpenAI.EmbeddingDimension); err != nil {
		return err
	}
	logger.Info("Schema migrated", "dimension", cfg.OpenAI.EmbeddingDimension)
	return nil
}
