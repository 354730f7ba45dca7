package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"
)

// FileDeleteAction はファイルに紐づくチャンク・トピック・文体プロファイルを削除する
func FileDeleteAction(ctx context.Context, cmd *cli.Command) error {
	filename := cmd.String("file")

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	res, err := appCtx.Container.Maintain.DeleteFile(ctx, filename)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	slog.Info("File deleted",
		"filename", filename,
		"chunks", res.Chunks,
		"topics", res.Topics,
		"styleProfiles", res.StyleProfiles,
	)
	return nil
}
