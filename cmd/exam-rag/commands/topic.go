package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/mo"
	"github.com/urfave/cli/v3"
)

// TopicExtractAction はファイルからトピックを抽出して追加する
func TopicExtractAction(ctx context.Context, cmd *cli.Command) error {
	filename := cmd.String("file")

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	n, err := appCtx.Container.TopicSvc.Extract(ctx, filename)
	if err != nil {
		return fmt.Errorf("failed to extract topics: %w", err)
	}
	slog.Info("Topics extracted", "filename", filename, "inserted", n)
	return nil
}

// TopicRegenerateAction はファイルのトピックを抽出し直して置き換える
func TopicRegenerateAction(ctx context.Context, cmd *cli.Command) error {
	filename := cmd.String("file")

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	n, err := appCtx.Container.TopicSvc.Regenerate(ctx, filename)
	if err != nil {
		return fmt.Errorf("failed to regenerate topics: %w", err)
	}
	slog.Info("Topics regenerated", "filename", filename, "count", n)
	return nil
}

// TopicListAction はトピック一覧を表示する
func TopicListAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	filter := mo.None[string]()
	if name := strings.TrimSpace(cmd.String("file")); name != "" {
		filter = mo.Some(name)
	}

	topics, err := appCtx.Container.TopicSvc.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list topics: %w", err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Topic", "File")
	for _, t := range topics {
		table.Append(t.Name, t.SourceFilename)
	}
	return table.Render()
}
