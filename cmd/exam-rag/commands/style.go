package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/mo"
	"github.com/urfave/cli/v3"

	"github.com/jinford/exam-rag/internal/core/knowledge"
)

// StyleExtractAction は指定ファイルの文体プロファイルを再抽出する
func StyleExtractAction(ctx context.Context, cmd *cli.Command) error {
	filename := cmd.String("file")

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	profile, err := appCtx.Container.StyleCache.Extract(ctx, filename, cmd.StringSlice("keyword"))
	if err != nil {
		return fmt.Errorf("failed to extract style profile: %w", err)
	}

	return renderStyleProfile(profile)
}

// StyleShowAction はキャッシュ済みの文体プロファイルを表示する
func StyleShowAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	profile, err := appCtx.Container.StyleCache.Get(ctx, mo.Some(cmd.String("file")))
	if err != nil {
		return fmt.Errorf("failed to get style profile: %w", err)
	}

	return renderStyleProfile(profile)
}

// StyleExtractAllAction は全試験問題ファイルの文体プロファイルを再抽出する
func StyleExtractAllAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	outcomes, err := appCtx.Container.StyleCache.ExtractAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to extract style profiles: %w", err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("File", "Status", "Chunks")
	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			table.Append(o.Filename, "failed: "+o.Err.Error(), "-")
			continue
		}
		table.Append(o.Filename, "ok", fmt.Sprintf("%d", o.Profile.Profile.ChunkCount))
	}
	table.Render()

	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d style profiles failed", failed, len(outcomes)), 1)
	}
	return nil
}

func renderStyleProfile(p *knowledge.StyleProfile) error {
	source := p.SourceFilename
	if p.IsDefault() {
		source = "(default)"
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Source", source)
	table.Append("Keywords", strings.Join(p.TopicKeywords, ", "))
	table.Append("Tone", p.Profile.Tone)
	table.Append("Complexity", p.Profile.Complexity)
	table.Append("Sentence length", p.Profile.SentenceLengthCategory)
	table.Append("Option count", fmt.Sprintf("%d", p.Profile.OptionCount))
	table.Append("Cognitive levels", strings.Join(p.Profile.CognitiveLevels, ", "))
	table.Append("Distractor patterns", strings.Join(p.Profile.DistractorPatterns, "; "))
	table.Append("Trap patterns", strings.Join(p.Profile.TrapPatterns, "; "))
	if !p.UpdatedAt.IsZero() {
		table.Append("Updated", p.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return table.Render()
}
