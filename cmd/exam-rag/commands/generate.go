package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samber/mo"
	"github.com/urfave/cli/v3"

	"github.com/jinford/exam-rag/internal/core/generation"
	"github.com/jinford/exam-rag/internal/core/stream"
)

// GenerateAction は問題を生成し、イベントを JSON Lines で標準出力に書き出す
// error イベントで終了した場合は非ゼロで終了する
func GenerateAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	req := generation.Request{
		Topics:     cmd.StringSlice("topic"),
		Difficulty: generation.Difficulty(cmd.String("difficulty")),
		Count:      int(cmd.Int("count")),
	}
	if name := strings.TrimSpace(cmd.String("exam-file")); name != "" {
		req.ExamFilename = mo.Some(name)
	}

	em := stream.NewEmitter(appCtx.Config.Pipeline.EventBuffer)
	go func() {
		// Run は戻る前に必ず終端イベントを送出してチャネルを閉じる
		_, _ = appCtx.Container.Coordinator.Run(ctx, req, em)
	}()

	terminal, err := writeEvents(os.Stdout, em)
	if err != nil {
		return err
	}
	if terminal.Type == stream.EventError {
		return cli.Exit(terminal.Message, 1)
	}
	return nil
}

// writeEvents はチャネルが閉じるまでイベントを 1 行ずつ書き出し、終端イベントを返す
// 書き込みに失敗した場合は Emitter を停止してから残りを読み捨てる
func writeEvents(w io.Writer, em *stream.Emitter) (stream.Event, error) {
	enc := json.NewEncoder(w)
	var terminal stream.Event
	var writeErr error
	for ev := range em.Events() {
		if ev.IsTerminal() {
			terminal = ev
		}
		if writeErr != nil {
			continue
		}
		if err := enc.Encode(ev); err != nil {
			writeErr = fmt.Errorf("failed to write event: %w", err)
			em.Stop()
		}
	}
	return terminal, writeErr
}
