package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/jinford/exam-rag/internal/interface/httpapi"
)

const shutdownTimeout = 30 * time.Second

// ServerStartAction はHTTPサーバを起動し、シグナル受信で停止する
func ServerStartAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	port := appCtx.Config.Server.Port
	if cmd.IsSet("port") {
		port = int(cmd.Int("port"))
	}
	addr := fmt.Sprintf("%s:%d", appCtx.Config.Server.Host, port)

	c := appCtx.Container
	srv := httpapi.NewServer(c.Coordinator, c.StyleCache, c.TopicSvc, c.Maintain, c,
		httpapi.WithEventBuffer(appCtx.Config.Pipeline.EventBuffer),
		httpapi.WithLogger(appCtx.Logger()),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	appCtx.Logger().Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return <-errCh
}
