package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/screenqueue/internal/config"
	"github.com/zjrosen/screenqueue/internal/protocol"
	"github.com/zjrosen/screenqueue/internal/touchlink"
)

var linkCmd = &cobra.Command{
	Use:   "link <code>",
	Short: "Resolve a touch link code and remember it for the next session",
	Long: `Look up a touch link through the logged-out side channel and store it.
The next logged-in session applies it as its first call.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cleanup, err := setupLogging("screenqueue-link")
		if err != nil {
			return err
		}
		defer cleanup()
		return runLink(cmd.Context(), cfg, args[0], time.Now, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(linkCmd)
}

func runLink(ctx context.Context, c config.Config, code string, now func() time.Time, w io.Writer) error {
	if code == "" {
		return fmt.Errorf("empty link code")
	}
	svc, err := openServices(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	_ = svc.visitor.Load(ctx)
	visitor := svc.visitor.Value().Get().UID
	tl := c.TouchLinkConfig()

	var info *protocol.LinkInfo
	err = tl.Backoff.Do(ctx, "link", func(ctx context.Context) error {
		var callErr error
		info, callErr = svc.client.NotificationInfo(ctx, tl.InfoPath, code, visitor)
		return callErr
	})
	if err != nil {
		return fmt.Errorf("resolving link %s: %w", code, err)
	}

	rec := &touchlink.Record{
		Link: touchlink.Link{
			Code:           code,
			PageIdentifier: info.PageIdentifier,
			PageExtra:      info.PageExtra,
			ClickUID:       info.ClickUID,
			VisitorUID:     visitor,
		},
		SeenAt: now(),
	}
	if err := svc.db.TouchLinkRepository().SaveTouchLink(ctx, rec); err != nil {
		return fmt.Errorf("storing link: %w", err)
	}

	_, _ = fmt.Fprintf(w, "Link %s opens %s.\n", code, info.PageIdentifier)
	if len(info.PageExtra) > 0 && string(info.PageExtra) != "null" {
		var extra any
		if json.Unmarshal(info.PageExtra, &extra) == nil {
			return writeOutput(w, "json", extra)
		}
	}
	return nil
}
