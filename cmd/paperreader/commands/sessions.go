package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ZanzyTHEbar/paper-reader/cmd/paperreader/ui"
	"github.com/ZanzyTHEbar/paper-reader/reader/session"
	"github.com/ZanzyTHEbar/paper-reader/reader/stages"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"ls"},
	Short:   "List stored reading sessions",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, conn, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		if conn != nil {
			defer conn.Close()
		}

		infos, err := store.ListSessions(ctx)
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			ui.Info("No sessions yet. Start one with: paperreader chat --pdf <file>")
			return nil
		}

		rows := make([][]string, 0, len(infos))
		for _, in := range infos {
			rows = append(rows, []string{
				in.ID,
				filepath.Base(in.Document),
				stages.DisplayName(in.Stage),
				strconv.Itoa(in.Messages),
				strconv.Itoa(in.Figures),
				in.UpdatedAt.Format(time.DateTime),
			})
		}
		ui.Table(os.Stdout, []string{"ID", "DOCUMENT", "STAGE", "MESSAGES", "FIGURES", "UPDATED"}, rows)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session with its transcript and figures",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deleteSession(cmd.Context(), args[0])
	},
}

func deleteSession(ctx context.Context, id string) error {
	store, conn, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if conn != nil {
		defer conn.Close()
	}

	// deletion needs no model, so the manager runs without a runner
	manager := session.NewManager(store, nil, session.Options{
		UploadsDir:   cfg.Reader.UploadsDir,
		PublicPrefix: cfg.Reader.PublicPrefix,
	}, logger)
	if err := manager.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	ui.Success("Deleted session %s", id)
	return nil
}

func init() {
	rootCmd.AddCommand(sessionsCmd, deleteCmd)
}
