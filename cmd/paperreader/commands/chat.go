package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/ZanzyTHEbar/paper-reader/cmd/paperreader/ui"
	"github.com/ZanzyTHEbar/paper-reader/reader/agent"
	"github.com/ZanzyTHEbar/paper-reader/reader/generation/harness"
	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
	"github.com/ZanzyTHEbar/paper-reader/reader/session"
	"github.com/ZanzyTHEbar/paper-reader/reader/stages"
	"github.com/spf13/cobra"
)

var (
	pdfPath   string
	sessionID string
	language  string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Read a paper interactively",
	Long: `Start a new reading session for a PDF, or resume a stored one with --session.
Type a question or ask to move on to the next stage. Type /quit to leave.`,
	Example: `  paperreader chat --pdf attention.pdf
  paperreader chat --session 3f2c9a41
  paperreader chat --pdf bert.pdf --lang ko`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&pdfPath, "pdf", "p", "", "PDF to read")
	chatCmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id to create or resume")
	chatCmd.Flags().StringVarP(&language, "lang", "l", "", "response language code (default from config)")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	if pdfPath == "" && sessionID == "" {
		return errors.New("either --pdf or --session is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var doc ports.DocumentRef
	if pdfPath != "" {
		abs, err := filepath.Abs(pdfPath)
		if err != nil {
			return fmt.Errorf("resolve pdf path: %w", err)
		}
		if _, err := os.Stat(abs); err != nil {
			return fmt.Errorf("open pdf: %w", err)
		}
		doc.Path = abs
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.manager.Open(ctx, session.OpenOptions{ID: sessionID, Document: doc, Language: language})
	if err != nil {
		return err
	}
	ui.Info("Session %s (%s)", sess.ID(), filepath.Base(sess.Document().Path))

	reply, err := runWithSpinner("analyzing document", func(status harness.StatusFunc) (*session.Reply, error) {
		return a.manager.Start(ctx, sess.ID(), status)
	})
	if err != nil {
		return err
	}
	if reply.Restored {
		ui.Success("Resumed session")
	}
	printReply(reply)

	lines := ui.Lines(os.Stdin)
	for {
		ui.Prompt()
		if !lines.Scan() {
			break
		}
		text := strings.TrimSpace(lines.Text())
		switch text {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		reply, err := runWithSpinner("thinking", func(status harness.StatusFunc) (*session.Reply, error) {
			return a.manager.Send(ctx, sess.ID(), text, status)
		})
		switch {
		case err == nil:
			printReply(reply)
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, agent.ErrRetryable):
			ui.Warning("The model is busy or timed out. Please try again.")
		default:
			ui.Error("%v", err)
		}
	}
	return lines.Err()
}

func runWithSpinner(initial string, fn func(harness.StatusFunc) (*session.Reply, error)) (*session.Reply, error) {
	sp := ui.NewSpinner(initial)
	sp.Start()
	defer sp.Stop()
	return fn(func(status string) { sp.Update(status) })
}

func printReply(r *session.Reply) {
	fmt.Println()
	if r.Stage != "" {
		ui.Stage(stages.DisplayName(r.Stage))
	}
	fmt.Println(r.Text)
	for _, f := range r.Figures {
		ui.Info("%s [%s, page %d] %s", f.Title, f.Type, f.Page, f.RelPath)
	}
	if r.Exhausted {
		ui.Warning("Stopped after reaching the tool call limit for this turn.")
	}
	fmt.Println()
}
