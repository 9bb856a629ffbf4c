package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/rota/internal/coordinator"
	"github.com/joescharf/rota/internal/daemon"
	"github.com/joescharf/rota/internal/models"
	"github.com/joescharf/rota/internal/output"
	"github.com/joescharf/rota/internal/reconcile"
	"github.com/joescharf/rota/internal/transport"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow shifts, tasks and the agent chat live",
	Long: `Connect to the realtime channel and print changes as they arrive.
Exits non-zero when the server rejects the session or the connection gives
up retrying.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchRun()
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func watchPIDFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "rota-watch.pid"))
}

func watchRun() error {
	release, err := watchPIDFile().Acquire()
	if err != nil {
		return err
	}
	defer release()

	c, err := requireSession()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Stop()

	ui.Info("Watching as %s (Ctrl-C to stop)", c.Session().User.FullName)
	return follow(ctx, c, ui.Out)
}

// follow prints transport transitions and applied changes until ctx ends or
// the live session does.
func follow(ctx context.Context, c *coordinator.Coordinator, w io.Writer) error {
	changes := c.Reconciler().Changes()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return fmt.Errorf("session ended: %w", c.Err())
		case tr := <-c.Transitions():
			printTransition(w, tr)
		case ch := <-changes:
			printChange(w, ch)
		}
	}
}

func printTransition(w io.Writer, tr transport.Transition) {
	line := fmt.Sprintf("%s connection %s", stamp(tr.At), output.StateColor(string(tr.To)))
	if tr.Err != nil {
		line += fmt.Sprintf(" (%v)", tr.Err)
	}
	fmt.Fprintln(w, line)
}

func printChange(w io.Writer, ch reconcile.Change) {
	switch {
	case ch.Chat != nil:
		fmt.Fprintf(w, "%s ", stamp(ch.Chat.Timestamp.Time))
		who := clientName(orDash(ch.Chat.Sender))
		if ch.Chat.FromAgent() {
			who = agentName(orDash(ch.Chat.Sender))
		}
		fmt.Fprintf(w, "%s: %s\n", who, ch.Chat.Content)
	case ch.Notice != nil:
		msg := ch.Notice.Message
		if ch.Notice.Kind == models.NotificationWarning {
			msg = color.HiYellowString("warning:") + " " + msg
		}
		fmt.Fprintf(w, "%s %s\n", stamp(ch.Notice.CreatedAt), msg)
	}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return dim(t.Local().Format("15:04:05"))
}
