package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the team maintenance loop in the foreground",
	Long: `Tick until interrupted: reconcile running flags with live tmux
sessions, finalize reply-needed requests past their deadline, and remind
workers that owe responses. "crew up" starts this in a detached tmux
session automatically.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := teamWatcher()
		if err != nil {
			return err
		}
		if interval, _ := cmd.Flags().GetDuration("interval"); interval > 0 {
			w.Interval = interval
		}
		if nudge, _ := cmd.Flags().GetDuration("nudge-every"); nudge > 0 {
			w.NudgeEvery = nudge
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		fmt.Fprintf(os.Stderr, "Watching %s\n", w.Manager.Registry.TeamDir())
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one maintenance pass and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := teamWatcher()
		if err != nil {
			return err
		}
		w.Tick(time.Now())
		return nil
	},
}

func init() {
	watchCmd.Flags().Duration("interval", 0, "Seconds between maintenance passes (default from team.yaml)")
	watchCmd.Flags().Duration("nudge-every", 0, "Spacing between reminders per pending request slot")
	watchCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(watchCmd)
}
