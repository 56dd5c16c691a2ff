package cli

import (
	"github.com/spf13/cobra"

	"github.com/agusx1211/crew/internal/inbox"
	"github.com/agusx1211/crew/internal/tui"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Open the live team dashboard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := teamManager()
		if err != nil {
			return err
		}
		return tui.Run(tui.TeamSnapshot{
			Registry: mgr.Registry,
			Inbox:    inbox.Open(mgr.Registry.TeamDir()),
		})
	},
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}
