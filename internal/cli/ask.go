package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var askCmd = &cobra.Command{
	Use:   "ask <worker> <message...>",
	Short: "Inject a prompt and wait for the agent's reply",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := teamManager()
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if timeout <= 0 {
			timeout = mgr.Cfg.Inject.EffectiveReplyTimeout()
		}
		reply, err := mgr.Ask(args[0], strings.Join(args[1:], " "), timeout)
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	},
}

var injectCmd = &cobra.Command{
	Use:   "inject <worker> <message...>",
	Short: "Inject a prompt without waiting for a reply",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := teamManager()
		if err != nil {
			return err
		}
		return mgr.Inject(args[0], strings.Join(args[1:], " "))
	},
}

var pendCmd = &cobra.Command{
	Use:   "pend <worker>",
	Short: "Show a worker's recent prompt/reply exchanges",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := teamManager()
		if err != nil {
			return err
		}
		n, _ := cmd.Flags().GetInt("n")
		exchanges, err := mgr.Pend(args[0], n)
		if err != nil {
			return err
		}
		for i, ex := range exchanges {
			if i > 0 {
				fmt.Println()
			}
			fmt.Printf("%s %s\n", paint(styleBoldCyan, ">"), ex.Prompt)
			fmt.Println(ex.Reply)
		}
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping <worker>",
	Short: "Capture the worker's visible terminal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := teamManager()
		if err != nil {
			return err
		}
		lines, _ := cmd.Flags().GetInt("lines")
		out, err := mgr.Ping(args[0], lines)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

func init() {
	askCmd.Flags().DurationP("timeout", "t", 0, "How long to wait for the reply (default from config)")
	pendCmd.Flags().IntP("n", "n", 1, "How many recent exchanges to show")
	pingCmd.Flags().Int("lines", 40, "How many terminal lines to capture")
	rootCmd.AddCommand(askCmd, injectCmd, pendCmd, pingCmd)
}
