// Package cli is the crew command surface. Each subcommand is a thin shell
// over the worker, comm, and watch layers; state lives on disk, so every
// invocation opens the team fresh.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agusx1211/crew/internal/buildinfo"
	"github.com/agusx1211/crew/internal/debug"
	"github.com/agusx1211/crew/internal/inbox"
	"github.com/agusx1211/crew/internal/policy"
	"github.com/agusx1211/crew/internal/registry"
	"github.com/agusx1211/crew/internal/request"
	"github.com/agusx1211/crew/internal/tui"
	"github.com/agusx1211/crew/internal/worker"
)

const (
	// ANSI color codes
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"

	// Combined styles
	styleBoldCyan  = "\033[1;36m"
	styleBoldWhite = "\033[1;37m"
)

// paint wraps s in an ANSI style when stdout is a terminal.
func paint(style, s string) string {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return s
	}
	return style + s + colorReset
}

// Exit codes. Scripted callers (often the agents themselves) branch on
// these, so they are part of the interface.
const (
	exitInternal = 1
	exitNoReply  = 2
	exitNotFound = 3
	exitDenied   = 4
)

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, worker.ErrNoReply), errors.Is(err, worker.ErrSubmissionUnconfirmed):
		return exitNoReply
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, inbox.ErrMsgNotFound),
		errors.Is(err, request.ErrNotFound):
		return exitNotFound
	case errors.Is(err, policy.ErrDenied), errors.Is(err, worker.ErrHasChildren):
		return exitDenied
	default:
		return exitInternal
	}
}

var rootCmd = &cobra.Command{
	Use:   "crew",
	Short: "Multi-agent tmux orchestration",
	Long: styleBoldCyan + `crew` + colorReset + ` v` + buildinfo.Current().Version + `

  Run teams of terminal coding agents in detached tmux sessions: each
  worker gets an isolated agent home, a durable inbox, and a place in the
  team tree. crew injects prompts, reads the agents' session logs for
  replies, and keeps shared state under <project>/.crew/.

` + colorBold + `Getting Started:` + colorReset + `
  crew up                          Start the root coordinator
  crew spawn impl-a --role impl    Hire a child worker
  crew ask impl-a "status?"        Inject a prompt, wait for the reply
  crew send impl-a "heads up"      Drop a message in a worker's inbox
  crew gather impl-a impl-b -m "eta?"   Fan out a reply-needed request
  crew tree                        Show the team
  crew                             Launch the dashboard`,

	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := teamManager()
		if err != nil || !hasTeam(mgr) {
			return cmd.Help()
		}
		if isatty.IsTerminal(os.Stdout.Fd()) {
			return tui.Run(tui.TeamSnapshot{
				Registry: mgr.Registry,
				Inbox:    inbox.Open(mgr.Registry.TeamDir()),
			})
		}
		out, err := mgr.Tree("")
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to ~/.crew/debug/")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && !debug.ShouldEnableFromEnv() {
			return nil
		}
		logPath, err := debug.Init()
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%s[debug]%s logging to %s\n", colorDim, colorReset, logPath)
		bi := buildinfo.Current()
		debug.LogKV("cli", "crew starting",
			"version", bi.Version,
			"commit", bi.CommitHash,
			"build_date", bi.BuildDate,
			"pid", os.Getpid(),
			"command", cmd.Name(),
			"args", args,
		)
		return nil
	}
}

// Execute runs the root command and maps sentinel errors onto the exit
// codes callers rely on.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		fmt.Fprintf(os.Stderr, "%sError: %s%s\n", colorRed, err, colorReset)
		os.Exit(exitCodeFor(err))
	}
	debug.Logf("cli", "exit success")
}
