package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agusx1211/crew/internal/policy"
	"github.com/agusx1211/crew/internal/registry"
	"github.com/agusx1211/crew/internal/watch"
	"github.com/agusx1211/crew/internal/worker"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the root worker and the team watcher",
	Args:  cobra.NoArgs,
	RunE:  runUp,
}

var spawnCmd = &cobra.Command{
	Use:   "spawn <base>",
	Short: "Start a child worker under a parent",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpawn,
}

var stopCmd = &cobra.Command{
	Use:   "stop <worker>",
	Short: "Kill a worker's session, keeping its record and home",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := teamManager()
		if err != nil {
			return err
		}
		member, err := mgr.Stop(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Stopped %s\n", member.Full)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <worker>",
	Short: "Restart a stopped worker and its subtree, reopening agent sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := teamManager()
		if err != nil {
			return err
		}
		if noTree, _ := cmd.Flags().GetBool("no-tree"); noTree {
			member, err := mgr.Resume(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Resumed %s\n", member.Full)
			return nil
		}
		members, err := mgr.ResumeTree(args[0])
		for _, member := range members {
			fmt.Printf("Resumed %s\n", member.Full)
		}
		return err
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <worker>",
	Short: "Remove a worker's subtree: sessions, records, and isolated homes",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRemove,
}

var treeCmd = &cobra.Command{
	Use:   "tree [worker]",
	Short: "Show the team tree, or one worker's subtree",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := teamManager()
		if err != nil {
			return err
		}
		target := ""
		if len(args) == 1 {
			target = args[0]
		}
		out, err := mgr.Tree(target)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := teamManager()
		if err != nil {
			return err
		}
		if _, err := mgr.SyncRunning(); err != nil {
			return err
		}
		members, err := mgr.Registry.List()
		if err != nil {
			return err
		}
		if len(members) == 0 {
			fmt.Println("No workers registered.")
			return nil
		}
		for _, m := range members {
			state := paint(colorDim, "stopped")
			if m.Running {
				state = paint(colorGreen, "running")
			}
			fmt.Printf("%-30s %-8s %-8s %s\n", m.Full, m.Role, state, m.WorkDir)
		}
		return nil
	},
}

func init() {
	upCmd.Flags().String("base", "", "Base name for the root worker (defaults to the root role)")
	upCmd.Flags().String("role", "", "Role for the root worker (defaults to the policy root role)")
	upCmd.Flags().String("scope", "", "Responsibility note stored on the worker")
	upCmd.Flags().String("dir", "", "Working directory for the worker (default: current)")
	upCmd.Flags().String("credential", "", "Credential file overlaid into the worker's home")
	upCmd.Flags().Bool("no-watch", false, "Skip starting the background watcher session")

	spawnCmd.Flags().String("parent", "", "Parent worker (defaults to the invoking worker)")
	spawnCmd.Flags().String("role", "impl", "Role for the child worker")
	spawnCmd.Flags().String("scope", "", "Responsibility note stored on the worker")
	spawnCmd.Flags().String("dir", "", "Working directory (default: inherit from parent)")
	spawnCmd.Flags().String("credential", "", "Credential file overlaid into the worker's home")

	resumeCmd.Flags().Bool("no-tree", false, "Resume only this worker, not its descendants")

	removeCmd.Flags().Bool("no-tree", false, "Refuse removal when the worker still has descendants")
	removeCmd.Flags().Bool("all", false, "Disband the whole team")
	removeCmd.Flags().Bool("purge-inbox", false, "Also delete removed workers' inboxes")
	removeCmd.Flags().Bool("dry-run", false, "Print what would be removed without removing")

	rootCmd.AddCommand(upCmd, spawnCmd, stopCmd, resumeCmd, removeCmd, treeCmd, listCmd)
}

func runUp(cmd *cobra.Command, args []string) error {
	mgr, err := teamManager()
	if err != nil {
		return err
	}
	tc, err := loadTeamConfig(mgr)
	if err != nil {
		return err
	}
	pol, err := policy.FromConfig(tc)
	if err != nil {
		return err
	}

	role, _ := cmd.Flags().GetString("role")
	if role == "" {
		role = pol.RootRole
	}
	if _, err := pol.RequireRole(role); err != nil {
		return err
	}
	base, _ := cmd.Flags().GetString("base")
	if base == "" {
		base = role
	}
	scope, _ := cmd.Flags().GetString("scope")
	dir, _ := cmd.Flags().GetString("dir")
	credential, _ := cmd.Flags().GetString("credential")

	member, err := mgr.Start(worker.StartOptions{
		Base:       base,
		Role:       role,
		Scope:      scope,
		WorkDir:    dir,
		Credential: credential,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Started %s %s\n", paint(colorBold, member.Full), paint(colorDim, "["+member.Role+"]"))

	if noWatch, _ := cmd.Flags().GetBool("no-watch"); !noWatch {
		if err := ensureWatcherSession(mgr, member.WorkDir); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: watcher not started: %v\n", err)
		}
	}
	return nil
}

// ensureWatcherSession runs `crew watch` in a per-project detached session
// so the team keeps reconciling after this command exits.
func ensureWatcherSession(mgr *worker.Manager, projectDir string) error {
	name := watch.SessionName(projectDir)
	alive, err := mgr.Tmux.HasSession(name)
	if err != nil || alive {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	return mgr.Tmux.NewSession(name, projectDir, shellQuote(exe)+" watch")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func runSpawn(cmd *cobra.Command, args []string) error {
	mgr, err := teamManager()
	if err != nil {
		return err
	}
	tc, err := loadTeamConfig(mgr)
	if err != nil {
		return err
	}
	pol, err := policy.FromConfig(tc)
	if err != nil {
		return err
	}

	parentFlag, _ := cmd.Flags().GetString("parent")
	parentTarget, err := actorOrCaller(mgr, parentFlag)
	if err != nil {
		return fmt.Errorf("spawn needs a parent: %w", err)
	}
	parent, err := mgr.Registry.Resolve(parentTarget)
	if err != nil {
		return err
	}

	roleFlag, _ := cmd.Flags().GetString("role")
	role, err := pol.RequireRole(roleFlag)
	if err != nil {
		return err
	}
	if !pol.MayHire(parent.Role, role) {
		return fmt.Errorf("%w: role %q may not hire %q", policy.ErrDenied, parent.Role, role)
	}

	scope, _ := cmd.Flags().GetString("scope")
	dir, _ := cmd.Flags().GetString("dir")
	credential, _ := cmd.Flags().GetString("credential")

	member, err := mgr.Spawn(parent.Full, worker.StartOptions{
		Base:       args[0],
		Role:       role,
		Scope:      scope,
		WorkDir:    dir,
		Credential: credential,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Spawned %s under %s\n", paint(colorBold, member.Full), parent.Full)
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	mgr, err := teamManager()
	if err != nil {
		return err
	}
	all, _ := cmd.Flags().GetBool("all")
	noTree, _ := cmd.Flags().GetBool("no-tree")
	recursive := !noTree
	purgeInbox, _ := cmd.Flags().GetBool("purge-inbox")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	if all == (len(args) == 1) {
		return fmt.Errorf("remove takes either a worker or --all")
	}

	var removed []string
	var removeErr error
	switch {
	case all && dryRun:
		removed, removeErr = mgr.DisbandPlan()
	case all:
		removed, removeErr = mgr.Disband(purgeInbox)
	case dryRun:
		removed, removeErr = removePlan(mgr, args[0], recursive)
	default:
		removed, removeErr = mgr.Remove(args[0], recursive, purgeInbox)
	}
	if removeErr != nil && len(removed) == 0 {
		return removeErr
	}

	verb := "Removed"
	if dryRun {
		verb = "Would remove"
	}
	for _, full := range removed {
		fmt.Printf("%s %s\n", verb, full)
	}
	if removeErr != nil {
		return fmt.Errorf("some workers were not fully removed: %w", removeErr)
	}
	return nil
}

func removePlan(mgr *worker.Manager, target string, recursive bool) ([]string, error) {
	if !registry.IsFullName(target) {
		return nil, fmt.Errorf("%w: remove requires a full worker name, got %q", policy.ErrDenied, target)
	}
	member, err := mgr.Registry.Get(target)
	if err != nil {
		return nil, err
	}
	subtree, err := mgr.Registry.Subtree(member.Full)
	if err != nil {
		return nil, err
	}
	if !recursive && len(subtree) > 1 {
		return nil, fmt.Errorf("%w: %s (drop --no-tree)", worker.ErrHasChildren, member.Full)
	}
	// Leaves first, matching the real removal order.
	out := make([]string, 0, len(subtree))
	for i := len(subtree) - 1; i >= 0; i-- {
		out = append(out, subtree[i])
	}
	return out, nil
}
