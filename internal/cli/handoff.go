package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agusx1211/crew/internal/policy"
	"github.com/agusx1211/crew/internal/registry"
)

var handoffCmd = &cobra.Command{
	Use:   "handoff <worker-a> <worker-b>",
	Short: "Permit two workers to message each other directly",
	Long: `Create a symmetric communication permit between two workers that
policy would otherwise keep apart. Permits are stored by base label, so
they survive worker restarts.`,
	Args: cobra.ExactArgs(2),
	RunE: runHandoff,
}

var handoffListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active handoff permits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := teamManager()
		if err != nil {
			return err
		}
		permits, err := mgr.Registry.ListPermits()
		if err != nil {
			return err
		}
		now := time.Now()
		shown := 0
		for _, p := range permits {
			if !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt) {
				continue
			}
			shown++
			expiry := "never expires"
			if !p.ExpiresAt.IsZero() {
				expiry = "expires " + p.ExpiresAt.Format(time.RFC3339)
			}
			fmt.Printf("%s <-> %s  by %s  %s", p.A, p.B, p.CreatedBy, expiry)
			if p.Reason != "" {
				fmt.Printf("  (%s)", p.Reason)
			}
			fmt.Println()
		}
		if shown == 0 {
			fmt.Println("No active permits.")
		}
		return nil
	},
}

func init() {
	handoffCmd.Flags().String("as", "", "Acting worker (defaults to the invoking worker)")
	handoffCmd.Flags().String("reason", "", "Why the two workers need to talk")
	handoffCmd.Flags().Duration("ttl", 0, "Permit lifetime; zero means no expiry")
	handoffCmd.AddCommand(handoffListCmd)
	rootCmd.AddCommand(handoffCmd)
}

func runHandoff(cmd *cobra.Command, args []string) error {
	msgr, mgr, err := teamMessenger()
	if err != nil {
		return err
	}
	as, _ := cmd.Flags().GetString("as")
	actor, err := actorOrCaller(mgr, as)
	if err != nil {
		return err
	}
	me, err := mgr.Registry.Resolve(actor)
	if err != nil {
		return err
	}
	if !msgr.Policy.MayCreateHandoff(me.Role) {
		return fmt.Errorf("%w: role %q may not create handoffs", policy.ErrDenied, me.Role)
	}

	reason, _ := cmd.Flags().GetString("reason")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	var permit registry.Permit
	err = mgr.Registry.Locked(func(tx *registry.Tx) error {
		a, err := tx.Resolve(args[0])
		if err != nil {
			return err
		}
		b, err := tx.Resolve(args[1])
		if err != nil {
			return err
		}
		permit, err = tx.AddPermit(a.Base, b.Base, me.Base, me.Role, reason, ttl)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Printf("Permitted %s <-> %s", permit.A, permit.B)
	if !permit.ExpiresAt.IsZero() {
		fmt.Printf(" until %s", permit.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	return nil
}
