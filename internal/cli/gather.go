package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agusx1211/crew/internal/request"
)

var gatherCmd = &cobra.Command{
	Use:   "gather <worker>...",
	Short: "Fan a reply-needed request out and track responses",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msgr, mgr, err := teamMessenger()
		if err != nil {
			return err
		}
		as, _ := cmd.Flags().GetString("as")
		from, err := actorOrCaller(mgr, as)
		if err != nil {
			return err
		}
		body, _ := cmd.Flags().GetString("message")
		if body == "" {
			return fmt.Errorf("gather needs a question: pass -m")
		}
		tc, err := loadTeamConfig(mgr)
		if err != nil {
			return err
		}
		timeoutFlag, _ := cmd.Flags().GetString("timeout")
		timeout, err := gatherTimeout(timeoutFlag, tc)
		if err != nil {
			return err
		}
		wake, _ := cmd.Flags().GetBool("wake")
		req, msgs, err := msgr.Gather(from, args, body, timeout, wake)
		if err != nil {
			return err
		}
		fmt.Printf("Created %s, due %s\n", paint(colorBold, req.ID), req.Deadline.Format(time.RFC3339))
		for _, msg := range msgs {
			fmt.Printf("  asked %s (message %s)\n", msg.To, msg.ID)
		}
		return nil
	},
}

var respondCmd = &cobra.Command{
	Use:   "respond <request-id> [response...]",
	Short: "Answer a reply-needed request, or report being blocked",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRespond,
}

var requestsCmd = &cobra.Command{
	Use:   "requests [request-id]",
	Short: "List open requests, or show one with its responses",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRequests,
}

func init() {
	gatherCmd.Flags().StringP("message", "m", "", "The question every target must answer")
	gatherCmd.Flags().StringP("timeout", "t", "", "Overall deadline, e.g. 30m (default from team.yaml)")
	gatherCmd.Flags().String("as", "", "Acting worker (defaults to the invoking worker)")
	gatherCmd.Flags().Bool("wake", false, "Also inject a short notice into targets' terminals")

	respondCmd.Flags().String("as", "", "Acting worker (defaults to the invoking worker)")
	respondCmd.Flags().Bool("blocked", false, "Report being blocked instead of answering")
	respondCmd.Flags().String("reason", "", "What is blocking (with --blocked)")
	respondCmd.Flags().String("waiting-on", "", "Who or what you are waiting on (with --blocked)")
	respondCmd.Flags().Duration("recheck", 5*time.Minute, "When to be reminded again (with --blocked)")

	rootCmd.AddCommand(gatherCmd, respondCmd, requestsCmd)
}

func runRespond(cmd *cobra.Command, args []string) error {
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

	if blocked, _ := cmd.Flags().GetBool("blocked"); blocked {
		reason, _ := cmd.Flags().GetString("reason")
		waitingOn, _ := cmd.Flags().GetString("waiting-on")
		recheck, _ := cmd.Flags().GetDuration("recheck")
		req, err := msgr.RespondBlocked(args[0], me.Base, reason, waitingOn, recheck)
		if err != nil {
			return err
		}
		slot := req.Slots[me.Base]
		fmt.Printf("Recorded blocked on %s; next reminder after %s\n",
			req.ID, slot.BlockedUntil.Format(time.RFC3339))
		return nil
	}

	if len(args) < 2 {
		return fmt.Errorf("respond needs a response body (or --blocked)")
	}
	body := args[1]
	for _, extra := range args[2:] {
		body += " " + extra
	}
	req, finalized, err := msgr.Respond(args[0], me.Base, body)
	if err != nil {
		return err
	}
	fmt.Printf("Recorded response to %s\n", req.ID)
	if finalized {
		fmt.Printf("All targets replied; result %s sent to %s\n", req.FinalMsgID, req.From)
	}
	return nil
}

func runRequests(cmd *cobra.Command, args []string) error {
	msgr, _, err := teamMessenger()
	if err != nil {
		return err
	}
	if len(args) == 1 {
		req, err := msgr.Requests.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Print(msgr.Requests.RenderResult(req, time.Now()))
		fmt.Println()
		return nil
	}

	reqs, err := msgr.Requests.List()
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		fmt.Println("No requests.")
		return nil
	}
	for _, req := range reqs {
		replied := 0
		for _, slot := range req.Slots {
			if slot.Status == request.SlotReplied {
				replied++
			}
		}
		state := req.State
		if state == request.StatePending {
			state = paint(colorYellow, state)
		}
		fmt.Printf("%-24s %-10s %d/%d replied  from %-12s due %s\n",
			req.ID, state, replied, len(req.Targets), req.From,
			req.Deadline.Format(time.RFC3339))
	}
	return nil
}
