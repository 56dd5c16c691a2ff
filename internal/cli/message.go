package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agusx1211/crew/internal/comm"
	"github.com/agusx1211/crew/internal/inbox"
	"github.com/agusx1211/crew/pkg/envelope"
)

// parseKind validates a user-supplied message kind. Reply-needed messages
// are only ever created by gather, so they are not accepted here.
func parseKind(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", comm.KindNotice:
		return comm.KindNotice, nil
	case comm.KindAction:
		return comm.KindAction, nil
	default:
		return "", fmt.Errorf("unknown kind %q (use %s or %s)", s, comm.KindNotice, comm.KindAction)
	}
}

var sendCmd = &cobra.Command{
	Use:   "send <worker> <message...>",
	Short: "Deliver a message into a worker's inbox",
	Args:  cobra.MinimumNArgs(2),
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
		kindFlag, _ := cmd.Flags().GetString("kind")
		kind, err := parseKind(kindFlag)
		if err != nil {
			return err
		}
		wake, _ := cmd.Flags().GetBool("wake")
		msg, err := msgr.Send(from, args[0], kind, strings.Join(args[1:], " "), wake)
		if err != nil {
			return err
		}
		fmt.Printf("Sent %s %s to %s\n", kind, paint(colorBold, msg.ID), msg.To)
		return nil
	},
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast <message...>",
	Short: "Deliver a message to every worker, or one role",
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
		kindFlag, _ := cmd.Flags().GetString("kind")
		kind, err := parseKind(kindFlag)
		if err != nil {
			return err
		}
		role, _ := cmd.Flags().GetString("role")
		wake, _ := cmd.Flags().GetBool("wake")
		msgs, err := msgr.Broadcast(from, kind, strings.Join(args, " "), role, wake)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			fmt.Printf("Sent %s %s to %s\n", kind, paint(colorBold, msg.ID), msg.To)
		}
		return nil
	},
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List the acting worker's inbox",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
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
		var states []string
		if unreadOnly, _ := cmd.Flags().GetBool("unread"); unreadOnly {
			states = []string{inbox.StateUnread}
		}
		msgs, err := msgr.Inbox.List(me.Base, states...)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("Inbox empty.")
			return nil
		}
		for _, m := range msgs {
			state := m.State
			if state == inbox.StateUnread {
				state = paint(colorYellow, state)
			}
			fmt.Printf("%s  %-18s %-10s from %-12s %s\n",
				paint(colorBold, m.ID), m.Kind, state, m.From, envelope.Summary(m.Body, 60))
		}
		return nil
	},
}

var inboxOpenCmd = &cobra.Command{
	Use:   "open <message-id>",
	Short: "Print a message without marking it read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := inboxMessage(cmd, args[0], false)
		if err != nil {
			return err
		}
		printMessage(msg)
		return nil
	},
}

var inboxAckCmd = &cobra.Command{
	Use:   "ack <message-id>",
	Short: "Mark a message read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := inboxMessage(cmd, args[0], true)
		if err != nil {
			return err
		}
		fmt.Printf("Acked %s\n", msg.ID)
		return nil
	},
}

var receiptsCmd = &cobra.Command{
	Use:   "receipts <message-id>",
	Short: "Show each recipient's read state for a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msgr, mgr, err := teamMessenger()
		if err != nil {
			return err
		}
		recipients, _ := cmd.Flags().GetStringSlice("to")
		if len(recipients) == 0 {
			members, err := mgr.Registry.List()
			if err != nil {
				return err
			}
			seen := map[string]bool{}
			for _, m := range members {
				if !seen[m.Base] {
					seen[m.Base] = true
					recipients = append(recipients, m.Base)
				}
			}
		}
		states := msgr.Receipts(args[0], recipients)
		bases := make([]string, 0, len(states))
		for base := range states {
			bases = append(bases, base)
		}
		sort.Strings(bases)
		for _, base := range bases {
			fmt.Printf("%-20s %s\n", base, states[base])
		}
		return nil
	},
}

func inboxMessage(cmd *cobra.Command, id string, markRead bool) (inbox.Message, error) {
	msgr, mgr, err := teamMessenger()
	if err != nil {
		return inbox.Message{}, err
	}
	as, _ := cmd.Flags().GetString("as")
	actor, err := actorOrCaller(mgr, as)
	if err != nil {
		return inbox.Message{}, err
	}
	me, err := mgr.Registry.Resolve(actor)
	if err != nil {
		return inbox.Message{}, err
	}
	if markRead {
		return msgr.Ack(me.Base, id)
	}
	return msgr.Open(me.Base, id)
}

func printMessage(msg inbox.Message) {
	fmt.Print(envelope.Format(msg.Meta(), msg.Body))
}

func init() {
	for _, cmd := range []*cobra.Command{sendCmd, broadcastCmd, inboxCmd, inboxOpenCmd, inboxAckCmd} {
		cmd.Flags().String("as", "", "Acting worker (defaults to the invoking worker)")
	}
	sendCmd.Flags().String("kind", comm.KindNotice, "Message kind: notice or action")
	sendCmd.Flags().Bool("wake", false, "Also inject a short notice into the recipient's terminal")
	broadcastCmd.Flags().String("kind", comm.KindNotice, "Message kind: notice or action")
	broadcastCmd.Flags().String("role", "", "Only deliver to workers with this role")
	broadcastCmd.Flags().Bool("wake", false, "Also inject a short notice into recipients' terminals")
	inboxCmd.Flags().Bool("unread", false, "Only show unread messages")
	receiptsCmd.Flags().StringSlice("to", nil, "Recipient bases to check (default: every base)")
	inboxCmd.AddCommand(inboxOpenCmd, inboxAckCmd)
	rootCmd.AddCommand(sendCmd, broadcastCmd, inboxCmd, receiptsCmd)
}
