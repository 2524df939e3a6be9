package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	wosync "github.com/fieldops-io/workorder-portal/sdk/golang"
)

var (
	conversationsUnread bool
	conversationsJSON   bool
	inboxJSON           bool
)

func init() {
	conversationsListCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only conversations with unread messages")
	conversationsListCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")
	inboxCmd.Flags().BoolVar(&inboxJSON, "json", false, "Output JSON")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsReadCmd)
	conversationsCmd.AddCommand(conversationsStartCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(inboxCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "List and manage conversations",
}

// ============================================================================
// conversations list
// ============================================================================

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient(true)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		rows, err := wosync.NewOverviewReader(client, wosync.NewQueryCache(), wosync.WithOverviewLogger(log)).Conversations(ctx)
		if err != nil {
			return fmt.Errorf("failed to load conversations: %w", err)
		}
		if conversationsUnread {
			filtered := rows[:0]
			for _, r := range rows {
				if r.UnreadCount > 0 {
					filtered = append(filtered, r)
				}
			}
			rows = filtered
		}

		if conversationsJSON {
			return printJSON(rows)
		}
		if len(rows) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tTITLE\tUNREAD\tLAST MESSAGE")
		for _, r := range rows {
			last := ""
			if r.LastMessage != nil {
				last = truncate(*r.LastMessage, 40)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.Type, r.DisplayTitle(), r.UnreadCount, last)
		}
		return w.Flush()
	},
}

// ============================================================================
// conversations read
// ============================================================================

var conversationsReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient(true)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		marker := wosync.NewReadMarker(client, wosync.NewQueryCache(), stderrNotifier, log)
		if err := marker.MarkRead(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Marked %s as read\n", args[0])
		return nil
	},
}

// ============================================================================
// conversations start
// ============================================================================

var conversationsStartCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Open a direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient(true)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		starter := wosync.NewDirectStarter(client, wosync.NewQueryCache(), stderrNotifier, log)
		conv, err := starter.Start(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Conversation: %s\n", conv.ConversationID)
		return nil
	},
}

// ============================================================================
// inbox
// ============================================================================

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Show unread totals across all conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient(true)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		inbox, err := wosync.NewOverviewReader(client, wosync.NewQueryCache(), wosync.WithOverviewLogger(log)).Inbox(ctx)
		if err != nil {
			return fmt.Errorf("failed to load inbox: %w", err)
		}
		if inboxJSON {
			return printJSON(inbox)
		}

		fmt.Printf("Conversations: %d\n", inbox.Conversations)
		fmt.Printf("Unread:        %d\n", inbox.TotalUnread)
		for _, t := range []wosync.ConversationType{wosync.ConversationDirect, wosync.ConversationOrganization, wosync.ConversationAnnouncement} {
			if n := inbox.UnreadByType[t]; n > 0 {
				fmt.Printf("  %-13s %d\n", string(t)+":", n)
			}
		}
		return nil
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
