package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	wosync "github.com/fieldops-io/workorder-portal/sdk/golang"
)

var (
	messagesLimit int
	messagesPages int
	messagesJSON  bool

	sendJSON bool

	watchMarkRead bool
)

func init() {
	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", wosync.DefaultPageSize, "Messages per page")
	messagesCmd.Flags().IntVar(&messagesPages, "pages", 1, "Number of pages to load, newest first")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output JSON")
	watchCmd.Flags().BoolVar(&watchMarkRead, "mark-read", true, "Mark the conversation read when opened")

	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Print a conversation's history, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient(true)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		history := wosync.NewMessageHistory(client, wosync.NewQueryCache(), args[0],
			wosync.WithPageSize(messagesLimit), wosync.WithHistoryLogger(log))
		if err := history.Load(ctx); err != nil {
			return fmt.Errorf("failed to load messages: %w", err)
		}
		for i := 1; i < messagesPages && history.HasMore(); i++ {
			if err := history.LoadOlder(ctx); err != nil {
				return fmt.Errorf("failed to load page %d: %w", i+1, err)
			}
		}

		msgs := history.Messages()
		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		if history.HasMore() {
			fmt.Printf("(older messages available, use --pages %d)\n", history.PageCount()+1)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient(true)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		composer := wosync.NewComposer(client,
			wosync.WithComposerNotifier(stderrNotifier), wosync.WithComposerLogger(log))
		composer.SetText(strings.Join(args[1:], " "))

		msg, err := composer.Send(ctx, args[0])
		if err != nil {
			return err
		}
		if msg == nil {
			return errors.New("nothing to send: message is blank")
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent (%s)\n", msg.ID)
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Follow a conversation live and send lines typed on stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient(true)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt := client.Realtime(&wosync.RealtimeConfig{AutoReconnect: true})
		rt.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "-- reconnecting (attempt %d in %s)\n", attempt, delay.Round(time.Millisecond))
		})
		rt.OnConnected(func() { fmt.Fprintln(os.Stderr, "-- live") })

		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = rt.Connect(connectCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("realtime connect: %w", err)
		}
		defer rt.Disconnect()

		ready := make(chan struct{}, 1)
		view := wosync.NewConversationView(client, rt, wosync.NewQueryCache(),
			wosync.WithViewNotifier(stderrNotifier),
			wosync.WithViewLogger(log),
			wosync.WithStateObserver(func(s wosync.ViewState) {
				if s != wosync.ViewReady {
					return
				}
				select {
				case ready <- struct{}{}:
				default:
				}
			}),
		)
		if err := view.Mount(ctx, args[0]); err != nil {
			return err
		}
		defer view.Unmount()

		printed := make(map[string]bool)
		printNew := func() {
			for _, m := range view.Messages() {
				if !printed[m.ID] {
					printed[m.ID] = true
					printMessage(m)
				}
			}
		}
		printNew()
		if watchMarkRead {
			if err := view.MarkRead(ctx); err != nil {
				log.Debug().Err(err).Msg("mark read failed")
			}
		}

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ready:
				printNew()
			case p := <-view.PresenceChanges():
				if p.AnyOtherOnline() {
					fmt.Fprintf(os.Stderr, "-- %d other(s) online\n", p.OthersOnline)
				} else {
					fmt.Fprintln(os.Stderr, "-- nobody else online")
				}
			case line, ok := <-lines:
				if !ok {
					lines = nil
					continue
				}
				view.Composer().SetText(line)
				if _, err := view.Send(ctx); err != nil && !errors.Is(err, wosync.ErrSendInProgress) {
					log.Debug().Err(err).Msg("send failed")
				}
			}
		}
	},
}
