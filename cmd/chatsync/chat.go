package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	chatsync "github.com/meshline/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// send
	sendReplyTo string
	sendJSON    bool

	// history
	historyLimit  int
	historyJSON   bool
	historyNoSync bool

	// pending
	pendingJSON bool
)

func init() {
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "id of the message being replied to")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "output raw JSON")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum messages to display")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "output raw JSON")
	historyCmd.Flags().BoolVar(&historyNoSync, "no-sync", false, "show cached messages without contacting the server")
	pendingCmd.Flags().BoolVar(&pendingJSON, "json", false, "output raw JSON")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(syncCmd)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user-id> <message>",
	Short: "Send a direct message to a user",
	Long:  "Send a direct message. The message is stored locally first and delivered when the server is reachable; if delivery fails it stays queued for retry.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		receiverID, content := args[0], args[1]
		eng := getEngine()
		defer eng.close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		// delivery runs in the background; watch for its outcome so the
		// process stays open until the message resolves or the deadline hits
		done := make(chan chatsync.Message, 1)
		outcome := func(event string, payload any) {
			if m, ok := payload.(chatsync.Message); ok && m.ConversationKey == receiverID {
				select {
				case done <- m:
				default:
				}
			}
		}
		eng.lifecycle.On(chatsync.EventMessageConfirmed, outcome)
		eng.lifecycle.On(chatsync.EventMessageFailed, outcome)

		msg, err := eng.lifecycle.Send(ctx, eng.cfg.Default.UserID, receiverID, content, sendReplyTo)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if eng.monitor.Online() {
			select {
			case m := <-done:
				msg = m
			case <-ctx.Done():
			}
		}

		if sendJSON {
			data, err := json.MarshalIndent(msg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Message:  %s\n", msg.ID)
		fmt.Printf("Status:   %s\n", statusBadge(msg.DeliveryStatus))
		if msg.Pending() {
			fmt.Println("Queued locally; will retry on the next sync.")
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "Show the conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		partnerID := args[0]
		eng := getEngine()
		defer eng.close()

		if !historyNoSync {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()
			if err := eng.sync.SyncConversation(ctx, partnerID); err != nil {
				fmt.Printf("Warning: sync failed (%v); showing cached messages\n", err)
			}
		}

		msgs, err := eng.store.GetMessages(partnerID)
		if err != nil {
			return fmt.Errorf("read conversation: %w", err)
		}
		if len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}

		if historyJSON {
			data, err := json.MarshalIndent(msgs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for i := range msgs {
			printMessage(eng.cfg.Default.UserID, &msgs[i])
		}
		return nil
	},
}

func printMessage(userID string, msg *chatsync.Message) {
	who := msg.SenderID
	if msg.SenderID == userID {
		who = "me"
	}
	line := fmt.Sprintf("[%s] %s: %s", msg.CreatedAt.Local().Format("2006-01-02 15:04"), who, msg.Content)
	if msg.SenderID == userID {
		line += fmt.Sprintf("  (%s)", statusBadge(msg.DeliveryStatus))
	}
	fmt.Println(line)
}

// ============================================================================
// pending
// ============================================================================

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List messages still awaiting delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng := getEngine()
		defer eng.close()

		pending, err := eng.store.GetPendingMessages(eng.cfg.Default.UserID)
		if err != nil {
			return fmt.Errorf("scan pending: %w", err)
		}

		if pendingJSON {
			data, err := json.MarshalIndent(pending, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(pending) == 0 {
			fmt.Println("No pending messages.")
			return nil
		}
		for i := range pending {
			p := &pending[i]
			fmt.Printf("%s  to %s  %s  %q\n",
				p.Message.ID, p.ConversationKey, statusBadge(p.Message.DeliveryStatus), p.Message.Content)
		}
		return nil
	},
}

// ============================================================================
// sync
// ============================================================================

var syncCmd = &cobra.Command{
	Use:   "sync <user-id>",
	Short: "Run one sync cycle for a conversation",
	Long:  "Pull the server-side history for a conversation, merge it into the local store, and re-attempt any of your messages still awaiting delivery.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		partnerID := args[0]
		eng := getEngine()
		defer eng.close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := eng.sync.SyncConversation(ctx, partnerID); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		pending, err := eng.store.GetPendingMessages(eng.cfg.Default.UserID)
		if err != nil {
			return fmt.Errorf("scan pending: %w", err)
		}
		fmt.Printf("Synced conversation with %s; %d message(s) still pending.\n", partnerID, len(pending))
		return nil
	},
}

// ============================================================================
// retry
// ============================================================================

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Sync every conversation with pending messages",
	Long:  "Run a sync cycle for each conversation that still has messages awaiting delivery: merge the server history first, then re-attempt what remains genuinely undelivered.",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng := getEngine()
		defer eng.close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		before, err := eng.store.GetPendingMessages(eng.cfg.Default.UserID)
		if err != nil {
			return fmt.Errorf("scan pending: %w", err)
		}
		if len(before) == 0 {
			fmt.Println("Nothing to retry.")
			return nil
		}

		if err := eng.sync.SyncPending(ctx); err != nil {
			return fmt.Errorf("retry sweep failed: %w", err)
		}

		after, err := eng.store.GetPendingMessages(eng.cfg.Default.UserID)
		if err != nil {
			return fmt.Errorf("scan pending: %w", err)
		}
		fmt.Printf("Retried %d message(s); %d still pending.\n", len(before), len(after))
		return nil
	},
}
