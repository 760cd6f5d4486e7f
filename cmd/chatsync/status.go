package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and queue status",
	Long:  "Display the current configuration, the local pending queue, and whether the server is reachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  User ID:  %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL: %s\n", cfg.Default.BaseURL)
		}
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:    %s\n", maskToken(cfg.Default.Token))
		} else {
			fmt.Println("  Token:    (not set)")
		}

		if cfg.Default.Token == "" || cfg.Default.UserID == "" {
			return nil
		}

		eng := getEngine()
		defer eng.close()

		pending, err := eng.store.GetPendingMessages(cfg.Default.UserID)
		if err != nil {
			return fmt.Errorf("scan pending: %w", err)
		}
		fmt.Println()
		fmt.Printf("Pending messages: %d\n", len(pending))

		// Probe the server by asking for the pending partners' histories.
		fmt.Println()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := eng.client.GetMessages(ctx, cfg.Default.UserID); err != nil {
			fmt.Printf("Server:   unreachable (%v)\n", err)
		} else {
			fmt.Println("Server:   reachable")
		}
		return nil
	},
}

// maskToken shows the first 8 and last 4 characters of a token. Anything too
// short to mask meaningfully is elided entirely.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "..."
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
