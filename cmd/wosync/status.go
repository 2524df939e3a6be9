package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	wosync "github.com/fieldops-io/workorder-portal/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check the access token and the realtime connection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyEnv(cfg)

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.APIKey != "" {
			fmt.Printf("  API Key:     %s\n", maskKey(cfg.Default.APIKey))
		} else {
			fmt.Println("  API Key:     (not set)")
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not signed in)"))
		tokenStatus := "none"
		if cfg.Auth.AccessToken != "" {
			tokenStatus = "present"
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)

		if cfg.Default.BaseURL == "" || cfg.Default.APIKey == "" || cfg.Auth.AccessToken == "" {
			return nil
		}

		client, _, err := getClient(true)
		if err != nil {
			return err
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		userID, err := client.CurrentUserID(ctx)
		if err != nil {
			fmt.Printf("  Token check:   %v\n", err)
			return nil
		}
		fmt.Printf("  Token check:   valid (%s)\n", userID)

		inbox, err := wosync.NewOverviewReader(client, wosync.NewQueryCache()).Inbox(ctx)
		if err != nil {
			fmt.Printf("  Conversations: %v\n", err)
		} else {
			fmt.Printf("  Conversations: %d\n", inbox.Conversations)
			fmt.Printf("  Unread:        %d\n", inbox.TotalUnread)
		}

		rt := client.Realtime(nil)
		start := time.Now()
		if err := rt.Connect(ctx); err != nil {
			fmt.Printf("  Realtime:      %v\n", err)
			return nil
		}
		defer rt.Disconnect()
		if err := rt.Ping(ctx); err != nil {
			fmt.Printf("  Realtime:      connected, ping failed: %v\n", err)
			return nil
		}
		fmt.Printf("  Realtime:      ok (%s)\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}
