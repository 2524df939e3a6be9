package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(loginCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <api-key>",
	Short: "Store the backend URL and API key in ~/.wosync/config.toml",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = strings.TrimRight(args[0], "/")
		cfg.Default.APIKey = args[1]

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Backend saved to %s\n", path)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <access-token>",
	Short: "Store a user access token",
	Long:  "Verify an access token against the backend and store it with the user it belongs to.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient(false)
		if err != nil {
			return err
		}
		client.SetAccessToken(args[0])

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		userID, err := client.CurrentUserID(ctx)
		if err != nil {
			return fmt.Errorf("token rejected: %w", err)
		}

		// Reload so environment overrides are not written back.
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.AccessToken = args[0]
		cfg.Auth.UserID = userID
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Signed in as %s\n", userID)
		return nil
	},
}
