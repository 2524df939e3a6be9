package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file exactly as stored")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage wosync configuration",
	Long:  "View or modify the configuration stored in ~/.wosync/config.toml.",
}

var configShowRaw bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the backend and sign-in settings, with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'wosync init <base-url> <api-key>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Print(describeConfig(cfg, path, os.Getenv))
		return nil
	},
}

// describeConfig renders the stored settings with the API key and access
// token masked, and names any WOSYNC_* variable that currently overrides them.
func describeConfig(cfg *Config, path string, getenv func(string) string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Config file: %s\n\n", path)

	secret := func(v string) string {
		if v == "" {
			return "(not set)"
		}
		return maskKey(v)
	}
	line := func(name, value, env string) {
		if env != "" && getenv(env) != "" {
			value += " (overridden by " + env + ")"
		}
		fmt.Fprintf(&b, "  %-13s %s\n", name, value)
	}

	b.WriteString("[default]\n")
	line("base_url", valueOrDefault(cfg.Default.BaseURL, "(not set)"), envBaseURL)
	line("api_key", secret(cfg.Default.APIKey), envAPIKey)
	b.WriteString("[auth]\n")
	line("user_id", valueOrDefault(cfg.Auth.UserID, "(not signed in)"), "")
	line("access_token", secret(cfg.Auth.AccessToken), envAccessToken)
	return b.String()
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: wosync config set default.base_url https://project.example.co",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
