package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	wosync "github.com/fieldops-io/workorder-portal/sdk/golang"
)

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

// getClient builds a backend client from the config file and environment.
// With requireAuth the client must carry a user access token.
func getClient(requireAuth bool) (*wosync.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyEnv(cfg)

	if cfg.Default.BaseURL == "" || cfg.Default.APIKey == "" {
		return nil, nil, fmt.Errorf("no backend configured; run 'wosync init <base-url> <api-key>' first")
	}
	if requireAuth && cfg.Auth.AccessToken == "" {
		return nil, nil, fmt.Errorf("not signed in; run 'wosync login <access-token>' first")
	}

	client := wosync.NewClient(cfg.Default.BaseURL,
		wosync.WithAPIKey(cfg.Default.APIKey),
		wosync.WithAccessToken(cfg.Auth.AccessToken),
		wosync.WithLogger(log),
	)
	return client, cfg, nil
}

// stderrNotifier prints notifications the way a toast would show them.
var stderrNotifier = wosync.NotifierFunc(func(n wosync.Notification) {
	if n.Description == "" {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", n.Level, n.Title)
		return
	}
	fmt.Fprintf(os.Stderr, "[%s] %s: %s\n", n.Level, n.Title, n.Description)
})

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMessage(m wosync.ConversationMessage) {
	sender := "(system)"
	if m.SenderID != nil {
		sender = *m.SenderID
	}
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), sender, m.Text())
}

// maskKey shows the first 8 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
