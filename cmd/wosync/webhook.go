package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	wosync "github.com/fieldops-io/workorder-portal/sdk/golang"
)

var (
	webhookAddr   string
	webhookSecret string
	webhookPath   string
)

func init() {
	webhookServeCmd.Flags().StringVar(&webhookAddr, "addr", ":8787", "Listen address")
	webhookServeCmd.Flags().StringVar(&webhookSecret, "secret", "", "Shared HMAC secret (or WOSYNC_WEBHOOK_SECRET)")
	webhookServeCmd.Flags().StringVar(&webhookPath, "path", "/hooks/changes", "Request path")

	webhookCmd.AddCommand(webhookServeCmd)
	rootCmd.AddCommand(webhookCmd)
}

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Database change webhooks",
}

var webhookServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive database change webhooks and print message inserts",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := webhookSecret
		if secret == "" {
			secret = os.Getenv("WOSYNC_WEBHOOK_SECRET")
		}

		cache := wosync.NewQueryCache(wosync.WithCacheLogger(log))
		cache.Subscribe(wosync.QueryKey{}, func(key wosync.QueryKey) {
			fmt.Printf("invalidated %s\n", key)
		})

		wh, err := wosync.NewChangeWebhook(secret, cache, func(p *wosync.ChangePayload) error {
			fmt.Printf("%s %s.%s\n", p.Type, p.Schema, p.Table)
			return nil
		}, log)
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle(webhookPath, wh.HTTPHandler())
		srv := &http.Server{Addr: webhookAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		fmt.Printf("Listening on %s%s\n", webhookAddr, webhookPath)

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
