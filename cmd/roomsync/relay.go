package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/roomsync/natsbus"
	"github.com/Prismer-AI/roomsync/relay"
)

var (
	relayAddr    string
	relayDB      string
	relayNATS    string
	relayRate    float64
	relayBurst   int
	relayOrigins []string
	relayHookURL string
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a relay server",
	Long: "Run a relay: a SQLite message store behind a JSON API and a websocket\n" +
		"endpoint for change feeds, presence and broadcasts. With --nats, change\n" +
		"events are also published to the NATS bus; with --webhook, they are POSTed\n" +
		"to an HTTP endpoint signed with relay.webhook_secret.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr := valueOrDefault(relayAddr, valueOrDefault(cfg.Relay.Addr, "localhost:8787"))
		dbPath := valueOrDefault(relayDB, cfg.Relay.Database)
		if dbPath == "" {
			dir, err := configDir()
			if err != nil {
				return err
			}
			dbPath = filepath.Join(dir, "relay.db")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := relay.OpenSQLStore(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()
		logger.Info("store_opened", "path", dbPath)

		serverCfg := &relay.Config{
			Addr:           addr,
			Logger:         logger,
			SendRate:       relayRate,
			SendBurst:      relayBurst,
			OriginPatterns: relayOrigins,
		}
		if natsURL := valueOrDefault(relayNATS, cfg.NATS.URL); natsURL != "" {
			bus, err := natsbus.Connect(ctx, &natsbus.Config{URL: natsURL, Name: "roomsync-relay", Logger: logger})
			if err != nil {
				return fmt.Errorf("nats: %w", err)
			}
			defer bus.Close()
			serverCfg.Publishers = append(serverCfg.Publishers, bus)
		}
		if hookURL := valueOrDefault(relayHookURL, cfg.Relay.WebhookURL); hookURL != "" {
			hook, err := relay.NewWebhook(&relay.WebhookConfig{URL: hookURL, Secret: cfg.Relay.WebhookSecret, Logger: logger})
			if err != nil {
				return fmt.Errorf("webhook: %w (set relay.webhook_secret)", err)
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = hook.Close(closeCtx)
			}()
			serverCfg.Publishers = append(serverCfg.Publishers, hook)
		}

		return relay.NewServer(store, serverCfg).ListenAndServe(ctx)
	},
}

func init() {
	relayCmd.Flags().StringVar(&relayAddr, "addr", "", "Listen address (default localhost:8787)")
	relayCmd.Flags().StringVar(&relayDB, "db", "", "SQLite database path (default ~/.roomsync/relay.db, \":memory:\" for a throwaway store)")
	relayCmd.Flags().StringVar(&relayNATS, "nats", "", "Publish change events to this NATS server")
	relayCmd.Flags().Float64Var(&relayRate, "rate", 5, "Messages per second allowed per participant")
	relayCmd.Flags().IntVar(&relayBurst, "burst", 10, "Message burst allowed per participant")
	relayCmd.Flags().StringVar(&relayHookURL, "webhook", "", "POST signed change events to this URL")
	relayCmd.Flags().StringSliceVar(&relayOrigins, "origin", nil, "Allowed websocket origin patterns for browser clients")
	rootCmd.AddCommand(relayCmd)
}
