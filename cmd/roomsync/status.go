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
	Short: "Show current configuration and relay health",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, server, participant, err := clientSettings()
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Server:      %s\n", server)
		fmt.Printf("  Participant: %s\n", valueOrDefault(participant, "(not set)"))
		if cfg.Default.DisplayName != "" {
			fmt.Printf("  Name:        %s\n", cfg.Default.DisplayName)
		}
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
		}
		if cfg.NATS.URL != "" {
			fmt.Printf("  NATS:        %s\n", cfg.NATS.URL)
		}

		client, _, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Relay:")
		health, err := client.Health(ctx)
		if err != nil {
			fmt.Printf("  Unreachable: %v\n", err)
			return nil
		}
		fmt.Printf("  Status:        %s\n", health.Status)
		fmt.Printf("  Conversations: %d\n", health.Conversations)
		fmt.Printf("  Connections:   %d\n", health.Connections)
		return nil
	},
}
