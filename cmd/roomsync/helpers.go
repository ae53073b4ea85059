package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Prismer-AI/roomsync"
)

// clientSettings resolves the relay URL and participant from flags and config.
func clientSettings() (*Config, string, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to load config: %w", err)
	}
	server := valueOrDefault(flagServer, valueOrDefault(cfg.Default.ServerURL, roomsync.DefaultBaseURL))
	participant := valueOrDefault(flagParticipant, cfg.Default.ParticipantID)
	return cfg, server, participant, nil
}

// getClient creates a relay client acting as the configured participant.
func getClient() (*roomsync.Client, string, error) {
	cfg, server, participant, err := clientSettings()
	if err != nil {
		return nil, "", err
	}
	opts := []roomsync.ClientOption{roomsync.WithBaseURL(server)}
	if participant != "" {
		opts = append(opts, roomsync.WithParticipant(participant))
	}
	if cfg.Default.Token != "" {
		opts = append(opts, roomsync.WithToken(cfg.Default.Token))
	}
	return roomsync.NewClient(opts...), participant, nil
}

// requireParticipant is getClient for commands that act as someone.
func requireParticipant() (*roomsync.Client, string, error) {
	client, participant, err := getClient()
	if err != nil {
		return nil, "", err
	}
	if participant == "" {
		return nil, "", errors.New("no participant id. Run 'roomsync init <participant-id>' or pass --as")
	}
	return client, participant, nil
}

// apiError formats a relay API error for display.
func apiError(err error) error {
	var apiErr *roomsync.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("API error: %s: %s", apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("request failed: %w", err)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
