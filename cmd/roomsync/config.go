package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

// configKey describes one settable entry of config.toml.
type configKey struct {
	name     string // section.field
	env      string
	desc     string
	secret   bool
	field    func(*Config) *string
	validate func(string) error
}

var configKeys = []configKey{
	{name: "default.server_url", env: "ROOMSYNC_SERVER_URL", desc: "Relay base URL",
		field: func(c *Config) *string { return &c.Default.ServerURL }, validate: validURL("http", "https")},
	{name: "default.participant_id", env: "ROOMSYNC_PARTICIPANT_ID", desc: "Participant id used for sends and presence",
		field: func(c *Config) *string { return &c.Default.ParticipantID }, validate: validParticipant},
	{name: "default.display_name", env: "ROOMSYNC_DISPLAY_NAME", desc: "Name shown in presence",
		field: func(c *Config) *string { return &c.Default.DisplayName }},
	{name: "default.token", env: "ROOMSYNC_TOKEN", desc: "Bearer token sent to the relay", secret: true,
		field: func(c *Config) *string { return &c.Default.Token }},
	{name: "default.log_level", env: "ROOMSYNC_LOG_LEVEL", desc: "debug, info, warn or error",
		field: func(c *Config) *string { return &c.Default.LogLevel }, validate: func(v string) error {
			_, err := parseLevel(v)
			return err
		}},
	{name: "relay.addr", env: "ROOMSYNC_RELAY_ADDR", desc: "Relay listen address",
		field: func(c *Config) *string { return &c.Relay.Addr }, validate: validAddr},
	{name: "relay.database", env: "ROOMSYNC_DATABASE", desc: "Relay SQLite database path",
		field: func(c *Config) *string { return &c.Relay.Database }},
	{name: "relay.webhook_url", env: "ROOMSYNC_WEBHOOK_URL", desc: "Endpoint receiving signed change events",
		field: func(c *Config) *string { return &c.Relay.WebhookURL }, validate: validURL("http", "https")},
	{name: "relay.webhook_secret", env: "ROOMSYNC_WEBHOOK_SECRET", desc: "HMAC secret for webhook signatures", secret: true,
		field: func(c *Config) *string { return &c.Relay.WebhookSecret }},
	{name: "nats.url", env: "ROOMSYNC_NATS_URL", desc: "NATS server for the change bus",
		field: func(c *Config) *string { return &c.NATS.URL }, validate: validURL("nats", "tls", "ws", "wss")},
}

// lookupConfigKey resolves a section.field key against configKeys.
func lookupConfigKey(key string) (*configKey, error) {
	section, field, ok := strings.Cut(key, ".")
	if !ok || section == "" || field == "" {
		return nil, errors.New("key must use dot notation: section.field (e.g. default.server_url)")
	}
	var sections []string
	for i := range configKeys {
		k := &configKeys[i]
		if k.name == key {
			return k, nil
		}
		s, _, _ := strings.Cut(k.name, ".")
		if !slices.Contains(sections, s) {
			sections = append(sections, s)
		}
	}
	if !slices.Contains(sections, section) {
		return nil, fmt.Errorf("unknown config section %q (valid: %s)", section, strings.Join(sections, ", "))
	}
	var fields []string
	for _, k := range configKeys {
		if s, f, _ := strings.Cut(k.name, "."); s == section {
			fields = append(fields, f)
		}
	}
	return nil, fmt.Errorf("unknown field %q in section [%s] (valid: %s)", field, section, strings.Join(fields, ", "))
}

// setConfigValue validates value for key and stores it in cfg.
func setConfigValue(cfg *Config, key, value string) error {
	k, err := lookupConfigKey(key)
	if err != nil {
		return err
	}
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("empty value for %s; use 'roomsync config unset %s' to clear it", key, key)
	}
	if k.validate != nil {
		if err := k.validate(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	*k.field(cfg) = value
	return nil
}

// applyEnv overrides cfg with the non-empty ROOMSYNC_* variables.
func applyEnv(cfg *Config) {
	for _, k := range configKeys {
		if v := strings.TrimSpace(os.Getenv(k.env)); v != "" {
			*k.field(cfg) = v
		}
	}
}

func validURL(schemes ...string) func(string) error {
	return func(v string) error {
		u, err := url.Parse(v)
		if err != nil {
			return err
		}
		if !slices.Contains(schemes, u.Scheme) || u.Host == "" {
			return fmt.Errorf("invalid URL %q (want %s://host[:port])", v, strings.Join(schemes, "|"))
		}
		return nil
	}
}

func validAddr(v string) error {
	if _, _, err := net.SplitHostPort(v); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", v, err)
	}
	return nil
}

func validParticipant(v string) error {
	if strings.ContainsFunc(v, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' }) {
		return fmt.Errorf("participant id %q must not contain whitespace", v)
	}
	return nil
}

// displayValue masks secrets before printing.
func (k *configKey) displayValue(value string) string {
	if k.secret && value != "" {
		return maskKey(value)
	}
	return value
}

// writeConfig prints every key with its effective value and where it came from.
func writeConfig(w io.Writer, file *Config) {
	for _, k := range configKeys {
		value, source := *k.field(file), "file"
		if v := strings.TrimSpace(os.Getenv(k.env)); v != "" {
			value, source = v, k.env
		}
		if value == "" {
			fmt.Fprintf(w, "%-24s (not set)\n", k.name)
			continue
		}
		fmt.Fprintf(w, "%-24s %s  [%s]\n", k.name, k.displayValue(value), source)
	}
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd, configUnsetCmd, configKeysCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage roomsync configuration",
	Long: "View or modify the roomsync CLI configuration stored in ~/.roomsync/config.toml.\n" +
		"ROOMSYNC_* environment variables override the file and are never written back.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		writeConfig(cmd.OutOrStdout(), cfg)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one effective configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := lookupConfigKey(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), *k.field(cfg))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation. Values are validated before\n" +
		"they are written; run 'roomsync config keys' for the list.\n" +
		"Example: roomsync config set default.server_url http://localhost:8787",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// Environment overrides are not persisted.
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		k, _ := lookupConfigKey(key)
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, k.displayValue(value))
		if v := os.Getenv(k.env); v != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Note: %s is set and overrides this value.\n", k.env)
		}
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := lookupConfigKey(args[0])
		if err != nil {
			return err
		}
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		*k.field(cfg) = ""
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Unset %s\n", k.name)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the configuration keys and their environment variables",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range configKeys {
			fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-25s %s\n", k.name, k.env, k.desc)
		}
		return nil
	},
}
