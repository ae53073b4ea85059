package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.roomsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Relay   ConfigRelay   `toml:"relay"`
	NATS    ConfigNATS    `toml:"nats"`
}

// ConfigDefault holds client settings.
type ConfigDefault struct {
	ServerURL     string `toml:"server_url"`
	ParticipantID string `toml:"participant_id"`
	DisplayName   string `toml:"display_name"`
	Token         string `toml:"token"`
	LogLevel      string `toml:"log_level"`
}

// ConfigRelay holds settings for `roomsync relay`.
type ConfigRelay struct {
	Addr          string `toml:"addr"`
	Database      string `toml:"database"`
	WebhookURL    string `toml:"webhook_url"`
	WebhookSecret string `toml:"webhook_secret"`
}

// ConfigNATS holds the optional bus connection.
type ConfigNATS struct {
	URL string `toml:"url"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.roomsync (or $ROOMSYNC_CONFIG_DIR),
// creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv("ROOMSYNC_CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".roomsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then applies ROOMSYNC_*
// environment overrides. A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", s)
	}
}

// newLogger builds the stderr text logger. The flag wins over the config
// file and the environment.
func newLogger(flagLevel string, cfg *Config) *slog.Logger {
	lvl := flagLevel
	if lvl == "" {
		lvl = cfg.Default.LogLevel
	}
	level, err := parseLevel(lvl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v; using info\n", err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagLogLevel    string
	flagServer      string
	flagParticipant string

	logger = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:   "roomsync",
	Short: "roomsync chat client and relay",
	Long: "Command-line client for roomsync conversations.\n" +
		"Chat interactively, manage conversations and messages, or run a relay.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load(".env")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger = newLogger(flagLogLevel, cfg)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "Relay URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagParticipant, "as", "", "Participant id (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
