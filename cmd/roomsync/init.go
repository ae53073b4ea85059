package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/roomsync"
)

var (
	initServer string
	initName   string
)

func init() {
	initCmd.Flags().StringVar(&initServer, "server-url", "", "Relay URL (default "+roomsync.DefaultBaseURL+")")
	initCmd.Flags().StringVar(&initName, "name", "", "Display name")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <participant-id>",
	Short: "Store your participant id in ~/.roomsync/config.toml",
	Long:  "Initialize the roomsync CLI by storing your participant id and relay URL in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, "default.participant_id", args[0]); err != nil {
			return err
		}
		if initName != "" {
			cfg.Default.DisplayName = initName
		}
		if initServer != "" {
			if err := setConfigValue(cfg, "default.server_url", initServer); err != nil {
				return err
			}
		} else if cfg.Default.ServerURL == "" {
			cfg.Default.ServerURL = roomsync.DefaultBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Participant %s saved to %s\n", args[0], path)
		return nil
	},
}
