package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/roomsync"
)

var (
	roomsJSON          bool
	roomsCreateMembers string
)

var roomsCmd = &cobra.Command{
	Use:     "rooms",
	Aliases: []string{"conversations"},
	Short:   "List and create conversations",
}

var roomsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, participant, err := requireParticipant()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx, participant)
		if err != nil {
			return apiError(err)
		}
		if roomsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			members := "open"
			if len(c.Members) > 0 {
				members = strings.Join(c.Members, ", ")
			}
			fmt.Printf("%s  %-24s  %s\n", c.ID, c.Title, members)
		}
		return nil
	},
}

var roomsCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a conversation",
	Long:  "Create a conversation. Without --members it is open to every participant.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		opts := roomsync.CreateConversationOptions{Title: args[0]}
		if roomsCreateMembers != "" {
			opts.Members = strings.Split(roomsCreateMembers, ",")
		}
		c, err := client.CreateConversation(ctx, opts)
		if err != nil {
			return apiError(err)
		}
		if roomsJSON {
			return printJSON(c)
		}
		fmt.Printf("Created %s (%s)\n", c.Title, c.ID)
		return nil
	},
}

func init() {
	roomsCmd.PersistentFlags().BoolVar(&roomsJSON, "json", false, "Output JSON")
	roomsCreateCmd.Flags().StringVar(&roomsCreateMembers, "members", "", "Comma-separated participant ids")

	roomsCmd.AddCommand(roomsListCmd)
	roomsCmd.AddCommand(roomsCreateCmd)
	rootCmd.AddCommand(roomsCmd)
}
