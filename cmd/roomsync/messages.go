package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/roomsync"
)

var (
	messagesJSON  bool
	messagesLimit int
)

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Read, send, edit and delete messages",
}

var messagesListCmd = &cobra.Command{
	Use:   "list <conversation-id>",
	Short: "Print the history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.Query(ctx, args[0])
		if err != nil {
			return apiError(err)
		}
		if messagesLimit > 0 && len(msgs) > messagesLimit {
			msgs = msgs[len(msgs)-messagesLimit:]
		}
		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m))
		}
		return nil
	},
}

var messagesSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send one message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, participant, err := requireParticipant()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		m, err := client.Insert(ctx, roomsync.Draft{ConversationID: args[0], SenderID: participant, Content: args[1]})
		if err != nil {
			return apiError(err)
		}
		if messagesJSON {
			return printJSON(m)
		}
		fmt.Printf("Sent %s\n", m.ID)
		return nil
	},
}

var messagesEditCmd = &cobra.Command{
	Use:   "edit <conversation-id> <message-id> <text>",
	Short: "Replace the content of one of your messages",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := requireParticipant()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		m, err := client.EditMessage(ctx, args[0], args[1], roomsync.EditMessageOptions{Content: args[2]})
		if err != nil {
			return apiError(err)
		}
		if messagesJSON {
			return printJSON(m)
		}
		fmt.Println(formatMessage(*m))
		return nil
	},
}

var messagesDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id> <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := requireParticipant()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.DeleteMessage(ctx, args[0], args[1]); err != nil {
			return apiError(err)
		}
		fmt.Printf("Deleted %s\n", args[1])
		return nil
	},
}

func formatMessage(m roomsync.Message) string {
	mark := ""
	if m.Pending() {
		mark = " (sending)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, m.Content, mark)
}

func init() {
	messagesCmd.PersistentFlags().BoolVar(&messagesJSON, "json", false, "Output JSON")
	messagesListCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Show only the last n messages")

	messagesCmd.AddCommand(messagesListCmd)
	messagesCmd.AddCommand(messagesSendCmd)
	messagesCmd.AddCommand(messagesEditCmd)
	messagesCmd.AddCommand(messagesDeleteCmd)
	rootCmd.AddCommand(messagesCmd)
}
