package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/roomsync"
	"github.com/Prismer-AI/roomsync/natsbus"
)

var chatNATS string

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Join a conversation interactively",
	Long: "Join a conversation and chat from the terminal.\n\n" +
		"Lines are sent as messages. Commands:\n" +
		"  /who            list participants online\n" +
		"  /rooms          list your conversations\n" +
		"  /switch <id>    switch to another conversation\n" +
		"  /draft <text>   signal typing without sending\n" +
		"  /quit           leave",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, participant, err := requireParticipant()
		if err != nil {
			return err
		}
		cfg, _, _, err := clientSettings()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		feed, presence, closeTransport, err := openTransport(ctx, client, participant, valueOrDefault(chatNATS, cfg.NATS.URL))
		if err != nil {
			return err
		}
		defer closeTransport()

		c := &chat{out: os.Stdout, self: participant, printed: make(map[string]struct{})}
		c.drops = make(chan error, 1)
		session, err := roomsync.NewSession(roomsync.SessionConfig{
			Self:      roomsync.Participant{ID: participant, DisplayName: cfg.Default.DisplayName},
			Store:     client,
			Directory: client,
			Feed:      feed,
			Presence:  presence,
			Logger:    logger,
			OnChange:  c.render,
			OnError:   c.dropped,
		})
		if err != nil {
			return err
		}
		defer session.Close()
		c.session = session

		if err := c.join(ctx, args[0]); err != nil {
			return err
		}
		return c.loop(ctx, os.Stdin)
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatNATS, "nats", "", "Read changes and presence from this NATS server instead of the relay websocket")
	rootCmd.AddCommand(chatCmd)
}

// openTransport returns the change feed and presence channel for the chat:
// the relay websocket by default, or the NATS bus when natsURL is set.
func openTransport(ctx context.Context, client *roomsync.Client, participant, natsURL string) (roomsync.ChangeFeed, roomsync.PresenceChannel, func(), error) {
	if natsURL != "" {
		bus, err := natsbus.Connect(ctx, &natsbus.Config{URL: natsURL, Name: "roomsync-chat-" + participant, Logger: logger})
		if err != nil {
			return nil, nil, nil, err
		}
		return bus.Feed(), bus.Presence(), func() { bus.Close() }, nil
	}

	rt := client.Realtime(&roomsync.RealtimeConfig{
		ParticipantID: participant,
		AutoReconnect: true,
		Logger:        logger,
	})
	rt.OnReconnecting(func(attempt int, delay time.Duration) {
		logger.Info("reconnecting", "attempt", attempt, "delay", delay)
	})
	backoff := roomsync.NewBackoff(500*time.Millisecond, 10*time.Second, 5)
	err := backoff.Retry(ctx, rt.Connect, func(attempt int, delay time.Duration, err error) {
		fmt.Fprintf(os.Stderr, "connect failed (%v), retrying in %s\n", err, delay.Round(time.Millisecond))
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to relay: %w", err)
	}
	return rt, rt, func() { rt.Disconnect() }, nil
}

// ============================================================================
// Chat loop
// ============================================================================

type chat struct {
	session *roomsync.Session
	self    string
	drops   chan error

	mu      sync.Mutex
	out     io.Writer
	printed map[string]struct{}
	online  []string
	typing  bool
}

// join selects conversationID, retrying with backoff while the transport
// recovers.
func (c *chat) join(ctx context.Context, conversationID string) error {
	backoff := roomsync.NewBackoff(500*time.Millisecond, 10*time.Second, 8)
	err := backoff.Retry(ctx, func(ctx context.Context) error {
		err := c.session.SelectConversation(ctx, conversationID)
		var apiErr *roomsync.APIError
		if errors.As(err, &apiErr) {
			// The relay answered; retrying will not change its mind.
			return roomsync.Permanent(err)
		}
		return err
	}, func(attempt int, delay time.Duration, err error) {
		c.printf("! could not open %s (%v), retrying in %s\n", conversationID, err, delay.Round(time.Millisecond))
	})
	if err != nil {
		return apiError(err)
	}
	c.printf("* joined %s (%d messages)\n", conversationID, len(c.session.Messages()))
	return nil
}

func (c *chat) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.drops:
			c.printf("! connection lost: %v\n", err)
			if conv := c.session.Conversation(); conv != "" {
				if err := c.join(ctx, conv); err != nil {
					return err
				}
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := c.handle(ctx, strings.TrimRight(line, "\r")); done {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the chat should end.
func (c *chat) handle(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/who":
		c.printf("* online: %s\n", strings.Join(c.session.Online(), ", "))
	case "/rooms":
		convs, err := c.session.Conversations(ctx)
		if err != nil {
			c.printf("! %v\n", apiError(err))
			return false
		}
		for _, conv := range convs {
			c.printf("  %s  %s\n", conv.ID, conv.Title)
		}
	case "/switch":
		if arg == "" {
			c.printf("! usage: /switch <conversation-id>\n")
			return false
		}
		c.reset()
		if err := c.join(ctx, arg); err != nil {
			c.printf("! %v\n", err)
		}
	case "/draft":
		c.session.InputChanged(arg)
	default:
		if strings.TrimSpace(line) == "" {
			return false
		}
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if _, err := c.session.Send(sendCtx, line); err != nil {
			var sendErr *roomsync.SendError
			if errors.As(err, &sendErr) {
				c.printf("! not sent (%v). Your text:\n%s\n", errors.Unwrap(sendErr), sendErr.Text)
				return false
			}
			c.printf("! %v\n", err)
		}
	}
	return false
}

func (c *chat) dropped(err error) {
	select {
	case c.drops <- err:
	default:
	}
}

// render prints confirmed messages that were not printed yet and changes in
// presence and typing.
func (c *chat) render() {
	msgs := c.session.Messages()
	online := c.session.Online()
	typing := c.session.IsTyping()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		if m.Pending() {
			continue
		}
		if _, ok := c.printed[m.ID]; ok {
			continue
		}
		c.printed[m.ID] = struct{}{}
		fmt.Fprintln(c.out, formatMessage(m))
	}
	if joined, left := diff(c.online, online); len(joined)+len(left) > 0 {
		for _, id := range joined {
			if id != c.self {
				fmt.Fprintf(c.out, "* %s joined\n", id)
			}
		}
		for _, id := range left {
			if id != c.self {
				fmt.Fprintf(c.out, "* %s left\n", id)
			}
		}
		c.online = online
	}
	if typing != c.typing {
		c.typing = typing
		if typing {
			fmt.Fprintln(c.out, "* someone is typing...")
		}
	}
}

func (c *chat) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printed = make(map[string]struct{})
	c.online = nil
	c.typing = false
}

func (c *chat) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// diff compares two sorted id lists.
func diff(before, after []string) (joined, left []string) {
	in := func(list []string, id string) bool {
		i := sort.SearchStrings(list, id)
		return i < len(list) && list[i] == id
	}
	for _, id := range after {
		if !in(before, id) {
			joined = append(joined, id)
		}
	}
	for _, id := range before {
		if !in(after, id) {
			left = append(left, id)
		}
	}
	return joined, left
}
