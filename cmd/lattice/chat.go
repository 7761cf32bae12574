package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	lattice "github.com/latticehq/lattice-go"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyJSON  bool
	watchTimeout time.Duration
)

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum messages to fetch")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print raw JSON")
	watchCmd.Flags().DurationVar(&watchTimeout, "timeout", 0, "stop after this duration (0 = until interrupted)")

	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
}

// ============================================================================
// lattice history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation>",
	Short: "Show the date-grouped message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		session := lattice.NewSession(args[0], identityFromConfig(cfg), client, &lattice.SessionOptions{
			HistoryLimit: historyLimit,
		})
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := session.Open(ctx); err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}

		groups := session.Grouped()
		if historyJSON {
			data, err := json.MarshalIndent(groups, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(groups) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, g := range groups {
			fmt.Printf("── %s ──\n", g.Label)
			for _, m := range g.Messages {
				printMessage(session, m)
			}
		}
		return nil
	},
}

func printMessage(session *lattice.Session, m lattice.Message) {
	who := session.SenderDisplay(m).Name
	stamp := m.SortKey.Local().Format("15:04")
	suffix := ""
	if m.Edited && !m.Deleted {
		suffix = " (edited)"
	}
	fmt.Printf("[%s] %s: %s%s\n", stamp, who, m.Content, suffix)
	if m.Attachment != nil {
		fmt.Printf("        ↳ %s: %s\n", m.Attachment.Kind, m.Attachment.URL)
	}
}

// ============================================================================
// lattice send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		session := lattice.NewSession(args[0], identityFromConfig(cfg), client, nil)
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := session.Send(ctx, args[1]); err != nil {
			return fmt.Errorf("send failed (%s): %w", lattice.ErrorClass(err), err)
		}
		fmt.Println("Sent.")
		return nil
	},
}

// ============================================================================
// lattice watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <conversation>",
	Short: "Tail a conversation live over the realtime channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		key := args[0]

		realtime := client.Realtime(&lattice.RealtimeConfig{AutoReconnect: true})
		session := lattice.NewSession(key, identityFromConfig(cfg), client, &lattice.SessionOptions{
			Realtime: realtime,
		})
		defer session.Close()

		session.On(lattice.EventMessageNew, func(event string, payload any) {
			if m, ok := payload.(lattice.Message); ok {
				printMessage(session, m)
			}
		})
		realtime.OnDisconnected(func(code int, reason string) {
			fmt.Fprintf(os.Stderr, "disconnected: %s\n", reason)
		})
		realtime.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "reconnecting (attempt %d, in %s)...\n", attempt, delay)
		})
		realtime.BindSession(session)

		ctx := context.Background()
		if err := realtime.Connect(ctx); err != nil {
			return fmt.Errorf("realtime connect failed: %w", err)
		}
		defer realtime.Disconnect()

		if err := realtime.JoinConversation(ctx, key); err != nil {
			return fmt.Errorf("failed to join conversation: %w", err)
		}
		if err := session.Open(ctx); err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}
		for _, g := range session.Grouped() {
			fmt.Printf("── %s ──\n", g.Label)
			for _, m := range g.Messages {
				printMessage(session, m)
			}
		}
		fmt.Println("Watching for new messages. Ctrl-C to stop.")

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		if watchTimeout > 0 {
			select {
			case <-stop:
			case <-time.After(watchTimeout):
			}
			return nil
		}
		<-stop
		return nil
	},
}
