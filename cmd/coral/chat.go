package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	coral "github.com/coral-im/coral-go"
)

func init() {
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(statusCmd)
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List the channels you are a member of",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.Connect(ctx, &coral.User{ID: cfg.Auth.UserID}, cfg.Auth.Token); err != nil {
			return err
		}
		scope, err := client.QueryChannels(ctx, coral.QueryChannelsRequest{
			Filter: map[string]any{"members": map[string]any{"$in": []string{cfg.Auth.UserID}}},
			Sort:   []coral.SortOption{{Field: "last_message_at", Direction: -1}},
		})
		if err != nil && len(scope.Channels().Value()) == 0 {
			return err
		}

		for _, cid := range scope.Channels().Value() {
			state := client.Registry().ChannelByCID(cid)
			name := cid
			if data := state.ChannelData().Value(); data != nil && data.Name != "" {
				name = data.Name
			}
			unread := state.UnreadCount().Value()
			if unread > 0 {
				fmt.Printf("%-40s %s (%d unread)\n", cid, name, unread)
			} else {
				fmt.Printf("%-40s %s\n", cid, name)
			}
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <cid>",
	Short: "Watch a channel and print messages as they arrive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		defer client.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		if err := client.Connect(ctx, &coral.User{ID: cfg.Auth.UserID}, cfg.Auth.Token); err != nil {
			return err
		}
		state, err := client.WatchChannel(ctx, args[0])
		if err != nil && len(state.Messages().Value()) == 0 {
			return err
		}

		unsubscribe := state.Messages().Subscribe(func(msgs []*coral.Message) {
			if len(msgs) == 0 {
				return
			}
			last := msgs[len(msgs)-1]
			if last.DeletedAt != nil {
				return
			}
			marker := ""
			if last.SyncStatus == coral.SyncPending {
				marker = " (sending...)"
			}
			fmt.Printf("[%s] %s: %s%s\n", args[0], last.UserID(), last.Text, marker)
		})
		defer unsubscribe()

		state.Typing().Subscribe(func(users []*coral.User) {
			if len(users) > 0 {
				fmt.Printf("… %s typing\n", users[0].ID)
			}
		})

		<-ctx.Done()
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <cid> <text>",
	Short: "Send a message to a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.Connect(ctx, &coral.User{ID: cfg.Auth.UserID}, cfg.Auth.Token); err != nil {
			return err
		}
		msg, err := client.SendMessage(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if msg.SyncStatus == coral.SyncPending {
			fmt.Printf("Queued %s (offline, will sync on reconnect)\n", msg.ID)
		} else {
			fmt.Printf("Sent %s\n", msg.ID)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection state and unread totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Connect(ctx, &coral.User{ID: cfg.Auth.UserID}, cfg.Auth.Token); err != nil {
			return err
		}
		// Give the websocket a moment to settle before reporting.
		deadline := time.After(3 * time.Second)
		connected := make(chan struct{})
		unsubscribe := client.GlobalState().ConnectionState().Subscribe(func(s coral.ConnectionState) {
			if s == coral.ConnectionConnected {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		})
		defer unsubscribe()
		select {
		case <-connected:
		case <-deadline:
		}

		global := client.GlobalState()
		fmt.Printf("User:            %s\n", cfg.Auth.UserID)
		fmt.Printf("Connection:      %s\n", global.ConnectionState().Value())
		fmt.Printf("Unread messages: %d\n", global.TotalUnreadCount().Value())
		fmt.Printf("Unread channels: %d\n", global.UnreadChannels().Value())
		return nil
	},
}
