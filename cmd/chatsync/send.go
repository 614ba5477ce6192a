package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/workbridge/chatsync"
)

func init() {
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <other-user-id> <text>...",
	Short: "Send a single message",
	Long:  "Open a conversation, send one message, and exit. The message goes over the push channel when it connects, or straight into the local cache otherwise.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireAuth()
		log := newLogger()

		cache, err := openCache(cfg, log)
		if err != nil {
			return err
		}
		defer cache.Close()

		opts := []chatsync.EngineOption{chatsync.WithLogger(log)}
		if c := newRESTClient(cfg); c != nil {
			opts = append(opts, chatsync.WithRESTClient(c))
		}

		var push *chatsync.PushClient
		pushURL := cfg.Default.PushURL
		if pushURL == "" {
			pushURL = cfg.Default.BaseURL
		}
		if pushURL != "" {
			push = chatsync.NewPushClient(chatsync.PushConfig{
				BaseURL: pushURL,
				Token:   cfg.Auth.Token,
			})
			opts = append(opts, chatsync.WithPushChannel(push))
		}

		engine := chatsync.NewEngine(cfg.Auth.UserID, cache, opts...)
		engine.Start()
		defer engine.Close()

		if push != nil {
			push.OnMessage(engine.HandlePush)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := push.Connect(ctx); err != nil {
				fmt.Println("Push channel unavailable, message saved locally.")
			} else {
				push.Join(ctx, cfg.Auth.UserID)
				defer push.Disconnect()
			}
			cancel()
		}

		if err := engine.OpenConversation(chatsync.PartialIdentity{OtherID: args[0]}); err != nil {
			return err
		}
		if err := engine.SendMessage(chatsync.Draft{Body: strings.Join(args[1:], " ")}); err != nil {
			return err
		}

		// Give a connected channel a moment to deliver the frame.
		if push != nil && push.Connected() {
			time.Sleep(300 * time.Millisecond)
		}
		fmt.Println("Sent.")
		return nil
	},
}
