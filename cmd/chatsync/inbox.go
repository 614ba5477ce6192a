package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/workbridge/chatsync"
)

func init() {
	rootCmd.AddCommand(inboxCmd)
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List conversations, newest first",
	Long:  "Print the deduplicated conversation list from the local cache, enriched from the server directory when reachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireAuth()
		log := newLogger()

		cache, err := openCache(cfg, log)
		if err != nil {
			return err
		}
		defer cache.Close()

		client := newRESTClient(cfg)
		opts := []chatsync.EngineOption{chatsync.WithLogger(log)}
		if client != nil {
			opts = append(opts, chatsync.WithRESTClient(client))
		}

		engine := chatsync.NewEngine(cfg.Auth.UserID, cache, opts...)

		// The first inbox publish is the cache bootstrap; with a REST
		// client a second one follows once the directory fetch settles.
		updates := make(chan struct{}, 8)
		engine.OnInbox(func([]chatsync.ConversationSummary) {
			select {
			case updates <- struct{}{}:
			default:
			}
		})

		engine.Start()
		defer engine.Close()

		want := 1
		if client != nil {
			want = 2
		}
		timeout := time.After(2 * time.Second)
		for got := 0; got < want; {
			select {
			case <-updates:
				got++
			case <-timeout:
				got = want
			}
		}

		rows := engine.Inbox()
		if len(rows) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, row := range rows {
			unread := ""
			if row.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", row.UnreadCount)
			}
			fmt.Printf("%-25s %s%s\n", row.OtherPartyName, row.LastMessage, unread)
		}
		return nil
	},
}
