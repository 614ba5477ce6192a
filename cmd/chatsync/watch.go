package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/workbridge/chatsync"
)

var watchClear bool

func init() {
	watchCmd.Flags().BoolVar(&watchClear, "clear", false, "clear the conversation history before watching")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <other-user-id>",
	Short: "Follow a conversation live",
	Long: "Open a conversation, print its timeline, and stream new messages as they arrive.\n" +
		"Lines typed on stdin are sent as messages. '/edit <id> <text>' edits, '/rm <id>' deletes.",
	Args: cobra.ExactArgs(1),
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
				BaseURL:       pushURL,
				Token:         cfg.Auth.Token,
				AutoReconnect: true,
			})
			opts = append(opts, chatsync.WithPushChannel(push))
		}

		engine := chatsync.NewEngine(cfg.Auth.UserID, cache, opts...)

		engine.OnTimeline(func(_ chatsync.ConversationKey, msgs []chatsync.Message) {
			if len(msgs) == 0 {
				return
			}
			last := msgs[len(msgs)-1]
			who := "them"
			if last.SenderID == cfg.Auth.UserID {
				who = "you"
			}
			fmt.Printf("[%s] %s  (%s)\n", who, last.Body, last.ID)
		})
		engine.OnTyping(func(ev chatsync.TypingEvent) {
			if ev.Typing {
				fmt.Println("... typing")
			}
		})

		engine.Start()
		defer engine.Close()

		if push != nil {
			push.OnMessage(engine.HandlePush)
			push.OnTyping(engine.HandleTyping)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := push.Connect(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Push channel unavailable, running degraded: %v\n", err)
			} else {
				push.Join(ctx, cfg.Auth.UserID)
			}
			cancel()
			defer push.Disconnect()
		}

		if err := engine.OpenConversation(chatsync.PartialIdentity{OtherID: args[0]}); err != nil {
			return err
		}
		if watchClear {
			if err := engine.ClearHistory(); err != nil {
				return err
			}
			fmt.Println("History cleared.")
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-sig:
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if err := dispatchLine(engine, line); err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
				}
			}
		}
	},
}

// dispatchLine turns one stdin line into an engine call.
func dispatchLine(engine *chatsync.Engine, line string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case strings.HasPrefix(line, "/edit "):
		rest := strings.TrimPrefix(line, "/edit ")
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			return fmt.Errorf("usage: /edit <message-id> <new text>")
		}
		return engine.EditMessage(parts[0], parts[1])
	case strings.HasPrefix(line, "/rm "):
		return engine.DeleteMessage(strings.TrimSpace(strings.TrimPrefix(line, "/rm ")))
	default:
		return engine.SendMessage(chatsync.Draft{Body: line})
	}
}
