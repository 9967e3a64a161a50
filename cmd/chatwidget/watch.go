package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-go-golems/chatwidget/pkg/redisstream"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var (
		addr    string
		stream  string
		group   string
		full    bool
		noColor bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail conversation snapshots mirrored to Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath(cmd))
			if err != nil {
				return err
			}
			s := cfg.RedisSettings()
			if addr != "" {
				s.Addr = addr
			}
			if stream != "" {
				s.Stream = stream
			}
			if group != "" {
				s.Group = group
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			return redisstream.Watch(ctx, s, func(f redisstream.MirrorFrame) error {
				_, _ = fmt.Fprintf(out, "-- %s v%d conv=%s entries=%d\n", f.SessionID, f.Version, f.ConversationID, len(f.State))
				if full {
					printTranscript(out, f.State, noColor)
				} else if n := len(f.State); n > 0 {
					printTranscript(out, f.State[n-1:], noColor)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "redis-addr", "", "redis address (defaults to redis.addr)")
	cmd.Flags().StringVar(&stream, "stream", "", "stream name (defaults to redis.stream)")
	cmd.Flags().StringVar(&group, "group", "", "consumer group (defaults to redis.group)")
	cmd.Flags().BoolVar(&full, "full", false, "print the whole transcript for every frame")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	return cmd
}
