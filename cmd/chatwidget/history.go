package main

import (
	"fmt"
	"time"

	"github.com/go-go-golems/chatwidget/pkg/persistence/chatstore"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		dbPath  string
		limit   int
		noColor bool
	)
	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "List archived sessions or print one transcript",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				cfg, err := loadConfig(configPath(cmd))
				if err != nil {
					return err
				}
				dbPath = cfg.Archive.Path
			}
			if dbPath == "" {
				return errors.New("no archive configured, pass --db or set archive.path")
			}
			dsn, err := chatstore.SQLiteDSNForFile(dbPath)
			if err != nil {
				return err
			}
			store, err := chatstore.NewSQLiteTranscriptStore(dsn)
			if err != nil {
				return errors.Wrap(err, "open transcript archive")
			}
			defer func() { _ = store.Close() }()

			out := cmd.OutOrStdout()
			ctx := cmd.Context()
			if len(args) == 0 {
				sessions, err := store.ListSessions(ctx, limit)
				if err != nil {
					return err
				}
				for _, s := range sessions {
					_, _ = fmt.Fprintf(out, "%s  %s  v%d  %d entries  %s\n",
						s.SessionID,
						time.UnixMilli(s.LastActivityMs).Format(time.RFC3339),
						s.Version, s.Responses, s.ConversationID)
				}
				return nil
			}

			snap, ok, err := store.GetSnapshot(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return errors.Errorf("session %s not found", args[0])
			}
			ids, err := store.ListConversationIDs(ctx, args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "session %s (version %d, conversations %v)\n", snap.SessionID, snap.Version, ids)
			printTranscript(out, snap.State, noColor)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "sqlite archive (defaults to archive.path)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sessions to list")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	return cmd
}
