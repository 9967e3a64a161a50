package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/go-go-golems/chatwidget/pkg/config"
	"github.com/go-go-golems/chatwidget/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatwidget/pkg/redisstream"
	"github.com/go-go-golems/chatwidget/pkg/webchat"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"
)

type chatFlags struct {
	botURL  string
	userID  string
	archive string
	welcome bool
	noColor bool
}

func newChatCmd() *cobra.Command {
	flags := &chatFlags{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation with the bot",
		Long: `Start an interactive conversation with the bot.

Lines are sent as text. Commands:
  /choice <id>         select a choice
  /intent <id>         trigger an intent
  /slot <id>=<value>   fill a slot (repeatable: /slot a=1 b=2)
  /reset               start a new conversation on the next send
  /quit                leave`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath(cmd))
			if err != nil {
				return err
			}
			if flags.botURL != "" {
				cfg.BotURL = flags.botURL
			}
			if flags.userID != "" {
				cfg.UserID = flags.userID
			}
			if flags.archive != "" {
				cfg.Archive.Path = flags.archive
			}
			if flags.welcome {
				cfg.TriggerWelcomeIntent = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout(), flags.noColor)
		},
	}
	cmd.Flags().StringVar(&flags.botURL, "bot-url", "", "bot service url (wss:// streams, anything else posts)")
	cmd.Flags().StringVar(&flags.userID, "user-id", "", "user id sent with every request")
	cmd.Flags().StringVar(&flags.archive, "archive", "", "sqlite file to archive transcripts into")
	cmd.Flags().BoolVar(&flags.welcome, "welcome", false, "fire the welcome intent on start")
	cmd.Flags().BoolVar(&flags.noColor, "no-color", false, "disable colored output")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	return cfg, nil
}

func runChat(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, noColor bool) error {
	m, err := webchat.New(ctx, cfg.WebchatConfig())
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	r := newRenderer(out, noColor)
	m.Subscribe(r.Observe)

	if cfg.Archive.Path != "" {
		dsn, err := chatstore.SQLiteDSNForFile(cfg.Archive.Path)
		if err != nil {
			return err
		}
		store, err := chatstore.NewSQLiteTranscriptStore(dsn)
		if err != nil {
			return errors.Wrap(err, "open transcript archive")
		}
		defer func() { _ = store.Close() }()
		m.Subscribe(chatstore.NewArchiver(ctx, store, m).Observe)
		log.Info().Str("path", cfg.Archive.Path).Str("session_id", m.SessionID()).Msg("archiving transcript")
	}

	if cfg.Redis.Enabled {
		mirror, err := redisstream.NewMirror(ctx, cfg.RedisSettings(), m)
		if err != nil {
			return err
		}
		defer func() { _ = mirror.Close() }()
		m.Subscribe(mirror.Observe)
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	// stdin reads cannot be interrupted, so the reader lives outside the group
	go func() {
		lr := newLineReader(in)
		ui := &input.UI{Reader: lr, Writer: out}
		for {
			line, err := ui.Ask("> ", &input.Options{HideOrder: true, Required: false, Loop: false})
			// go-input reports end of input as an empty answer
			if lr.exhausted() && (err != nil || line == "") {
				err = io.EOF
			}
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-readErr:
				if errors.Is(err, io.EOF) || errors.Is(err, input.ErrInterrupted) {
					return nil
				}
				return err
			case line := <-lines:
				act, err := parseLine(line)
				if err != nil {
					log.Warn().Err(err).Msg("ignoring input")
					continue
				}
				if act.kind == actionQuit {
					return nil
				}
				apply(gctx, m, act)
			}
		}
	})
	return eg.Wait()
}

// lineReader hands out at most one line per Read and remembers when the
// underlying input ran out, which go-input itself does not report.
type lineReader struct {
	br      *bufio.Reader
	pending []byte
	eof     bool
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{br: bufio.NewReader(r)}
}

func (l *lineReader) Read(p []byte) (int, error) {
	if len(l.pending) == 0 {
		line, err := l.br.ReadBytes('\n')
		if err != nil {
			l.eof = true
		}
		if len(line) == 0 {
			return 0, err
		}
		l.pending = line
	}
	n := copy(p, l.pending)
	l.pending = l.pending[n:]
	return n, nil
}

func (l *lineReader) exhausted() bool { return l.eof && len(l.pending) == 0 }

type actionKind int

const (
	actionNone actionKind = iota
	actionText
	actionChoice
	actionIntent
	actionSlots
	actionReset
	actionQuit
)

type action struct {
	kind  actionKind
	arg   string
	slots []webchat.SlotValue
}

func parseLine(line string) (action, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return action{kind: actionNone}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return action{kind: actionText, arg: line}, nil
	}
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "/quit", "/exit":
		return action{kind: actionQuit}, nil
	case "/reset":
		return action{kind: actionReset}, nil
	case "/choice", "/intent":
		if rest == "" {
			return action{}, errors.Errorf("%s needs an id", name)
		}
		kind := actionChoice
		if name == "/intent" {
			kind = actionIntent
		}
		return action{kind: kind, arg: rest}, nil
	case "/slot":
		slots, err := parseSlots(rest)
		if err != nil {
			return action{}, err
		}
		return action{kind: actionSlots, slots: slots}, nil
	default:
		return action{}, errors.Errorf("unknown command %s", name)
	}
}

// parseSlots reads "id=value" pairs. Numbers and booleans keep their type.
func parseSlots(s string) ([]webchat.SlotValue, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, errors.New("/slot needs at least one id=value")
	}
	out := make([]webchat.SlotValue, 0, len(fields))
	for _, f := range fields {
		id, raw, ok := strings.Cut(f, "=")
		if !ok || id == "" {
			return nil, errors.Errorf("bad slot %q, want id=value", f)
		}
		out = append(out, webchat.SlotValue{SlotID: id, Value: slotValue(raw)})
	}
	return out, nil
}

func slotValue(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	return raw
}

func apply(ctx context.Context, m *webchat.Manager, act action) {
	switch act.kind {
	case actionText:
		m.SendText(ctx, act.arg)
	case actionChoice:
		m.SendChoice(ctx, act.arg)
	case actionIntent:
		m.SendIntent(ctx, act.arg)
	case actionSlots:
		m.SendSlots(ctx, act.slots)
	case actionReset:
		m.Reset()
		log.Info().Msg("conversation reset, next message starts a new one")
	}
}
