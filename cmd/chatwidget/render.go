package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/go-go-golems/chatwidget/pkg/webchat"
	"github.com/mattn/go-isatty"
)

// renderer prints timeline entries as they appear. Entries already printed
// are not printed again, except that a newly stamped choice selection is
// reported once.
// msgPos addresses one bot message by its position in the timeline.
type msgPos struct{ resp, msg int }

type renderer struct {
	mu       sync.Mutex
	w        io.Writer
	printed  int
	selected map[msgPos]string

	bot    *color.Color
	user   *color.Color
	choice *color.Color
	dim    *color.Color
}

func newRenderer(w io.Writer, noColor bool) *renderer {
	r := &renderer{
		w:        w,
		selected: map[msgPos]string{},
		bot:      color.New(color.FgCyan, color.Bold),
		user:     color.New(color.FgGreen, color.Bold),
		choice:   color.New(color.FgYellow),
		dim:      color.New(color.Faint),
	}
	if noColor || !isTerminal(w) {
		for _, c := range []*color.Color{r.bot, r.user, r.choice, r.dim} {
			c.DisableColor()
		}
	}
	return r
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// Observe is a webchat.Listener.
func (r *renderer) Observe(state webchat.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.printed && i < len(state); i++ {
		r.reportSelections(i, state[i])
	}
	for i := r.printed; i < len(state); i++ {
		r.printResponse(i, state[i])
	}
	if len(state) > r.printed {
		r.printed = len(state)
	}
}

func (r *renderer) reportSelections(idx int, resp webchat.Response) {
	if resp.Bot == nil {
		return
	}
	for j, m := range resp.Bot.Messages {
		pos := msgPos{idx, j}
		if m.SelectedChoiceID == "" || r.selected[pos] == m.SelectedChoiceID {
			continue
		}
		r.selected[pos] = m.SelectedChoiceID
		_, _ = r.dim.Fprintf(r.w, "  (selected %s)\n", m.SelectedChoiceID)
	}
}

func (r *renderer) printResponse(idx int, resp webchat.Response) {
	// one write per response keeps concurrent prompt output off our lines
	var b bytes.Buffer
	ts := resp.ReceivedAt.Format("15:04:05")
	switch resp.Type {
	case webchat.ResponseTypeUser:
		if resp.User == nil {
			return
		}
		text := resp.User.Text
		if resp.User.Type == webchat.UserResponseChoice {
			text = "[choice " + resp.User.ChoiceID + "]"
		}
		_, _ = r.dim.Fprintf(&b, "%s ", ts)
		_, _ = r.user.Fprint(&b, "you")
		_, _ = fmt.Fprintf(&b, ": %s\n", text)
	case webchat.ResponseTypeBot:
		if resp.Bot == nil {
			return
		}
		for j, m := range resp.Bot.Messages {
			_, _ = r.dim.Fprintf(&b, "%s ", ts)
			_, _ = r.bot.Fprint(&b, "bot")
			_, _ = fmt.Fprintf(&b, ": %s\n", m.Text)
			if len(m.Choices) > 0 {
				opts := make([]string, 0, len(m.Choices))
				for _, c := range m.Choices {
					opts = append(opts, fmt.Sprintf("%s=%s", c.ChoiceID, c.ChoiceText))
				}
				_, _ = r.choice.Fprintf(&b, "  choices: %s\n", strings.Join(opts, ", "))
			}
			if m.SelectedChoiceID != "" {
				r.selected[msgPos{idx, j}] = m.SelectedChoiceID
			}
		}
		if resp.Bot.MetadataFlag("escalation") {
			_, _ = r.dim.Fprintln(&b, "  (escalation requested)")
		}
	}
	_, _ = r.w.Write(b.Bytes())
}

// printTranscript renders a whole State at once.
func printTranscript(w io.Writer, state webchat.State, noColor bool) {
	newRenderer(w, noColor).Observe(state)
}
