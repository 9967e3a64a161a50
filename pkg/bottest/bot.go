// Package bottest provides a scriptable stand-in for the remote bot service.
// It speaks both the unary HTTP protocol and the streaming websocket protocol
// and records every request body it sees.
package bottest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Request is an outbound body as decoded by the fake bot.
type Request struct {
	UserID         string         `json:"userId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	LanguageCode   string         `json:"languageCode,omitempty"`
	ChannelType    string         `json:"channelType,omitempty"`
	Request        struct {
		Unstructured *struct {
			Text string `json:"text"`
		} `json:"unstructured,omitempty"`
		Structured *struct {
			ChoiceID string           `json:"choiceId,omitempty"`
			IntentID string           `json:"intentId,omitempty"`
			Slots    []map[string]any `json:"slots,omitempty"`
		} `json:"structured,omitempty"`
	} `json:"request"`
}

// Reply is what a Responder returns. A zero Status means 200. Body is sent as-is.
type Reply struct {
	Status int
	Body   []byte
}

type Responder func(Request) Reply

// Recorded is one request seen by the bot.
type Recorded struct {
	Body     Request
	Raw      []byte
	Header   http.Header
	Query    map[string]string
	Streamed bool
}

type Bot struct {
	respond  Responder
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu       sync.Mutex
	seen     []Recorded
	conns    map[*websocket.Conn]struct{}
	accepted int
	rejectWS int
}

type Option func(*Bot)

func WithResponder(r Responder) Option {
	return func(b *Bot) { b.respond = r }
}

// WithRejectedUpgrades makes the next n websocket handshakes fail with 503.
func WithRejectedUpgrades(n int) Option {
	return func(b *Bot) { b.rejectWS = n }
}

func New(opts ...Option) *Bot {
	b := &Bot{
		respond:  EchoResponder(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      log.With().Str("component", "bottest").Logger(),
		conns:    map[*websocket.Conn]struct{}{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ServeHTTP answers POSTs with the responder's reply and upgrades GETs that
// ask for a websocket.
func (b *Bot) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if websocket.IsWebSocketUpgrade(req) {
		b.serveWS(w, req)
		return
	}
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var in Request
	if err := json.Unmarshal(raw, &in); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	b.record(Recorded{Body: in, Raw: raw, Header: req.Header.Clone(), Query: flatQuery(req)})

	reply := b.respond(in)
	w.Header().Set("Content-Type", "application/json")
	if reply.Status != 0 {
		w.WriteHeader(reply.Status)
	}
	_, _ = w.Write(reply.Body)
}

func (b *Bot) serveWS(w http.ResponseWriter, req *http.Request) {
	b.mu.Lock()
	if b.rejectWS > 0 {
		b.rejectWS--
		b.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	b.mu.Unlock()

	conn, err := b.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	header := req.Header.Clone()
	query := flatQuery(req)

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.accepted++
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var in Request
		if err := json.Unmarshal(raw, &in); err != nil {
			b.log.Debug().Err(err).Msg("ignoring malformed frame")
			continue
		}
		b.record(Recorded{Body: in, Raw: raw, Header: header, Query: query, Streamed: true})
		reply := b.respond(in)
		if len(reply.Body) == 0 {
			continue
		}
		// writes share b.mu with Push so a socket never has two writers
		b.mu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, reply.Body)
		b.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// Push writes frame to every connected socket.
func (b *Bot) Push(frame []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for c := range b.conns {
		if err := c.WriteMessage(websocket.TextMessage, frame); err == nil {
			n++
		}
	}
	return n
}

// DropConnections closes every live socket without a close handshake.
func (b *Bot) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		_ = c.Close()
	}
}

func (b *Bot) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Accepted counts websocket handshakes that succeeded.
func (b *Bot) Accepted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepted
}

func (b *Bot) Requests() []Recorded {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Recorded(nil), b.seen...)
}

func (b *Bot) record(r Recorded) {
	b.mu.Lock()
	b.seen = append(b.seen, r)
	b.mu.Unlock()
}

func flatQuery(req *http.Request) map[string]string {
	out := map[string]string{}
	for k, v := range req.URL.Query() {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// EchoResponder assigns a conversation id on first contact, echoes text,
// offers a yes/no choice for intents and acknowledges choices and slots.
func EchoResponder() Responder {
	return func(in Request) Reply {
		convID := in.ConversationID
		if convID == "" {
			convID = "conv-" + uuid.NewString()[:8]
		}
		var msgs []map[string]any
		switch {
		case in.Request.Unstructured != nil:
			msgs = append(msgs, message("You said: "+in.Request.Unstructured.Text))
		case in.Request.Structured != nil && in.Request.Structured.IntentID != "":
			m := message(fmt.Sprintf("Intent %s. Continue?", in.Request.Structured.IntentID))
			m["choices"] = []map[string]any{
				{"choiceId": "yes", "choiceText": "Yes"},
				{"choiceId": "no", "choiceText": "No"},
			}
			msgs = append(msgs, m)
		case in.Request.Structured != nil && in.Request.Structured.ChoiceID != "":
			msgs = append(msgs, message("You picked "+in.Request.Structured.ChoiceID))
		case in.Request.Structured != nil && len(in.Request.Structured.Slots) > 0:
			ids := make([]string, 0, len(in.Request.Structured.Slots))
			for _, s := range in.Request.Structured.Slots {
				ids = append(ids, fmt.Sprint(s["slotId"]))
			}
			msgs = append(msgs, message("Got slots: "+strings.Join(ids, ", ")))
		default:
			msgs = append(msgs, message("I did not understand that."))
		}
		body, _ := json.Marshal(map[string]any{"conversationId": convID, "messages": msgs})
		return Reply{Body: body}
	}
}

// StaticResponder always answers with body and status.
func StaticResponder(status int, body string) Responder {
	return func(Request) Reply {
		return Reply{Status: status, Body: []byte(body)}
	}
}

func message(text string) map[string]any {
	return map[string]any{"messageId": "m-" + uuid.NewString()[:8], "text": text}
}
