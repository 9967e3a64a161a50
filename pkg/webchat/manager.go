package webchat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Listener observes State snapshots. It runs synchronously on the goroutine
// that caused the change and must not call mutating Manager methods.
// Unsubscribe and UnsubscribeAll are safe to call from a listener.
type Listener func(State)

type SubscriptionID string

type subscription struct {
	id      SubscriptionID
	fn      Listener
	removed atomic.Bool
}

// Manager owns one conversation with the bot service: it assembles outbound
// requests, applies replies to the timeline and notifies listeners.
type Manager struct {
	cfg       Config
	sessionID string
	transport Transport
	now       func() time.Time
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// notifyMu serializes transitions with their delivery so listeners see
	// snapshots in transition order.
	notifyMu sync.Mutex

	mu       sync.Mutex
	rec      record
	lastTime time.Time
	subs     []*subscription

	closeOnce sync.Once
	closeErr  error
}

// New builds a Manager. ctx bounds the lifetime of background work (socket
// reader, reconnection, the welcome intent). Only configuration errors are
// returned; transport trouble ends up in the published State.
func New(ctx context.Context, cfg Config, opts ...Option) (*Manager, error) {
	if ctx == nil {
		return nil, errors.New("webchat: base context is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.sessionID == "" {
		o.sessionID = uuid.NewString()
	}

	mctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		cfg:       cfg,
		sessionID: o.sessionID,
		now:       o.now,
		ctx:       mctx,
		cancel:    cancel,
		log: log.With().
			Str("component", "webchat").
			Str("session_id", o.sessionID).
			Logger(),
	}
	m.rec = record{responses: State{}, userID: cfg.UserID}
	if len(cfg.GreetingMessages) > 0 {
		m.rec = appendResponse(m.rec, Response{
			Type:       ResponseTypeBot,
			ReceivedAt: m.stampLocked(),
			Bot:        &BotResponsePayload{Messages: textMessages(cfg.GreetingMessages)},
		})
	}

	var (
		t   Transport
		err error
	)
	if o.transportFactory != nil {
		t, err = o.transportFactory(mctx, m.handlePayload)
	} else {
		t, err = selectTransport(mctx, cfg, transportDeps{httpClient: o.httpClient, dialer: o.dialer}, m.handlePayload)
	}
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "webchat: build transport")
	}
	m.transport = t
	m.log.Debug().Str("bot_url", cfg.BotURL).Bool("streaming", IsStreamingURL(cfg.BotURL)).Msg("conversation manager ready")

	if cfg.TriggerWelcomeIntent {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.SendIntent(mctx, WelcomeIntentID)
		}()
	}
	return m, nil
}

// SessionID identifies this manager locally. It is unrelated to the
// service-assigned conversation id.
func (m *Manager) SessionID() string { return m.sessionID }

// State returns a copy of the current timeline.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.responses.Clone()
}

func (m *Manager) CurrentConversationID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.conversationID, m.rec.conversationID != ""
}

// SendText appends the user's text to the timeline and then dispatches it.
func (m *Manager) SendText(ctx context.Context, text string) {
	m.update(func(r record) record {
		return appendUser(r, UserResponsePayload{Type: UserResponseText, Text: text}, m.stampLocked())
	})
	m.dispatch(ctx, Request{Unstructured: &UnstructuredRequest{Text: text}})
}

// SendChoice marks choiceID as selected on every message offering it, appends
// the user's choice and dispatches it.
func (m *Manager) SendChoice(ctx context.Context, choiceID string) {
	m.update(func(r record) record {
		r = selectChoice(r, choiceID)
		return appendUser(r, UserResponsePayload{Type: UserResponseChoice, ChoiceID: choiceID}, m.stampLocked())
	})
	m.dispatch(ctx, Request{Structured: &StructuredRequest{ChoiceID: choiceID}})
}

// SendSlots, SendIntent and SendStructured dispatch without adding a user turn.
func (m *Manager) SendSlots(ctx context.Context, slots []SlotValue) {
	m.dispatch(ctx, Request{Structured: &StructuredRequest{Slots: slots}})
}

func (m *Manager) SendIntent(ctx context.Context, intentID string) {
	m.dispatch(ctx, Request{Structured: &StructuredRequest{IntentID: intentID}})
}

func (m *Manager) SendStructured(ctx context.Context, req StructuredRequest) {
	m.dispatch(ctx, Request{Structured: &req})
}

// Reset forgets the conversation id so the next send starts a new
// conversation on the service. The transcript and context flag are kept.
func (m *Manager) Reset() {
	m.update(func(r record) record {
		r.conversationID = ""
		return r
	})
	m.log.Debug().Msg("conversation reset")
}

// Subscribe registers fn and calls it right away with the current snapshot.
func (m *Manager) Subscribe(fn Listener) SubscriptionID {
	if fn == nil {
		return ""
	}
	id := SubscriptionID(uuid.NewString())

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.mu.Lock()
	m.subs = append(m.subs, &subscription{id: id, fn: fn})
	snap := m.rec.responses
	m.mu.Unlock()

	fn(snap.Clone())
	return id
}

// Unsubscribe removes a registration. Once it returns the listener is not
// called again, except for a call that was already running on another
// goroutine. Unknown ids are ignored.
func (m *Manager) Unsubscribe(id SubscriptionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s.id == id {
			s.removed.Store(true)
			m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
			return
		}
	}
}

func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	for _, s := range m.subs {
		s.removed.Store(true)
	}
	m.subs = nil
	m.mu.Unlock()
}

// Close stops background work and closes the transport. Listeners stay
// registered but no further replies arrive.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		if m.transport != nil {
			m.closeErr = m.transport.Close()
		}
	})
	return m.closeErr
}

// update applies fn to the record and delivers the result to every listener.
func (m *Manager) update(fn func(record) record) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	m.rec = fn(m.rec)
	snap := m.rec.responses
	subs := append([]*subscription(nil), m.subs...)
	m.mu.Unlock()

	for _, s := range subs {
		if s.removed.Load() {
			continue
		}
		s.fn(snap.Clone())
	}
}

// stampLocked returns a timestamp no earlier than the previous one. m.mu must be held.
func (m *Manager) stampLocked() time.Time {
	t := m.now()
	if t.Before(m.lastTime) {
		t = m.lastTime
	}
	m.lastTime = t
	return t
}

func (m *Manager) dispatch(ctx context.Context, req Request) {
	if ctx == nil {
		ctx = m.ctx
	}
	requestID := uuid.NewString()

	body := m.assembleBody(req)
	dlog := m.log.With().
		Str("request_id", requestID).
		Str("conversation_id", body.ConversationID).
		Logger()

	data, err := encodeBody(body)
	if err != nil {
		dlog.Error().Err(err).Msg("failed to encode request")
		m.appendFailure()
		return
	}

	dlog.Debug().Bool("with_context", body.Context != nil).Msg("dispatching request")
	res, err := m.transport.Dispatch(ctx, data)
	if err != nil {
		dlog.Warn().Err(err).Msg("dispatch failed")
		m.appendFailure()
		return
	}
	if res.Pending {
		return
	}
	m.handlePayload(res.Payload)
}

// assembleBody builds the outbound body and, the first time only, attaches
// the configured context.
func (m *Manager) assembleBody(req Request) OutboundBody {
	body := OutboundBody{
		LanguageCode: m.cfg.LanguageCode,
		ChannelType:  m.cfg.Experimental.ChannelType,
		Request:      req,
	}

	m.mu.Lock()
	body.UserID = m.rec.userID
	body.ConversationID = m.rec.conversationID
	sendContext := m.cfg.Context != nil && !m.rec.contextSent
	m.mu.Unlock()
	if !sendContext {
		return body
	}

	var claimed bool
	m.update(func(r record) record {
		if r.contextSent {
			return r
		}
		claimed = true
		r.contextSent = true
		return r
	})
	if claimed {
		body.Context = cloneMap(m.cfg.Context)
	}
	return body
}

func (m *Manager) handlePayload(p BotResponsePayload) {
	m.update(func(r record) record {
		return appendBotPayload(r, p, m.stampLocked())
	})
	m.log.Debug().Str("conversation_id", p.ConversationID).Int("messages", len(p.Messages)).Msg("bot reply applied")
}

func (m *Manager) appendFailure() {
	msgs := m.cfg.failureMessages()
	m.update(func(r record) record {
		return appendResponse(r, Response{
			Type:       ResponseTypeBot,
			ReceivedAt: m.stampLocked(),
			Bot:        &BotResponsePayload{Messages: msgs},
		})
	})
}

func (m *Manager) contextSent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.contextSent
}
