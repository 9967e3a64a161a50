package webchat

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultWriteTimeout = 10 * time.Second

type streamTransportConfig struct {
	URL          string
	Headers      map[string]string
	Dialer       *websocket.Dialer
	Reconnect    ReconnectConfig
	WriteTimeout time.Duration
}

// streamTransport keeps one websocket open to the bot service. Dispatch writes
// a frame and resolves as pending; replies come back through the read loop.
type streamTransport struct {
	cfg       streamTransportConfig
	header    http.Header
	dialer    *websocket.Dialer
	onPayload PayloadHandler
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	conn         *websocket.Conn
	closed       bool
	reconnecting bool

	writeMu sync.Mutex
}

var _ Transport = &streamTransport{}

// newStreamTransport dials once synchronously. A failed first dial is handled
// like a dropped connection.
func newStreamTransport(ctx context.Context, cfg streamTransportConfig, onPayload PayloadHandler) *streamTransport {
	dialer := cfg.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}
	tctx, cancel := context.WithCancel(ctx)
	t := &streamTransport{
		cfg:       cfg,
		header:    header,
		dialer:    dialer,
		onPayload: onPayload,
		log:       log.With().Str("component", "webchat.ws").Logger(),
		ctx:       tctx,
		cancel:    cancel,
	}

	conn, err := t.dial(tctx)
	if err != nil {
		t.log.Warn().Err(err).Msg("initial websocket dial failed")
		t.scheduleReconnect()
		return t
	}
	t.attach(conn)
	return t
}

func (t *streamTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, t.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "webchat: dial bot socket")
	}
	return conn, nil
}

func (t *streamTransport) attach(conn *websocket.Conn) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.wg.Add(1)
	t.mu.Unlock()

	t.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("websocket connected")
	go t.readLoop(conn)
}

func (t *streamTransport) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(conn, err)
			return
		}
		if msgType != websocket.TextMessage {
			t.log.Debug().Int("type", msgType).Msg("dropping non-text frame")
			continue
		}
		payload, err := DecodeBotPayload(data)
		if err != nil {
			t.log.Debug().Err(err).Int("bytes", len(data)).Msg("dropping undecodable frame")
			continue
		}
		if t.onPayload != nil {
			t.onPayload(payload)
		}
	}
}

func (t *streamTransport) handleDisconnect(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	closed := t.closed
	t.mu.Unlock()
	_ = conn.Close()
	if closed {
		return
	}
	t.log.Warn().Err(cause).Msg("websocket disconnected")
	t.scheduleReconnect()
}

func (t *streamTransport) scheduleReconnect() {
	if !t.cfg.Reconnect.enabled() {
		t.log.Warn().Msg("reconnection disabled, streaming transport stays offline")
		return
	}
	t.mu.Lock()
	if t.closed || t.reconnecting {
		t.mu.Unlock()
		return
	}
	t.reconnecting = true
	t.wg.Add(1)
	t.mu.Unlock()
	go t.reconnectLoop()
}

func (t *streamTransport) reconnectLoop() {
	defer t.wg.Done()
	done := func() {
		t.mu.Lock()
		t.reconnecting = false
		t.mu.Unlock()
	}

	rc := t.cfg.Reconnect
	for attempt := 0; attempt < rc.MaxRetries; attempt++ {
		delay := rc.delay(attempt)
		t.log.Info().Int("attempt", attempt+1).Int("max_retries", rc.MaxRetries).Dur("delay", delay).Msg("reconnecting websocket")
		timer := time.NewTimer(delay)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			done()
			return
		case <-timer.C:
		}
		conn, err := t.dial(t.ctx)
		if err != nil {
			t.log.Warn().Err(err).Int("attempt", attempt+1).Msg("websocket reconnect failed")
			continue
		}
		// clear the flag first so a socket that drops right away can schedule again
		done()
		t.attach(conn)
		return
	}
	done()
	t.log.Error().Int("attempts", rc.MaxRetries).Msg("giving up on websocket reconnection")
}

func (t *streamTransport) Dispatch(_ context.Context, body []byte) (Result, error) {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return Result{}, ErrTransportClosed
	}
	if conn == nil {
		return Result{}, ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		// the read loop notices the broken socket and schedules a reconnect
		_ = conn.Close()
		return Result{}, errors.Wrap(err, "webchat: write bot socket")
	}
	return Result{Pending: true}, nil
}

// Connected reports whether a socket is currently attached.
func (t *streamTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	t.cancel()
	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		// the read loop may have closed it already
		_ = conn.Close()
	}
	t.wg.Wait()
	t.log.Debug().Msg("streaming transport closed")
	return nil
}
