package webchat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/chatwidget/pkg/bottest"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestIsStreamingURL(t *testing.T) {
	cases := map[string]bool{
		"wss://bot.example.com/ws":  true,
		"WSS://bot.example.com/ws":  true,
		"ws://bot.example.com/ws":   false,
		"https://bot.example.com":   false,
		"http://localhost:8080/bot": false,
		"":                          false,
	}
	for in, want := range cases {
		require.Equal(t, want, IsStreamingURL(in), in)
	}
}

func TestStreamURLAddsQueryParams(t *testing.T) {
	got := streamURL(Config{BotURL: "wss://bot.example.com/ws?channel=x", LanguageCode: "en-US", UserID: "u 1"})
	require.Contains(t, got, "languageCode=en-US")
	require.Contains(t, got, "userId=u+1")
	require.Contains(t, got, "channel=x")
	require.True(t, strings.HasPrefix(got, "wss://bot.example.com/ws?"))
}

func TestDecodeBotPayloadDefaultsChoices(t *testing.T) {
	p, err := DecodeBotPayload([]byte(`{"conversationId":"c1","messages":[{"messageId":"m1","text":"hi"}],"payload":"opaque","metadata":{"escalation":true}}`))
	require.NoError(t, err)
	require.Equal(t, "c1", p.ConversationID)
	require.NotNil(t, p.Messages[0].Choices)
	require.Empty(t, p.Messages[0].Choices)
	require.Equal(t, "opaque", p.Payload)
	require.True(t, p.MetadataFlag("escalation"))

	_, err = DecodeBotPayload([]byte("  "))
	require.Error(t, err)
	_, err = DecodeBotPayload([]byte("{not json"))
	require.Error(t, err)
}

func TestDecodeBotPayloadKeepsOpaqueFields(t *testing.T) {
	p, err := DecodeBotPayload([]byte(`{"messages":[],"metadata":{"intentId":"x","uploadUrls":[{"url":"u"}],"customFlag":true},"context":{"a":{"b":1}}}`))
	require.NoError(t, err)
	want := map[string]any{
		"intentId":   "x",
		"uploadUrls": []any{map[string]any{"url": "u"}},
		"customFlag": true,
	}
	if diff := cmp.Diff(want, p.Metadata); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
	require.True(t, p.MetadataFlag("customFlag"))
	require.False(t, p.MetadataFlag("intentId"))

	st := State{{Type: ResponseTypeBot, Bot: &p}}
	cp := st.Clone()
	cp[0].Bot.Metadata["uploadUrls"].([]any)[0].(map[string]any)["url"] = "changed"
	require.Equal(t, "u", p.Metadata["uploadUrls"].([]any)[0].(map[string]any)["url"])

	p, err = DecodeBotPayload([]byte(`{"messages":[{"text":"hi"}],"metadata":"not-an-object"}`))
	require.NoError(t, err)
	require.Nil(t, p.Metadata)
	require.Equal(t, "hi", p.Messages[0].Text)
}

func TestUnaryTransportRoundTrip(t *testing.T) {
	bot := bottest.New()
	srv := httptest.NewServer(bot)
	defer srv.Close()

	m, err := New(context.Background(), Config{
		BotURL:       srv.URL + "/chat",
		UserID:       "u-1",
		LanguageCode: "de-DE",
		Headers:      map[string]string{"Authorization": "Bearer t0k", "Content-Type": "application/vnd.bot+json"},
		Context:      map[string]any{"tier": "gold"},
	})
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	m.SendText(context.Background(), "hello")
	m.SendText(context.Background(), "again")

	st := m.State()
	require.Len(t, st, 4)
	require.Equal(t, "You said: hello", st[1].Bot.Messages[0].Text)
	id, ok := m.CurrentConversationID()
	require.True(t, ok)

	reqs := bot.Requests()
	require.Len(t, reqs, 2)
	require.Equal(t, "Bearer t0k", reqs[0].Header.Get("Authorization"))
	require.Equal(t, "application/vnd.bot+json", reqs[0].Header.Get("Content-Type"))
	require.Equal(t, "u-1", reqs[0].Body.UserID)
	require.Equal(t, "de-DE", reqs[0].Body.LanguageCode)
	require.Equal(t, "gold", reqs[0].Body.Context["tier"])
	require.Nil(t, reqs[1].Body.Context)
	require.Equal(t, id, reqs[1].Body.ConversationID)
}

func TestUnaryTransportErrorStatusBecomesFailure(t *testing.T) {
	bot := bottest.New(bottest.WithResponder(bottest.StaticResponder(http.StatusBadGateway, `{"error":"upstream"}`)))
	srv := httptest.NewServer(bot)
	defer srv.Close()

	tr := newUnaryTransport(srv.URL, nil, nil)
	_, err := tr.Dispatch(context.Background(), []byte(`{}`))
	require.ErrorIs(t, err, ErrUnexpectedStatus)

	m, err := New(context.Background(), Config{BotURL: srv.URL, FailureMessages: []string{"down"}})
	require.NoError(t, err)
	defer func() { _ = m.Close() }()
	m.SendIntent(context.Background(), "x")
	st := m.State()
	require.Len(t, st, 1)
	require.Equal(t, "down", st[0].Bot.Messages[0].Text)
}

func TestUnaryTransportPassesUnexpectedMetadataThrough(t *testing.T) {
	bot := bottest.New(bottest.WithResponder(bottest.StaticResponder(http.StatusOK,
		`{"conversationId":"conv-9","messages":[{"text":"hello"}],"metadata":{"escalation":"no"}}`)))
	srv := httptest.NewServer(bot)
	defer srv.Close()

	m, err := New(context.Background(), Config{BotURL: srv.URL})
	require.NoError(t, err)
	defer func() { _ = m.Close() }()
	m.SendText(context.Background(), "hi")

	st := m.State()
	require.Len(t, st, 2)
	require.Equal(t, "hello", st[1].Bot.Messages[0].Text)
	require.Equal(t, "no", st[1].Bot.Metadata["escalation"])
	require.False(t, st[1].Bot.MetadataFlag("escalation"))
	id, ok := m.CurrentConversationID()
	require.True(t, ok)
	require.Equal(t, "conv-9", id)
}

func TestUnaryTransportMalformedReplyIsFailure(t *testing.T) {
	bot := bottest.New(bottest.WithResponder(bottest.StaticResponder(http.StatusOK, `<html>`)))
	srv := httptest.NewServer(bot)
	defer srv.Close()

	m, err := New(context.Background(), Config{BotURL: srv.URL})
	require.NoError(t, err)
	defer func() { _ = m.Close() }()
	m.SendText(context.Background(), "hi")
	st := m.State()
	require.Len(t, st, 2)
	require.Equal(t, DefaultFailureMessage, st[1].Bot.Messages[0].Text)
}

func TestUnaryTransportUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m, err := New(context.Background(), Config{BotURL: url})
	require.NoError(t, err)
	defer func() { _ = m.Close() }()
	m.SendText(context.Background(), "hi")
	require.Len(t, m.State(), 2)
}

func newTLSBot(t *testing.T, opts ...bottest.Option) (*bottest.Bot, string, *websocket.Dialer) {
	t.Helper()
	bot := bottest.New(opts...)
	srv := httptest.NewTLSServer(bot)
	t.Cleanup(srv.Close)
	dialer := &websocket.Dialer{
		TLSClientConfig:  srv.Client().Transport.(*http.Transport).TLSClientConfig,
		HandshakeTimeout: 2 * time.Second,
	}
	return bot, "wss" + strings.TrimPrefix(srv.URL, "https") + "/ws", dialer
}

func fastReconnect() *ReconnectConfig {
	return &ReconnectConfig{MaxRetries: 10, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}
}

func TestStreamingTransportDeliversReplies(t *testing.T) {
	bot, wsURL, dialer := newTLSBot(t)

	m, err := New(context.Background(), Config{
		BotURL:       wsURL,
		UserID:       "u-7",
		LanguageCode: "en-US",
		Headers:      map[string]string{"X-Api-Key": "k"},
	}, WithDialer(dialer))
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	m.SendText(context.Background(), "hello")
	// the user turn lands synchronously, the bot reply later
	require.GreaterOrEqual(t, len(m.State()), 1)
	require.Eventually(t, func() bool { return len(m.State()) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "You said: hello", m.State()[1].Bot.Messages[0].Text)

	reqs := bot.Requests()
	require.Len(t, reqs, 1)
	require.True(t, reqs[0].Streamed)
	require.Equal(t, "k", reqs[0].Header.Get("X-Api-Key"))
	require.Equal(t, "en-US", reqs[0].Query["languageCode"])
	require.Equal(t, "u-7", reqs[0].Query["userId"])
}

func TestStreamingTransportUnsolicitedAndMalformedFrames(t *testing.T) {
	bot, wsURL, dialer := newTLSBot(t)
	m, err := New(context.Background(), Config{BotURL: wsURL}, WithDialer(dialer))
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	require.Eventually(t, func() bool { return bot.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, bot.Push([]byte(`{broken`)))
	require.Equal(t, 1, bot.Push([]byte(`{"conversationId":"c-push","messages":[{"text":"proactive"}]}`)))

	require.Eventually(t, func() bool { return len(m.State()) == 1 }, 2*time.Second, 10*time.Millisecond)
	id, _ := m.CurrentConversationID()
	require.Equal(t, "c-push", id)
}

func TestStreamingTransportReconnectsAfterDrop(t *testing.T) {
	bot, wsURL, dialer := newTLSBot(t)
	m, err := New(context.Background(), Config{BotURL: wsURL, Reconnect: fastReconnect()}, WithDialer(dialer))
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	require.Eventually(t, func() bool { return bot.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)
	bot.DropConnections()
	require.Eventually(t, func() bool { return bot.Accepted() == 2 && bot.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)

	tr := m.transport.(*streamTransport)
	require.Eventually(t, tr.Connected, 2*time.Second, 10*time.Millisecond)
	m.SendIntent(context.Background(), "Again")
	require.Eventually(t, func() bool { return len(m.State()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamingTransportInitialDialRetries(t *testing.T) {
	bot, wsURL, dialer := newTLSBot(t, bottest.WithRejectedUpgrades(2))
	m, err := New(context.Background(), Config{BotURL: wsURL, Reconnect: fastReconnect()}, WithDialer(dialer))
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	// sends made while offline fail locally
	tr := m.transport.(*streamTransport)
	if !tr.Connected() {
		_, err := tr.Dispatch(context.Background(), []byte(`{}`))
		require.ErrorIs(t, err, ErrNotConnected)
	}
	require.Eventually(t, func() bool { return bot.Accepted() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamingTransportNoReconnectWhenDisabled(t *testing.T) {
	bot, wsURL, dialer := newTLSBot(t, bottest.WithRejectedUpgrades(1))
	m, err := New(context.Background(), Config{BotURL: wsURL, Reconnect: &ReconnectConfig{MaxRetries: -1}}, WithDialer(dialer))
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	m.SendText(context.Background(), "hi")
	st := m.State()
	require.Len(t, st, 2)
	require.Equal(t, DefaultFailureMessage, st[1].Bot.Messages[0].Text)
	require.Never(t, func() bool { return bot.Accepted() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestStreamingTransportCloseStopsEverything(t *testing.T) {
	bot, wsURL, dialer := newTLSBot(t)
	var mu sync.Mutex
	var got []BotResponsePayload
	tr := newStreamTransport(context.Background(), streamTransportConfig{
		URL:       wsURL,
		Dialer:    dialer,
		Reconnect: *fastReconnect(),
	}, func(p BotResponsePayload) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})
	require.True(t, tr.Connected())

	res, err := tr.Dispatch(context.Background(), []byte(`{"request":{"unstructured":{"text":"x"}}}`))
	require.NoError(t, err)
	require.True(t, res.Pending)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	_, err = tr.Dispatch(context.Background(), []byte(`{}`))
	require.ErrorIs(t, err, ErrTransportClosed)
	require.Eventually(t, func() bool { return bot.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, bot.Accepted())
}

func TestReconnectDelayBounds(t *testing.T) {
	rc := ReconnectConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	require.Equal(t, 100*time.Millisecond, rc.delay(0))
	require.Equal(t, 400*time.Millisecond, rc.delay(2))
	require.Equal(t, time.Second, rc.delay(10))

	rc.Jitter = true
	for i := 0; i < 50; i++ {
		d := rc.delay(1)
		require.GreaterOrEqual(t, d, 180*time.Millisecond)
		require.LessOrEqual(t, d, 220*time.Millisecond)
	}
	require.False(t, ReconnectConfig{}.enabled())
	require.False(t, ReconnectConfig{MaxRetries: 0, BaseDelay: time.Second}.enabled())
	require.False(t, ReconnectConfig{MaxRetries: -1}.enabled())
	require.True(t, ReconnectConfig{MaxRetries: 1}.enabled())
	require.True(t, DefaultReconnectConfig().enabled())
	require.True(t, Config{}.reconnect().enabled())
	require.False(t, Config{Reconnect: &ReconnectConfig{}}.reconnect().enabled())
}
