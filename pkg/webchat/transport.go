package webchat

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var (
	ErrMissingBotURL    = errors.New("webchat: bot url is required")
	ErrNotConnected     = errors.New("webchat: streaming transport not connected")
	ErrUnexpectedStatus = errors.New("webchat: unexpected http status")
	ErrTransportClosed  = errors.New("webchat: transport closed")
)

// Result is what a dispatch resolves to. Pending results come from the
// streaming transport: the real reply arrives later through the inbound stream.
type Result struct {
	Pending bool
	Payload BotResponsePayload
}

// Transport sends one encoded OutboundBody to the bot service.
type Transport interface {
	Dispatch(ctx context.Context, body []byte) (Result, error)
	Close() error
}

// PayloadHandler receives bot payloads that arrive outside of a Dispatch call.
type PayloadHandler func(BotResponsePayload)

// TransportFactory builds the transport for a manager. onPayload must be used
// for replies that arrive asynchronously.
type TransportFactory func(ctx context.Context, onPayload PayloadHandler) (Transport, error)

// IsStreamingURL reports whether botURL selects the streaming transport.
func IsStreamingURL(botURL string) bool {
	u, err := url.Parse(strings.TrimSpace(botURL))
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, "wss")
}

type transportDeps struct {
	httpClient *http.Client
	dialer     *websocket.Dialer
}

func selectTransport(ctx context.Context, cfg Config, deps transportDeps, onPayload PayloadHandler) (Transport, error) {
	if IsStreamingURL(cfg.BotURL) {
		return newStreamTransport(ctx, streamTransportConfig{
			URL:          streamURL(cfg),
			Headers:      cfg.Headers,
			Dialer:       deps.dialer,
			Reconnect:    cfg.reconnect(),
			WriteTimeout: defaultWriteTimeout,
		}, onPayload), nil
	}
	return newUnaryTransport(cfg.BotURL, cfg.Headers, deps.httpClient), nil
}

// streamURL appends languageCode and userId query parameters to the socket url.
func streamURL(cfg Config) string {
	u, err := url.Parse(strings.TrimSpace(cfg.BotURL))
	if err != nil {
		return cfg.BotURL
	}
	q := u.Query()
	if cfg.LanguageCode != "" {
		q.Set("languageCode", cfg.LanguageCode)
	}
	if cfg.UserID != "" {
		q.Set("userId", cfg.UserID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
