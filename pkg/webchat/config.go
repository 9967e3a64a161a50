package webchat

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	// WelcomeIntentID is fired at construction when TriggerWelcomeIntent is set.
	WelcomeIntentID = "NLX.Welcome"
	// DefaultFailureMessage is used when no FailureMessages are configured.
	DefaultFailureMessage = "We encountered an issue. Please try again soon."
)

type ExperimentalConfig struct {
	ChannelType string `koanf:"channel_type"`
}

// Config holds the construction options of a Manager.
type Config struct {
	// BotURL selects the transport: wss:// streams over a websocket, anything else POSTs.
	BotURL               string             `koanf:"bot_url"`
	UserID               string             `koanf:"user_id"`
	FailureMessages      []string           `koanf:"failure_messages"`
	GreetingMessages     []string           `koanf:"greeting_messages"`
	Context              map[string]any     `koanf:"context"`
	TriggerWelcomeIntent bool               `koanf:"trigger_welcome_intent"`
	Headers              map[string]string  `koanf:"headers"`
	LanguageCode         string             `koanf:"language_code"`
	Experimental         ExperimentalConfig `koanf:"experimental"`
	// Reconnect defaults to DefaultReconnectConfig when nil.
	Reconnect *ReconnectConfig `koanf:"reconnect"`
}

func (c Config) Validate() error {
	raw := strings.TrimSpace(c.BotURL)
	if raw == "" {
		return ErrMissingBotURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "webchat: parse bot url")
	}
	if u.Scheme == "" || u.Host == "" {
		return errors.Errorf("webchat: bot url %q needs a scheme and host", raw)
	}
	return nil
}

func (c Config) reconnect() ReconnectConfig {
	if c.Reconnect == nil {
		return DefaultReconnectConfig()
	}
	return *c.Reconnect
}

func (c Config) failureMessages() []BotMessage {
	texts := c.FailureMessages
	if len(texts) == 0 {
		texts = []string{DefaultFailureMessage}
	}
	return textMessages(texts)
}

func textMessages(texts []string) []BotMessage {
	out := make([]BotMessage, 0, len(texts))
	for _, t := range texts {
		out = append(out, BotMessage{Text: t, Choices: []Choice{}})
	}
	return out
}

type options struct {
	now              func() time.Time
	httpClient       *http.Client
	dialer           *websocket.Dialer
	transportFactory TransportFactory
	sessionID        string
}

type Option func(*options)

// WithClock replaces time.Now for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithTransportFactory bypasses scheme based transport selection.
func WithTransportFactory(f TransportFactory) Option {
	return func(o *options) { o.transportFactory = f }
}

// WithSessionID fixes the local session id instead of generating one.
func WithSessionID(id string) Option {
	return func(o *options) { o.sessionID = id }
}
