// Package redisstream mirrors conversation snapshots onto a Redis stream via
// watermill and tails that stream for operators.
package redisstream

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/chatwidget/pkg/webchat"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MirrorFrame is the JSON document published for every snapshot.
type MirrorFrame struct {
	SessionID      string        `json:"session_id"`
	Version        uint64        `json:"version"`
	ConversationID string        `json:"conversation_id,omitempty"`
	PublishedAt    time.Time     `json:"published_at"`
	State          webchat.State `json:"state"`
}

// SessionSource is the part of a conversation manager the mirror needs.
type SessionSource interface {
	SessionID() string
	CurrentConversationID() (string, bool)
}

// Mirror publishes snapshots it observes. Publish failures are logged.
type Mirror struct {
	pub     message.Publisher
	client  redis.UniversalClient
	stream  string
	src     SessionSource
	version atomic.Uint64
	log     zerolog.Logger
}

// NewMirror connects to Redis and returns a mirror for src. It returns
// ErrDisabled when s.Enabled is false.
func NewMirror(ctx context.Context, s Settings, src SessionSource) (*Mirror, error) {
	if !s.Enabled {
		return nil, ErrDisabled
	}
	s = s.withDefaults()

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redisstream: ping %s", s.Addr)
	}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, NewWatermillLogger(log.Logger))
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redisstream: build publisher")
	}
	m := newMirror(pub, s.Stream, src)
	m.client = client
	return m, nil
}

func newMirror(pub message.Publisher, stream string, src SessionSource) *Mirror {
	return &Mirror{
		pub:    pub,
		stream: stream,
		src:    src,
		log: log.With().
			Str("component", "redisstream").
			Str("stream", stream).
			Str("session_id", src.SessionID()).
			Logger(),
	}
}

// Observe is a webchat.Listener.
func (m *Mirror) Observe(state webchat.State) {
	convID, _ := m.src.CurrentConversationID()
	frame := MirrorFrame{
		SessionID:      m.src.SessionID(),
		Version:        m.version.Add(1),
		ConversationID: convID,
		PublishedAt:    time.Now().UTC(),
		State:          state,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to encode mirror frame")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("session_id", frame.SessionID)
	if err := m.pub.Publish(m.stream, msg); err != nil {
		m.log.Warn().Err(err).Uint64("version", frame.Version).Msg("failed to publish mirror frame")
	}
}

func (m *Mirror) Close() error {
	err := m.pub.Close()
	if m.client != nil {
		if cerr := m.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
