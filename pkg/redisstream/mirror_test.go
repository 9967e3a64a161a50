package redisstream

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-go-golems/chatwidget/pkg/webchat"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeSource struct{ convID string }

func (f fakeSource) SessionID() string { return "s-1" }
func (f fakeSource) CurrentConversationID() (string, bool) {
	return f.convID, f.convID != ""
}

func newPubSub(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 16,
		Persistent:          true,
	}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

func greeting() webchat.State {
	return webchat.State{{
		Type:       webchat.ResponseTypeBot,
		ReceivedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Bot: &webchat.BotResponsePayload{Messages: []webchat.BotMessage{
			{Text: "Hi", Choices: []webchat.Choice{}},
		}},
	}}
}

func TestMirrorPublishesNumberedFrames(t *testing.T) {
	ps := newPubSub(t)
	m := newMirror(ps, "snaps", fakeSource{convID: "c-9"})

	m.Observe(webchat.State{})
	m.Observe(greeting())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var frames []MirrorFrame
	err := consume(ctx, ps, "snaps", func(f MirrorFrame) error {
		frames = append(frames, f)
		if len(frames) == 2 {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 2)
	// persistent gochannel replay does not keep publish order; versions do
	sort.Slice(frames, func(i, j int) bool { return frames[i].Version < frames[j].Version })
	require.Equal(t, uint64(1), frames[0].Version)
	require.Equal(t, uint64(2), frames[1].Version)
	require.Equal(t, "s-1", frames[1].SessionID)
	require.Equal(t, "c-9", frames[1].ConversationID)
	require.Len(t, frames[1].State, 1)
	require.Equal(t, "Hi", frames[1].State[0].Bot.Messages[0].Text)
}

func TestConsumeSkipsGarbageAndStopsOnHandlerError(t *testing.T) {
	ps := newPubSub(t)
	require.NoError(t, ps.Publish("snaps", message.NewMessage(watermill.NewUUID(), []byte("not json"))))
	m := newMirror(ps, "snaps", fakeSource{})
	m.Observe(greeting())

	boom := errors.New("stop")
	calls := 0
	err := consume(context.Background(), ps, "snaps", func(MirrorFrame) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(string, ...*message.Message) error {
	f.calls++
	return errors.New("redis down")
}
func (f *failingPublisher) Close() error { return nil }

func TestMirrorSwallowsPublishErrors(t *testing.T) {
	fp := &failingPublisher{}
	m := newMirror(fp, "snaps", fakeSource{})
	require.NotPanics(t, func() { m.Observe(greeting()) })
	require.Equal(t, 1, fp.calls)
	require.NoError(t, m.Close())
}

func TestNewMirrorDisabled(t *testing.T) {
	_, err := NewMirror(context.Background(), Settings{}, fakeSource{})
	require.ErrorIs(t, err, ErrDisabled)
}

func TestSettingsDefaults(t *testing.T) {
	s := Settings{Stream: "custom"}.withDefaults()
	require.Equal(t, "custom", s.Stream)
	require.Equal(t, "localhost:6379", s.Addr)
	require.Equal(t, "chatwidget-watch", s.Group)
	require.Equal(t, "watch-1", s.Consumer)
}

func TestWatermillLoggerAdapter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWatermillLogger(zerolog.New(&buf).Level(zerolog.TraceLevel))
	l.With(watermill.LogFields{"topic": "snaps"}).Error("publish failed", errors.New("boom"), watermill.LogFields{"attempt": 2})
	out := buf.String()
	require.Contains(t, out, `"topic":"snaps"`)
	require.Contains(t, out, `"attempt":2`)
	require.Contains(t, out, `"error":"boom"`)
	require.Contains(t, out, `"level":"error"`)

	buf.Reset()
	l.Info("subscribed", nil)
	require.Contains(t, buf.String(), `"level":"debug"`)
}
