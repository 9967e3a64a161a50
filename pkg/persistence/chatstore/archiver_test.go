package chatstore

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/go-go-golems/chatwidget/pkg/bottest"
	"github.com/go-go-golems/chatwidget/pkg/webchat"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	TranscriptStore
	calls int
}

func (f *failingStore) Append(context.Context, TranscriptSnapshot) error {
	f.calls++
	return errors.New("disk full")
}

type staticSource struct{}

func (staticSource) SessionID() string                     { return "s-static" }
func (staticSource) CurrentConversationID() (string, bool) { return "", false }

func TestArchiverRecordsManagerSnapshots(t *testing.T) {
	srv := httptest.NewServer(bottest.New())
	defer srv.Close()

	m, err := webchat.New(context.Background(), webchat.Config{
		BotURL:           srv.URL,
		GreetingMessages: []string{"Welcome"},
	}, webchat.WithSessionID("s-1"))
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	store := NewInMemoryTranscriptStore(10)
	arch := NewArchiver(context.Background(), store, m)
	m.Subscribe(arch.Observe)

	m.SendText(context.Background(), "hello")
	m.Reset()
	m.SendText(context.Background(), "new topic")

	// subscribe + 2 per text send + reset
	require.Equal(t, uint64(6), arch.Version())

	snap, ok, err := store.GetSnapshot(context.Background(), "s-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, snap.State, 5)
	require.Equal(t, "You said: new topic", snap.State[4].Bot.Messages[0].Text)

	convID, _ := m.CurrentConversationID()
	require.Equal(t, convID, snap.ConversationID)

	ids, err := store.ListConversationIDs(context.Background(), "s-1")
	require.NoError(t, err)
	require.Len(t, ids, 2)
}

func TestArchiverSwallowsStoreErrors(t *testing.T) {
	fs := &failingStore{}
	arch := NewArchiver(context.Background(), fs, staticSource{})
	require.NotPanics(t, func() {
		arch.Observe(webchat.State{})
		arch.Observe(webchat.State{})
	})
	require.Equal(t, 2, fs.calls)
	require.Equal(t, uint64(2), arch.Version())
}
