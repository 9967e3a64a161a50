package chatstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-go-golems/chatwidget/pkg/webchat"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultArchiveTimeout = 5 * time.Second

// SessionSource is the part of a conversation manager an Archiver needs.
type SessionSource interface {
	SessionID() string
	CurrentConversationID() (string, bool)
}

// Archiver writes every snapshot it observes to a TranscriptStore. Write
// failures are logged and otherwise ignored.
type Archiver struct {
	ctx     context.Context
	store   TranscriptStore
	src     SessionSource
	timeout time.Duration
	version atomic.Uint64
	log     zerolog.Logger
}

func NewArchiver(ctx context.Context, store TranscriptStore, src SessionSource) *Archiver {
	return &Archiver{
		ctx:     ctx,
		store:   store,
		src:     src,
		timeout: defaultArchiveTimeout,
		log: log.With().
			Str("component", "chatstore").
			Str("session_id", src.SessionID()).
			Logger(),
	}
}

// Observe is a webchat.Listener.
func (a *Archiver) Observe(state webchat.State) {
	version := a.version.Add(1)
	convID, _ := a.src.CurrentConversationID()

	ctx, cancel := context.WithTimeout(a.ctx, a.timeout)
	defer cancel()
	err := a.store.Append(ctx, TranscriptSnapshot{
		SessionID:      a.src.SessionID(),
		ConversationID: convID,
		Version:        version,
		State:          state,
	})
	if err != nil {
		a.log.Warn().Err(err).Uint64("version", version).Msg("failed to archive snapshot")
	}
}

// Version is the number of snapshots observed so far.
func (a *Archiver) Version() uint64 { return a.version.Load() }
