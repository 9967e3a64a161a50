package chatstore

import (
	"context"
	"math"
	"strings"

	"github.com/go-go-golems/chatwidget/pkg/webchat"
	"github.com/pkg/errors"
)

// SessionRecord summarizes one archived manager session for listings.
type SessionRecord struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	CreatedAtMs    int64  `json:"created_at_ms"`
	LastActivityMs int64  `json:"last_activity_ms"`
	Version        uint64 `json:"version"`
	Responses      int    `json:"responses"`
}

// TranscriptSnapshot is one published State of a session, numbered by a
// per-session monotonic version.
type TranscriptSnapshot struct {
	SessionID      string        `json:"session_id"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Version        uint64        `json:"version"`
	UpdatedAtMs    int64         `json:"updated_at_ms"`
	State          webchat.State `json:"state"`
}

// TranscriptStore keeps the latest snapshot per session. It is write-mostly:
// conversation managers append to it and operators read it back.
//
// Append ignores snapshots whose version is not newer than the stored one.
type TranscriptStore interface {
	Append(ctx context.Context, snap TranscriptSnapshot) error
	GetSnapshot(ctx context.Context, sessionID string) (TranscriptSnapshot, bool, error)
	ListSessions(ctx context.Context, limit int) ([]SessionRecord, error)
	// ListConversationIDs returns every conversation id a session went
	// through, oldest first. A reset on the manager starts a new one.
	ListConversationIDs(ctx context.Context, sessionID string) ([]string, error)
	Close() error
}

func validateSnapshot(snap TranscriptSnapshot) (TranscriptSnapshot, error) {
	snap.SessionID = strings.TrimSpace(snap.SessionID)
	snap.ConversationID = strings.TrimSpace(snap.ConversationID)
	if snap.SessionID == "" {
		return snap, errors.New("sessionID is empty")
	}
	if snap.Version == 0 {
		return snap, errors.New("version is 0")
	}
	if snap.State == nil {
		snap.State = webchat.State{}
	}
	return snap, nil
}

func uint64ToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, errors.Errorf("value %d overflows int64", v)
	}
	return int64(v), nil
}

func int64ToUint64(v int64) (uint64, error) {
	if v < 0 {
		return 0, errors.Errorf("value %d cannot be represented as uint64", v)
	}
	return uint64(v), nil
}
