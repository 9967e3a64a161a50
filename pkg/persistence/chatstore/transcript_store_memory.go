package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryTranscriptStore is a size-limited TranscriptStore. When full, the
// least recently active session is evicted. Ordering matches the SQLite store.
type InMemoryTranscriptStore struct {
	mu          sync.Mutex
	maxSessions int
	now         func() time.Time
	sessions    map[string]*inMemSession
}

type inMemSession struct {
	record   SessionRecord
	snapshot TranscriptSnapshot
	convIDs  []string
}

var _ TranscriptStore = &InMemoryTranscriptStore{}

func NewInMemoryTranscriptStore(maxSessions int) *InMemoryTranscriptStore {
	if maxSessions <= 0 {
		maxSessions = 1000
	}
	return &InMemoryTranscriptStore{
		maxSessions: maxSessions,
		now:         time.Now,
		sessions:    map[string]*inMemSession{},
	}
}

func (s *InMemoryTranscriptStore) Close() error { return nil }

func (s *InMemoryTranscriptStore) Append(_ context.Context, snap TranscriptSnapshot) error {
	if s == nil {
		return errors.New("in-memory transcript store: nil store")
	}
	snap, err := validateSnapshot(snap)
	if err != nil {
		return errors.Wrap(err, "in-memory transcript store")
	}
	now := s.now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[snap.SessionID]
	if !ok {
		s.evictLocked()
		sess = &inMemSession{record: SessionRecord{SessionID: snap.SessionID, CreatedAtMs: now}}
		s.sessions[snap.SessionID] = sess
	}
	if snap.Version <= sess.record.Version {
		return nil
	}

	snap.State = snap.State.Clone()
	snap.UpdatedAtMs = now
	sess.snapshot = snap
	sess.record.ConversationID = snap.ConversationID
	sess.record.LastActivityMs = now
	sess.record.Version = snap.Version
	sess.record.Responses = len(snap.State)
	if snap.ConversationID != "" && !containsString(sess.convIDs, snap.ConversationID) {
		sess.convIDs = append(sess.convIDs, snap.ConversationID)
	}
	return nil
}

func (s *InMemoryTranscriptStore) evictLocked() {
	if len(s.sessions) < s.maxSessions {
		return
	}
	var (
		oldestID string
		oldestMs int64
	)
	for id, sess := range s.sessions {
		if oldestID == "" || sess.record.LastActivityMs < oldestMs ||
			(sess.record.LastActivityMs == oldestMs && id < oldestID) {
			oldestID = id
			oldestMs = sess.record.LastActivityMs
		}
	}
	delete(s.sessions, oldestID)
}

func (s *InMemoryTranscriptStore) GetSnapshot(_ context.Context, sessionID string) (TranscriptSnapshot, bool, error) {
	if s == nil {
		return TranscriptSnapshot{}, false, errors.New("in-memory transcript store: nil store")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return TranscriptSnapshot{}, false, errors.New("in-memory transcript store: sessionID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return TranscriptSnapshot{}, false, nil
	}
	out := sess.snapshot
	out.State = out.State.Clone()
	return out, true, nil
}

func (s *InMemoryTranscriptStore) ListSessions(_ context.Context, limit int) ([]SessionRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript store: nil store")
	}
	if limit <= 0 {
		limit = 200
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]SessionRecord, 0, len(s.sessions))
	for _, sess := range s.sessions {
		records = append(records, sess.record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastActivityMs == records[j].LastActivityMs {
			return records[i].SessionID < records[j].SessionID
		}
		return records[i].LastActivityMs > records[j].LastActivityMs
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *InMemoryTranscriptStore) ListConversationIDs(_ context.Context, sessionID string) ([]string, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[strings.TrimSpace(sessionID)]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), sess.convIDs...), nil
}

func containsString(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
