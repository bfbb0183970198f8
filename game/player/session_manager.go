package player

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionManager maintains the registry of all connected PlayerSessions.
// It is the presence collaborator of the mail service.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[int64]*PlayerSession // charID → session
	logger   *zap.Logger
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager(logger *zap.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[int64]*PlayerSession),
		logger:   logger,
	}
}

// Register adds a session. If a previous session exists for the same charID,
// it is closed first (handles duplicate login / reconnect).
func (sm *SessionManager) Register(s *PlayerSession) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if old, ok := sm.sessions[s.CharID]; ok && old != s {
		old.Close()
		sm.logger.Info("duplicate session displaced",
			zap.Int64("char_id", s.CharID))
	}
	sm.sessions[s.CharID] = s
	sm.logger.Info("player session registered",
		zap.Int64("char_id", s.CharID),
		zap.Int64("account_id", s.AccountID))
}

// Unregister removes s if it is still the registered session for its
// character. A displaced session leaving never removes its replacement.
func (sm *SessionManager) Unregister(s *PlayerSession) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if cur, ok := sm.sessions[s.CharID]; ok && cur == s {
		delete(sm.sessions, s.CharID)
		sm.logger.Info("player session unregistered", zap.Int64("char_id", s.CharID))
	}
}

// Get returns the session for a charID, or nil if not found.
func (sm *SessionManager) Get(charID int64) *PlayerSession {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[charID]
}

// IsOnline reports whether a character is currently connected.
func (sm *SessionManager) IsOnline(charID int64) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.sessions[charID]
	return ok
}

// Notify pushes an event to the character's session. It reports false when
// the character is offline or the packet was dropped.
func (sm *SessionManager) Notify(charID int64, event string, payload any) bool {
	s := sm.Get(charID)
	if s == nil {
		return false
	}
	return s.SendEvent(event, payload)
}

// OnlineIDs returns the character IDs of every connected session.
func (sm *SessionManager) OnlineIDs() []int64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]int64, 0, len(sm.sessions))
	for id := range sm.sessions {
		out = append(out, id)
	}
	return out
}

// Count returns the number of currently connected sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAllSessions closes every session and waits up to maxWait for their
// handlers to unregister.
func (sm *SessionManager) CloseAllSessions(maxWait time.Duration) {
	sm.mu.RLock()
	sessions := make([]*PlayerSession, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.RUnlock()

	sm.logger.Info("closing all sessions", zap.Int("count", len(sessions)))
	for _, s := range sessions {
		s.Close()
	}

	start := time.Now()
	for time.Since(start) < maxWait {
		if sm.Count() == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}
