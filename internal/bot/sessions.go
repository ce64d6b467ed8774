package bot

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// session is the in-memory state of one pending join verification. Email
// replies arrive as private messages, so sessions are keyed by user id; the
// chat the user asked to join is carried inside. Not persisted: a restart
// drops in-flight sessions and the join request stays pending on Telegram.
type session struct {
	mu sync.Mutex

	chatID   int64
	userID   int64
	groupKey string
	attempts int

	createdAt time.Time

	// lastUpdate is the id of the last processed reply. Telegram delivers
	// webhook updates at least once; a redelivered update must not burn a
	// second attempt. Guarded by mu.
	lastUpdate int64

	// lastSeen is unix nanos of the last activity; atomic because the
	// reaper reads it without the session lock.
	lastSeen atomic.Int64

	// done flips when the session reaches a terminal state or is reaped;
	// atomic because the reaper sets it without the session lock.
	done atomic.Bool
}

type Sessions struct {
	mu     sync.Mutex
	byUser map[int64]*session
}

func NewSessions() *Sessions {
	return &Sessions{byUser: make(map[int64]*session)}
}

// Start opens a session for a join request. Returns nil if the user already
// has one open (a repeat request keeps the existing attempt count).
func (s *Sessions) Start(chatID, userID int64, groupKey string, now time.Time) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUser[userID]; ok {
		return nil
	}
	sess := &session{
		chatID:    chatID,
		userID:    userID,
		groupKey:  groupKey,
		createdAt: now,
	}
	sess.lastSeen.Store(now.UnixNano())
	s.byUser[userID] = sess
	return sess
}

func (s *Sessions) Get(userID int64) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byUser[userID]
}

func (s *Sessions) Drop(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byUser[userID]; ok {
		sess.done.Store(true)
		delete(s.byUser, userID)
	}
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byUser)
}

// Reap drops sessions idle longer than timeout. No platform side effects:
// the join request itself stays pending on Telegram's side.
func (s *Sessions) Reap(now time.Time, timeout time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for uid, sess := range s.byUser {
		if now.Sub(time.Unix(0, sess.lastSeen.Load())) > timeout {
			sess.done.Store(true)
			delete(s.byUser, uid)
			n++
		}
	}
	return n
}

// StartReaper reaps stale sessions once a minute until ctx is canceled.
func (s *Sessions) StartReaper(ctx context.Context, timeout func() time.Duration) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Reap(time.Now(), timeout()); n > 0 {
					log.Printf("sessions: reaped %d stale", n)
				}
			}
		}
	}()
}
