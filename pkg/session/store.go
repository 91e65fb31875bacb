// Package session keeps per-conversation state for one user talking to
// one agent: bounded message history, open context, and idle expiry.
//
// The store is TTL-bound and in-memory. Every mutating operation extends
// the session's TTL; idle sessions beyond the window behave as not-found.
// Ended sessions are retained for historical reads until their TTL lapses,
// but disappear from the active set and from the user/agent indices the
// moment they end.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/tinyland-inc/clawmesh/pkg/logger"
)

var (
	// ErrDuplicateSession is returned by Create when the session id exists.
	ErrDuplicateSession = errors.New("session already exists")
	// ErrSessionNotFound is returned by mutating operations on a session
	// that does not exist or has expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrBadSchedule is returned for an invalid cleanup cron expression.
	ErrBadSchedule = errors.New("invalid cleanup schedule")
)

const (
	// DefaultTTL is the idle window before a session expires.
	DefaultTTL = 3600 * time.Second
	// DefaultMaxHistory caps the per-session message history.
	DefaultMaxHistory = 100
	// DefaultCleanupSchedule sweeps expired sessions every minute.
	DefaultCleanupSchedule = "* * * * *"
)

// Entry is one lightweight history record inside a session.
type Entry struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	SenderID  string    `json:"sender_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one ongoing conversation between exactly one user and one
// agent.
type Session struct {
	UserID         string         `json:"user_id"`
	AgentID        string         `json:"agent_id"`
	SessionID      string         `json:"session_id"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivity   time.Time      `json:"last_activity"`
	Context        map[string]any `json:"context"`
	MessageHistory []Entry        `json:"message_history"`
	IsActive       bool           `json:"is_active"`
}

// Options configures a Store. Zero values fall back to the defaults.
type Options struct {
	TTL             time.Duration
	MaxHistory      int
	CleanupSchedule string
}

type record struct {
	sess      Session
	expiresAt time.Time
}

// Store is a keyed, TTL-bound session store with user and agent secondary
// indices. The primary map and both indices are mutated under a single
// lock so no reader ever observes a partial update.
type Store struct {
	ttl        time.Duration
	maxHistory int
	schedule   string
	cron       *gronx.Gronx

	mu       sync.Mutex
	sessions map[string]*record
	byUser   map[string]map[string]struct{}
	byAgent  map[string]map[string]struct{}
	active   map[string]struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStore creates a Store. The cleanup schedule must be a valid cron
// expression; the sweeper only runs after Start.
func NewStore(opts Options) (*Store, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	if opts.CleanupSchedule == "" {
		opts.CleanupSchedule = DefaultCleanupSchedule
	}
	cron := gronx.New()
	if !cron.IsValid(opts.CleanupSchedule) {
		return nil, fmt.Errorf("%w: %q", ErrBadSchedule, opts.CleanupSchedule)
	}
	return &Store{
		ttl:        opts.TTL,
		maxHistory: opts.MaxHistory,
		schedule:   opts.CleanupSchedule,
		cron:       cron,
		sessions:   make(map[string]*record),
		byUser:     make(map[string]map[string]struct{}),
		byAgent:    make(map[string]map[string]struct{}),
		active:     make(map[string]struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Start launches the background sweeper. Expiry is already enforced
// lazily on every read; the sweeper reclaims memory on the configured
// schedule.
func (s *Store) Start() {
	s.wg.Add(1)
	go s.sweepLoop()
	logger.InfoCF("session", "session store started", map[string]any{
		"ttl_seconds": int(s.ttl.Seconds()),
		"max_history": s.maxHistory,
		"schedule":    s.schedule,
	})
}

// Stop halts the sweeper. Idempotent.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// Create registers a new active session for a (user, agent) pair.
func (s *Store) Create(userID, sessionID, agentID string, context map[string]any) (Session, error) {
	if context == nil {
		context = map[string]any{}
	}
	now := time.Now().UTC()
	sess := Session{
		UserID:         userID,
		AgentID:        agentID,
		SessionID:      sessionID,
		CreatedAt:      now,
		LastActivity:   now,
		Context:        context,
		MessageHistory: []Entry{},
		IsActive:       true,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.sessions[sessionID]; ok {
		if now.Before(rec.expiresAt) {
			return Session{}, fmt.Errorf("%w: %s", ErrDuplicateSession, sessionID)
		}
		// Expired under the same id: evict, then recreate.
		s.evictLocked(sessionID, rec)
	}

	s.sessions[sessionID] = &record{sess: sess, expiresAt: now.Add(s.ttl)}
	addIndex(s.byUser, userID, sessionID)
	addIndex(s.byAgent, agentID, sessionID)
	s.active[sessionID] = struct{}{}

	logger.InfoCF("session", "session created", map[string]any{
		"session_id": sessionID, "user_id": userID, "agent_id": agentID,
	})
	return cloneSession(sess), nil
}

// Get returns the session, or ok=false when it does not exist or has
// expired. A miss is a normal negative result, not an error.
func (s *Store) Get(sessionID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.liveLocked(sessionID)
	if !ok {
		return Session{}, false
	}
	return cloneSession(rec.sess), true
}

// AddMessage appends an entry to the session history, trimming the oldest
// entries beyond the cap, and refreshes activity and TTL.
func (s *Store) AddMessage(sessionID string, entry Entry) error {
	now := time.Now().UTC()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.liveLocked(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	rec.sess.MessageHistory = append(rec.sess.MessageHistory, entry)
	if overflow := len(rec.sess.MessageHistory) - s.maxHistory; overflow > 0 {
		rec.sess.MessageHistory = rec.sess.MessageHistory[overflow:]
	}
	rec.sess.LastActivity = now
	rec.expiresAt = now.Add(s.ttl)
	return nil
}

// UpdateContext merges collaborator-supplied state into the session
// context and refreshes activity and TTL.
func (s *Store) UpdateContext(sessionID string, context map[string]any) error {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.liveLocked(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	for k, v := range context {
		rec.sess.Context[k] = v
	}
	rec.sess.LastActivity = now
	rec.expiresAt = now.Add(s.ttl)
	return nil
}

// End deactivates a session: it leaves the active set and both secondary
// indices in the same critical section, but the record stays readable via
// Get until its TTL lapses.
func (s *Store) End(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.liveLocked(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	rec.sess.IsActive = false
	delete(s.active, sessionID)
	dropIndex(s.byUser, rec.sess.UserID, sessionID)
	dropIndex(s.byAgent, rec.sess.AgentID, sessionID)

	logger.InfoCF("session", "session ended", map[string]any{"session_id": sessionID})
	return nil
}

// SessionsForUser returns the ids of the user's indexed sessions.
func (s *Store) SessionsForUser(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return indexKeys(s.byUser[userID])
}

// SessionsForAgent returns the ids of the agent's indexed sessions.
func (s *Store) SessionsForAgent(agentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return indexKeys(s.byAgent[agentID])
}

// ActiveSessions returns the ids of all sessions that are active and not
// expired.
func (s *Store) ActiveSessions() []string {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		if rec, ok := s.sessions[id]; ok && now.Before(rec.expiresAt) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Sweep evicts every expired session record and returns the count.
func (s *Store) Sweep() int {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, rec := range s.sessions {
		if !now.Before(rec.expiresAt) {
			s.evictLocked(id, rec)
			evicted++
		}
	}
	if evicted > 0 {
		logger.InfoCF("session", "swept expired sessions", map[string]any{"count": evicted})
	}
	return evicted
}

// liveLocked returns the record if it exists and has not expired. An
// expired record is evicted on sight so reads never resurrect it.
func (s *Store) liveLocked(sessionID string) (*record, bool) {
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if !time.Now().UTC().Before(rec.expiresAt) {
		s.evictLocked(sessionID, rec)
		return nil, false
	}
	return rec, true
}

func (s *Store) evictLocked(sessionID string, rec *record) {
	delete(s.sessions, sessionID)
	delete(s.active, sessionID)
	dropIndex(s.byUser, rec.sess.UserID, sessionID)
	dropIndex(s.byAgent, rec.sess.AgentID, sessionID)
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	var lastRun time.Time
	for {
		select {
		case now := <-ticker.C:
			minute := now.Truncate(time.Minute)
			if minute.Equal(lastRun) {
				continue
			}
			due, err := s.cron.IsDue(s.schedule, now)
			if err != nil {
				logger.ErrorCF("session", "cleanup schedule check failed", map[string]any{"error": err.Error()})
				continue
			}
			if due {
				lastRun = minute
				s.Sweep()
			}
		case <-s.done:
			return
		}
	}
}

func addIndex(idx map[string]map[string]struct{}, key, sessionID string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[sessionID] = struct{}{}
}

func dropIndex(idx map[string]map[string]struct{}, key, sessionID string) {
	if set, ok := idx[key]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

func indexKeys(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func cloneSession(sess Session) Session {
	out := sess
	out.Context = make(map[string]any, len(sess.Context))
	for k, v := range sess.Context {
		out.Context[k] = v
	}
	out.MessageHistory = append([]Entry(nil), sess.MessageHistory...)
	return out
}
