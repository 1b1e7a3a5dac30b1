package httpserver

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// session is the Streamable HTTP transport's correlation context: created
// implicitly on the first POST /mcp with no Mcp-Session-Id header, kept
// alive by GET /mcp's SSE stream, and torn down by DELETE /mcp or idle
// eviction. It holds weak references (a set, not ownership) to the SSE
// writers currently attached to it, per the spec's "sessions hold weak
// references to active writers" design note.
type session struct {
	id        string
	apiKey    string
	createdAt time.Time

	mu             sync.Mutex
	lastActivityAt time.Time
	writers        map[*sseWriter]struct{}
	done           chan struct{}
	closeOnce      sync.Once
}

func newSession(apiKey string) *session {
	now := time.Now()
	return &session{
		id:             uuid.NewString(),
		apiKey:         apiKey,
		createdAt:      now,
		lastActivityAt: now,
		writers:        make(map[*sseWriter]struct{}),
		done:           make(chan struct{}),
	}
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

func (s *session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivityAt)
}

func (s *session) addWriter(w *sseWriter) {
	s.mu.Lock()
	s.writers[w] = struct{}{}
	s.mu.Unlock()
}

func (s *session) removeWriter(w *sseWriter) {
	s.mu.Lock()
	delete(s.writers, w)
	s.mu.Unlock()
}

func (s *session) connectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writers)
}

// close signals every GET /mcp stream attached to this session to return,
// idempotently.
func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// sessionStore is the HTTPServer's registry of live sessions, swept for
// idle eviction the way internal/ratelimiter sweeps idle scopes.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
	ttl      time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

func newSessionStore(ttl time.Duration) *sessionStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	st := &sessionStore{
		sessions: make(map[string]*session),
		ttl:      ttl,
		stop:     make(chan struct{}),
	}
	go st.sweepLoop()
	return st
}

func (st *sessionStore) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st.sweep()
		case <-st.stop:
			return
		}
	}
}

func (st *sessionStore) sweep() {
	now := time.Now()
	st.mu.Lock()
	var expired []*session
	for id, sess := range st.sessions {
		if sess.idleSince(now) > st.ttl {
			expired = append(expired, sess)
			delete(st.sessions, id)
		}
	}
	st.mu.Unlock()
	for _, sess := range expired {
		sess.close()
	}
}

func (st *sessionStore) create(apiKey string) *session {
	sess := newSession(apiKey)
	st.mu.Lock()
	st.sessions[sess.id] = sess
	st.mu.Unlock()
	return sess
}

func (st *sessionStore) get(id string) (*session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[id]
	return sess, ok
}

func (st *sessionStore) delete(id string) {
	st.mu.Lock()
	sess, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if ok {
		sess.close()
	}
}

func (st *sessionStore) close() {
	st.stopOnce.Do(func() { close(st.stop) })
	st.mu.Lock()
	all := make([]*session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		all = append(all, sess)
	}
	st.sessions = make(map[string]*session)
	st.mu.Unlock()
	for _, sess := range all {
		sess.close()
	}
}
