package session

import (
	"sync"

	"github.com/gpt-tgbot-go/internal/services/ai"
	"github.com/sirupsen/logrus"
)

// State is the per-user session state governing how the next free-text
// message is interpreted.
type State int

const (
	StateIdle State = iota
	StateWaitingAPIKey
	StateWaitingParamValue
	StateSelectingLanguage
	StateChatting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingAPIKey:
		return "waiting_api_key"
	case StateWaitingParamValue:
		return "waiting_param_value"
	case StateSelectingLanguage:
		return "selecting_language"
	case StateChatting:
		return "chatting"
	default:
		return "unknown"
	}
}

// UserSession holds the runtime state for one user. It lives only for the
// process lifetime and is never authoritative for anything also persisted.
type UserSession struct {
	TelegramID string

	mu             sync.Mutex
	state          State
	conversationID uint
	pending        map[string]string
}

func newUserSession(telegramID string) *UserSession {
	return &UserSession{
		TelegramID: telegramID,
		state:      StateIdle,
		pending:    make(map[string]string),
	}
}

// State returns the current state.
func (s *UserSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the session to the given state.
func (s *UserSession) SetState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// ConversationID returns the active conversation handle, if bound.
func (s *UserSession) ConversationID() (uint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID, s.conversationID != 0
}

// BindConversation makes the given conversation the active one.
func (s *UserSession) BindConversation(id uint) {
	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()
}

// Pending returns transitional data stored under key.
func (s *UserSession) Pending(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[key]
}

// SetPending stores transitional data under key.
func (s *UserSession) SetPending(key, value string) {
	s.mu.Lock()
	s.pending[key] = value
	s.mu.Unlock()
}

// ClearPending drops all transitional data.
func (s *UserSession) ClearPending() {
	s.mu.Lock()
	s.pending = make(map[string]string)
	s.mu.Unlock()
}

// Manager owns the in-memory session map, the credential-bound completion
// client cache and the per-user event queues. All state here is rebuilt from
// defaults on restart.
type Manager struct {
	logger    *logrus.Logger
	queueSize int

	mu       sync.Mutex
	sessions map[string]*UserSession
	clients  map[string]ai.Completer
	queues   map[string]chan func()

	onDrop func() // optional hook for dropped-event accounting
}

// NewManager creates an empty session manager.
func NewManager(logger *logrus.Logger) *Manager {
	return &Manager{
		logger:    logger,
		queueSize: 64,
		sessions:  make(map[string]*UserSession),
		clients:   make(map[string]ai.Completer),
		queues:    make(map[string]chan func()),
	}
}

// OnDrop registers a hook invoked whenever an event is dropped because the
// user's queue is full.
func (m *Manager) OnDrop(fn func()) {
	m.mu.Lock()
	m.onDrop = fn
	m.mu.Unlock()
}

// Session returns the user's session, creating a fresh IDLE one on first
// contact.
func (m *Manager) Session(telegramID string) *UserSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[telegramID]
	if !ok {
		sess = newUserSession(telegramID)
		m.sessions[telegramID] = sess
	}
	return sess
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Client returns the cached credential-bound completion client for the user.
func (m *Manager) Client(telegramID string) (ai.Completer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[telegramID]
	return c, ok
}

// SetClient caches (or replaces) the user's completion client. Called whenever
// the stored credential changes, so a stale client is never reused.
func (m *Manager) SetClient(telegramID string, c ai.Completer) {
	m.mu.Lock()
	m.clients[telegramID] = c
	m.mu.Unlock()
}

// Dispatch enqueues fn on the user's serial queue. Events for one user run to
// completion in arrival order; events for distinct users run concurrently.
// The lock protects only queue lookup, never the handler itself.
func (m *Manager) Dispatch(telegramID string, fn func()) {
	m.mu.Lock()
	q, ok := m.queues[telegramID]
	if !ok {
		q = make(chan func(), m.queueSize)
		m.queues[telegramID] = q
		go m.drain(telegramID, q)
	}
	onDrop := m.onDrop
	m.mu.Unlock()

	select {
	case q <- fn:
	default:
		m.logger.WithField("user_id", telegramID).Warn("User event queue full, dropping event")
		if onDrop != nil {
			onDrop()
		}
	}
}

func (m *Manager) drain(telegramID string, q chan func()) {
	for fn := range q {
		m.run(telegramID, fn)
	}
}

func (m *Manager) run(telegramID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(logrus.Fields{
				"user_id": telegramID,
				"panic":   r,
			}).Error("Panic in user event handler")
		}
	}()
	fn()
}
