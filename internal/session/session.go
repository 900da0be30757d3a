package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gazetteer-labs/gazetteer/models"
)

// ErrNotFound marks a lookup for a session that does not exist or has
// already been reaped.
var ErrNotFound = errors.New("session not found")

// TurnLog is the durable side of the conversation memory. The in-memory
// manager writes turns through and reloads them on a cold lookup; a nil
// log keeps sessions purely in-process.
type TurnLog interface {
	SaveTurns(ctx context.Context, sessionID string, turns []models.Turn) error
	LoadTurns(ctx context.Context, sessionID string) ([]models.Turn, error)
}

// Config bounds a session's footprint and lifetime.
type Config struct {
	MaxTurns     int
	IdleTimeout  time.Duration
	ReapInterval time.Duration
}

// Info is the operator-facing snapshot of one session.
type Info struct {
	ID         string    `json:"id"`
	Turns      int       `json:"turns"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type state struct {
	id         string
	turns      []models.Turn
	createdAt  time.Time
	lastActive time.Time
}

// Manager keeps conversation sessions in memory, capped FIFO per session
// and reaped after idling past the timeout. Sessions are created
// implicitly on first use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*state
	cfg      Config
	turnLog  TurnLog
	logger   *log.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewManager creates a session manager. turnLog may be nil.
func NewManager(cfg Config, turnLog TurnLog, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 50
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 24 * time.Hour
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 10 * time.Minute
	}
	return &Manager{
		sessions: make(map[string]*state),
		cfg:      cfg,
		turnLog:  turnLog,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Ensure returns a usable session id, minting one when the caller did not
// supply any, and touches the session's activity clock.
func (m *Manager) Ensure(id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getOrCreate(id)
	return id
}

// History returns the session's turns oldest-first, creating the session
// when it does not exist yet. A cold session with persisted turns is
// reloaded from the turn log first.
func (m *Manager) History(id string) ([]models.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		s = m.getOrCreate(id)
		if m.turnLog != nil {
			turns, err := m.turnLog.LoadTurns(context.Background(), id)
			if err != nil {
				return nil, fmt.Errorf("reload session %s: %w", id, err)
			}
			if len(turns) > m.cfg.MaxTurns {
				turns = turns[len(turns)-m.cfg.MaxTurns:]
			}
			s.turns = turns
		}
	}
	s.lastActive = time.Now()

	out := make([]models.Turn, len(s.turns))
	copy(out, s.turns)
	return out, nil
}

// Append adds turns to the session, evicting the oldest entries once the
// per-session cap is reached. Turns are written through to the turn log
// before the in-memory state changes.
func (m *Manager) Append(id string, turns ...models.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	if m.turnLog != nil {
		if err := m.turnLog.SaveTurns(context.Background(), id, turns); err != nil {
			return fmt.Errorf("persist turns for session %s: %w", id, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreate(id)
	s.turns = append(s.turns, turns...)
	if over := len(s.turns) - m.cfg.MaxTurns; over > 0 {
		s.turns = append(s.turns[:0:0], s.turns[over:]...)
	}
	s.lastActive = time.Now()
	return nil
}

// Stats returns the snapshot for one session.
func (m *Manager) Stats(id string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return Info{ID: s.id, Turns: len(s.turns), CreatedAt: s.createdAt, LastActive: s.lastActive}, nil
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Start launches the idle reaper. Stop shuts it down and waits for it.
func (m *Manager) Start() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.reap(time.Now()); n > 0 {
					m.logger.Printf("reaped %d idle sessions", n)
				}
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop terminates the reaper goroutine.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

// reap evicts sessions idle past the timeout and reports how many went.
func (m *Manager) reap(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if now.Sub(s.lastActive) > m.cfg.IdleTimeout {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// getOrCreate must run under the write lock.
func (m *Manager) getOrCreate(id string) *state {
	s, ok := m.sessions[id]
	if !ok {
		now := time.Now()
		s = &state{id: id, createdAt: now, lastActive: now}
		m.sessions[id] = s
	}
	return s
}
