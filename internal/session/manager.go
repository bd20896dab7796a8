package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSuperseded ends a lease when the same user opens a newer connection.
	ErrSuperseded = errors.New("superseded by a newer connection")
	// ErrIdleTimeout ends a lease that saw no activity within the inactivity timeout.
	ErrIdleTimeout = errors.New("session idle timeout")
	// ErrShutdown ends every lease when the server stops.
	ErrShutdown = errors.New("server shutting down")
	// ErrSessionBusy refuses a second live connection to one stored session.
	ErrSessionBusy = errors.New("session already has a live connection")
)

// Info describes one live realtime connection.
type Info struct {
	LeaseID        string    `json:"lease_id"`
	SessionID      string    `json:"session_id,omitempty"`
	UserID         string    `json:"user_id"`
	PersonaID      string    `json:"bot_id"`
	Flavor         string    `json:"flavor"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Lease is held by one orchestrator for the life of its connection. Done is
// closed when the registry takes the connection away; Err reports why.
type Lease struct {
	m    *Manager
	info Info

	done     chan struct{}
	once     sync.Once
	released sync.Once
	err      error
}

func (l *Lease) ID() string { return l.info.LeaseID }

func (l *Lease) Done() <-chan struct{} { return l.done }

// Err is nil until Done is closed.
func (l *Lease) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// Touch records activity, postponing idle expiry.
func (l *Lease) Touch() {
	if l == nil {
		return
	}
	l.m.touch(l)
}

// Release removes the lease from the registry. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.m.release(l)
}

func (l *Lease) end(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

// Manager is the registry of live connections: at most one per user and per
// stored session, and none idle longer than the inactivity timeout.
type Manager struct {
	mu                sync.RWMutex
	leases            map[string]*Lease
	leaseByUser       map[string]string
	leaseBySession    map[string]*Lease
	live              sync.WaitGroup
	closed            bool
	inactivityTimeout time.Duration
	onExpire          func(Info)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		leases:            make(map[string]*Lease),
		leaseByUser:       make(map[string]string),
		leaseBySession:    make(map[string]*Lease),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) InactivityTimeout() time.Duration {
	return m.inactivityTimeout
}

func (m *Manager) SetExpireHook(hook func(Info)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Register admits a connection. Any older lease for the same user ends with
// ErrSuperseded. A session id that already has a live lease is refused with
// ErrSessionBusy, so only one connection ever finalizes a record.
func (m *Manager) Register(sessionID, userID, personaID, flavor string) (*Lease, error) {
	now := m.now()
	l := &Lease{
		m: m,
		info: Info{
			LeaseID:        uuid.NewString(),
			SessionID:      sessionID,
			UserID:         userID,
			PersonaID:      personaID,
			Flavor:         flavor,
			StartedAt:      now,
			LastActivityAt: now,
		},
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	if sessionID != "" {
		if _, busy := m.leaseBySession[sessionID]; busy {
			m.mu.Unlock()
			return nil, ErrSessionBusy
		}
		m.leaseBySession[sessionID] = l
	}
	var superseded *Lease
	if userID != "" {
		if prevID, ok := m.leaseByUser[userID]; ok {
			superseded = m.leases[prevID]
			delete(m.leases, prevID)
		}
		m.leaseByUser[userID] = l.info.LeaseID
	}
	m.leases[l.info.LeaseID] = l
	m.live.Add(1)
	m.mu.Unlock()

	if superseded != nil {
		superseded.end(ErrSuperseded)
	}
	return l, nil
}

// Get returns the connection holding sessionID. A lease that was ended but
// has not yet released still holds its session.
func (m *Manager) Get(sessionID string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.leaseBySession[sessionID]
	if !ok {
		return Info{}, ErrNotFound
	}
	return l.info, nil
}

func (m *Manager) touch(l *Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[l.info.LeaseID]; ok && cur == l {
		l.info.LastActivityAt = m.now()
	}
}

func (m *Manager) release(l *Lease) {
	m.mu.Lock()
	m.removeLocked(l)
	if l.info.SessionID != "" && m.leaseBySession[l.info.SessionID] == l {
		delete(m.leaseBySession, l.info.SessionID)
	}
	m.mu.Unlock()
	l.end(nil)
	l.released.Do(m.live.Done)
}

func (m *Manager) removeLocked(l *Lease) {
	if cur, ok := m.leases[l.info.LeaseID]; ok && cur == l {
		delete(m.leases, l.info.LeaseID)
	}
	if l.info.UserID != "" && m.leaseByUser[l.info.UserID] == l.info.LeaseID {
		delete(m.leaseByUser, l.info.UserID)
	}
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.leases)
}

// Shutdown ends every live lease and refuses new ones. Holders still run their termination
// sequence; Wait blocks until they have released.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*Lease, 0, len(m.leases))
	for _, l := range m.leases {
		all = append(all, l)
	}
	m.leases = make(map[string]*Lease)
	m.leaseByUser = make(map[string]string)
	m.closed = true
	m.mu.Unlock()

	for _, l := range all {
		l.end(ErrShutdown)
	}
}

// Wait blocks until every registered lease has been released. It reports
// false when ctx ends first.
func (m *Manager) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.live.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) expireInactive() {
	now := m.now()
	var expired []*Lease

	m.mu.Lock()
	for _, l := range m.leases {
		if now.Sub(l.info.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		expired = append(expired, l)
	}
	for _, l := range expired {
		m.removeLocked(l)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, l := range expired {
		l.end(ErrIdleTimeout)
		if hook != nil {
			hook(l.info)
		}
	}
}
