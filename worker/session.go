package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/windlass/tradegate/upstream"
)

// State is the observable condition of a managed session.
type State int

const (
	Starting State = iota
	Ready
	Reconnecting
	Degraded
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Reconnecting:
		return "reconnecting"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrSessionNotReady rejects commands while a session is establishing,
// reconnecting or degraded. It always marks a retryable condition.
var ErrSessionNotReady = errors.New("session not ready")

// Factory builds the upstream session for a trading mode. It is invoked at
// most once per mode; healing re-uses the same session instance.
type Factory func(simulation bool) (upstream.Session, error)

// BackoffConfig bounds session login retries.
type BackoffConfig struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts int
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Initial <= 0 {
		c.Initial = time.Second
	}
	if c.Max <= 0 {
		c.Max = 30 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 5
	}
	return c
}

// SessionManager holds one lazily-established upstream session per trading
// mode and drives each through starting -> ready <-> reconnecting ->
// degraded transitions. A degraded session is re-established in the
// background when the next command asks for it.
type SessionManager struct {
	ctx     context.Context
	factory Factory
	backoff BackoffConfig

	mu    sync.Mutex
	modes map[bool]*managedSession
}

type managedSession struct {
	simulation bool
	session    upstream.Session
	state      State
	healing    bool
}

func (ms *managedSession) log() *log.Entry {
	return log.WithField("mode", modeName(ms.simulation))
}

func modeName(simulation bool) string {
	if simulation {
		return "simulation"
	}
	return "live"
}

// NewSessionManager returns a SessionManager building sessions with
// |factory|. Background healing is bounded by |ctx|.
func NewSessionManager(ctx context.Context, factory Factory, backoff BackoffConfig) *SessionManager {
	return &SessionManager{
		ctx:     ctx,
		factory: factory,
		backoff: backoff.withDefaults(),
		modes:   make(map[bool]*managedSession),
	}
}

// Session returns the ready session for |simulation| mode, establishing it
// on first use. While the session is reconnecting or degraded it returns
// ErrSessionNotReady without blocking, kicking background recovery for the
// degraded case.
func (m *SessionManager) Session(ctx context.Context, simulation bool) (upstream.Session, error) {
	m.mu.Lock()
	var ms, ok = m.modes[simulation]
	if !ok {
		var sess, err = m.factory(simulation)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("building %s session: %w", modeName(simulation), err)
		}
		ms = &managedSession{simulation: simulation, session: sess, state: Starting}
		m.modes[simulation] = ms
		m.mu.Unlock()

		ms.log().Info("establishing session")
		if err = m.establish(ctx, ms); err != nil {
			m.setState(ms, Degraded)
			return nil, fmt.Errorf("%w (%s): %s", ErrSessionNotReady, Degraded, err)
		}
		m.setState(ms, Ready)
		return ms.session, nil
	}
	var state, sess = ms.state, ms.session
	m.mu.Unlock()

	switch state {
	case Ready:
		return sess, nil
	case Degraded:
		m.Heal(simulation, nil)
		return nil, fmt.Errorf("%w (%s)", ErrSessionNotReady, state)
	default:
		return nil, fmt.Errorf("%w (%s)", ErrSessionNotReady, state)
	}
}

// Peek returns the session instance of |simulation| mode without regard to
// its state, or nil if the mode was never asked for.
func (m *SessionManager) Peek(simulation bool) upstream.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms, ok := m.modes[simulation]; ok {
		return ms.session
	}
	return nil
}

// State reports the current state of the |simulation| mode session.
// A mode never asked for is Starting.
func (m *SessionManager) State(simulation bool) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms, ok := m.modes[simulation]; ok {
		return ms.state
	}
	return Starting
}

// Heal transitions a session to reconnecting and re-establishes it in the
// background. Concurrent heals of the same mode coalesce.
func (m *SessionManager) Heal(simulation bool, cause error) {
	m.mu.Lock()
	var ms, ok = m.modes[simulation]
	if !ok || ms.healing {
		m.mu.Unlock()
		return
	}
	ms.healing = true
	m.mu.Unlock()

	m.setState(ms, Reconnecting)
	reconnectsCounter.Inc()
	ms.log().WithField("cause", cause).Warn("healing session")

	go func() {
		// Logout is best effort; the token may already be dead.
		_ = ms.session.Logout(m.ctx)

		if err := m.establish(m.ctx, ms); err != nil {
			ms.log().WithField("err", err).Error("session heal failed")
			m.setState(ms, Degraded)
			return
		}
		m.setState(ms, Ready)
	}()
}

// Retire logs out every established session.
func (m *SessionManager) Retire(ctx context.Context) {
	m.mu.Lock()
	var sessions []*managedSession
	for _, ms := range m.modes {
		sessions = append(sessions, ms)
	}
	m.mu.Unlock()

	for _, ms := range sessions {
		if err := ms.session.Logout(ctx); err != nil {
			ms.log().WithField("err", err).Warn("session logout failed")
		} else {
			ms.log().Info("session retired")
		}
	}
}

// establish logs the session in with exponential backoff and verifies the
// contract catalog is warm.
func (m *SessionManager) establish(ctx context.Context, ms *managedSession) error {
	var delay = m.backoff.Initial
	var err error

	for attempt := 1; attempt <= m.backoff.Attempts; attempt++ {
		if err = ms.session.Login(ctx); err == nil {
			if c := ms.session.Contracts(); c == nil || c.Len() == 0 {
				err = errors.New("contract catalog is empty after login")
			} else {
				return nil
			}
		}
		ms.log().WithFields(log.Fields{
			"attempt": attempt,
			"err":     err,
		}).Warn("session login failed")

		if attempt == m.backoff.Attempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if delay *= 2; delay > m.backoff.Max {
			delay = m.backoff.Max
		}
	}
	return fmt.Errorf("login failed after %d attempts: %w", m.backoff.Attempts, err)
}

func (m *SessionManager) setState(ms *managedSession, next State) {
	m.mu.Lock()
	var prev = ms.state
	ms.state = next
	if next == Ready || next == Degraded {
		// A session that reached a settled state is no longer healing.
		ms.healing = false
	}
	m.mu.Unlock()

	if prev == next {
		return
	}
	ms.log().WithFields(log.Fields{
		"prev":  prev.String(),
		"state": next.String(),
	}).Info("session state changed")
	sessionStateGauge.WithLabelValues(modeName(ms.simulation)).Set(float64(next))
}
