package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dubroom/capture-service/internal/capture"
	"github.com/dubroom/capture-service/internal/metrics"
	"github.com/dubroom/capture-service/internal/timecode"
)

// BackendFactory produces a fresh capture backend for each session.
type BackendFactory func() capture.Backend

// RegistryConfig contains registry construction parameters.
type RegistryConfig struct {
	Audio       Config
	IdleTimeout time.Duration
	MaxTakes    int
}

// Registry tracks the recording session for each dialogue line. A line
// can hold at most one session, and a session that is acquiring,
// recording or stopping blocks new takes for its line until it
// settles. Settled sessions are evicted once they go idle for too
// long, or when the registry is full and a newer take needs the slot.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	logger     *slog.Logger
	newBackend BackendFactory
	config     Config
	metrics    *metrics.Metrics

	idleTimeout time.Duration
	maxTakes    int

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewRegistry creates a registry and starts its idle-session cleanup
// routine. The metrics handle may be nil.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger, newBackend BackendFactory, m *metrics.Metrics) (*Registry, error) {
	if newBackend == nil {
		return nil, fmt.Errorf("backend factory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.MaxTakes <= 0 {
		cfg.MaxTakes = 32
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		sessions:    make(map[string]*Session),
		logger:      logger,
		newBackend:  newBackend,
		config:      cfg.Audio,
		metrics:     m,
		idleTimeout: cfg.IdleTimeout,
		maxTakes:    cfg.MaxTakes,
		ctx:         ctx,
		cancel:      cancel,
		cleanup:     make(chan struct{}),
	}

	go r.startCleanupRoutine()

	return r, nil
}

// Begin creates a new session for the line. A line whose current
// session is still in flight rejects the new take with
// ErrInvalidState; a settled session is replaced and its clip dropped.
func (r *Registry) Begin(lineID string, window timecode.Window) (*Session, error) {
	if lineID == "" {
		return nil, fmt.Errorf("line id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.sessions[lineID]; exists {
		switch existing.Phase() {
		case PhaseAcquiring, PhaseRecording, PhaseStopping:
			return nil, fmt.Errorf("%w: line %s already has a take in flight", ErrInvalidState, lineID)
		}
		r.logger.Info("Replacing settled session",
			slog.String("line_id", lineID),
			slog.String("old_session_id", existing.ID.String()),
			slog.String("old_phase", existing.Phase().String()),
		)
		delete(r.sessions, lineID)
	}

	if len(r.sessions) >= r.maxTakes {
		if !r.evictOldestSettledLocked() {
			return nil, fmt.Errorf("%w: registry holds %d takes in flight", ErrInvalidState, len(r.sessions))
		}
	}

	sess := New(lineID, window, r.config, r.newBackend(), r.logger)
	sess.metrics = r.metrics
	r.sessions[lineID] = sess

	if r.metrics != nil {
		r.metrics.RecordSessionCreated()
		r.metrics.SetActiveSessions(r.activeCountLocked())
	}

	r.logger.Info("Session registered",
		slog.String("session_id", sess.ID.String()),
		slog.String("line_id", lineID),
		slog.String("window", window.String()),
	)

	return sess, nil
}

// Get retrieves the session for a line.
func (r *Registry) Get(lineID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, exists := r.sessions[lineID]
	return sess, exists
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ActiveCount returns the number of sessions currently in flight.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeCountLocked()
}

func (r *Registry) activeCountLocked() int {
	active := 0
	for _, sess := range r.sessions {
		switch sess.Phase() {
		case PhaseAcquiring, PhaseRecording, PhaseStopping:
			active++
		}
	}
	return active
}

// All returns a snapshot of every tracked session for monitoring.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Remove discards the line's session and drops it from the registry.
func (r *Registry) Remove(lineID string) bool {
	r.mu.Lock()
	sess, exists := r.sessions[lineID]
	if !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, lineID)
	r.mu.Unlock()

	sess.Discard()

	if r.metrics != nil {
		r.metrics.RecordSessionRemoved()
		r.metrics.SetActiveSessions(r.ActiveCount())
	}

	r.logger.Info("Session removed",
		slog.String("session_id", sess.ID.String()),
		slog.String("line_id", lineID),
	)
	return true
}

// Stop discards every session and shuts down the cleanup routine.
func (r *Registry) Stop() {
	r.logger.Info("Stopping session registry...")

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Discard()
	}

	r.cancel()
	<-r.cleanup

	if r.metrics != nil {
		r.metrics.SetActiveSessions(0)
	}

	r.logger.Info("Session registry stopped",
		slog.Int("discarded_sessions", len(sessions)),
	)
}

// evictOldestSettledLocked drops the least recently touched settled
// session to make room for a new take. Returns false when every
// session is still in flight.
func (r *Registry) evictOldestSettledLocked() bool {
	var oldestLine string
	var oldest *Session
	for lineID, sess := range r.sessions {
		switch sess.Phase() {
		case PhaseAcquiring, PhaseRecording, PhaseStopping:
			continue
		}
		if oldest == nil || sess.LastActivity().Before(oldest.LastActivity()) {
			oldest = sess
			oldestLine = lineID
		}
	}
	if oldest == nil {
		return false
	}

	delete(r.sessions, oldestLine)
	r.logger.Info("Evicted settled session to make room",
		slog.String("session_id", oldest.ID.String()),
		slog.String("line_id", oldestLine),
		slog.String("phase", oldest.Phase().String()),
	)
	return true
}

// startCleanupRoutine evicts idle sessions on a fixed interval until
// the registry stops.
func (r *Registry) startCleanupRoutine() {
	defer close(r.cleanup)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	r.logger.Info("Session cleanup routine started",
		slog.Duration("idle_timeout", r.idleTimeout),
		slog.Duration("check_interval", 30*time.Second),
	)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Info("Session cleanup routine stopping")
			return
		case <-ticker.C:
			r.cleanupIdleSessions()
		}
	}
}

// cleanupIdleSessions removes settled sessions whose last activity is
// older than the idle timeout.
func (r *Registry) cleanupIdleSessions() {
	now := time.Now()
	expired := make([]string, 0)

	r.mu.RLock()
	for lineID, sess := range r.sessions {
		switch sess.Phase() {
		case PhaseAcquiring, PhaseRecording, PhaseStopping:
			continue
		}
		if now.Sub(sess.LastActivity()) > r.idleTimeout {
			expired = append(expired, lineID)
		}
	}
	r.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	r.logger.Info("Cleaning up idle sessions",
		slog.Int("expired_count", len(expired)),
	)
	for _, lineID := range expired {
		r.Remove(lineID)
	}
}
