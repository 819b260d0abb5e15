package research

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hec-ovi/open-research/internal/telemetry"
)

// ManagerOptions configure the session lifecycle layer.
type ManagerOptions struct {
	Defaults          RunConfig
	StageTimeout      time.Duration
	HeartbeatInterval time.Duration
}

// Manager owns the lifecycle of research sessions: it starts them, tracks the
// running set, delivers stop signals, and serves subscriptions and report
// reads. Each session runs in its own goroutine; sessions share nothing but
// the store's key space.
type Manager struct {
	store      SessionStore
	bus        EventStream
	controller *Controller
	defaults   RunConfig
	metrics    *telemetry.Telemetry
	logger     *log.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager wires the lifecycle API over a store, a bus and a stage set.
func NewManager(store SessionStore, bus EventStream, stages StageSet, metrics *telemetry.Telemetry, opts ManagerOptions) (*Manager, error) {
	if err := stages.Validate(); err != nil {
		return nil, err
	}
	ctrl := NewController(store, bus, stages, metrics, ControllerOptions{
		StageTimeout:      opts.StageTimeout,
		HeartbeatInterval: opts.HeartbeatInterval,
	})
	return &Manager{
		store:      store,
		bus:        bus,
		controller: ctrl,
		defaults:   opts.Defaults,
		metrics:    metrics,
		logger:     log.New(log.Writer(), "[MANAGER] ", log.LstdFlags),
		running:    make(map[string]context.CancelFunc),
	}, nil
}

// Start validates the request, creates the session and launches the pipeline.
// Validation failures are reported synchronously and create no session.
func (m *Manager) Start(ctx context.Context, query string, cfg *RunConfig) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ValidationError{Field: "query", Reason: "must not be empty"}
	}
	runCfg := m.defaults
	if cfg != nil {
		runCfg = cfg.WithDefaults(m.defaults)
	}
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		Query:     query,
		Config:    runCfg,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return "", err
	}
	m.launch(sess)
	m.logger.Printf("started research session %s: %q", sess.ID, query)
	return sess.ID, nil
}

// launch spawns the controller goroutine and registers the cancel handle.
func (m *Manager) launch(sess *Session) {
	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.running[sess.ID] = cancel
	m.mu.Unlock()
	m.metrics.SessionStarted()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.running, sess.ID)
			m.mu.Unlock()
			cancel()
		}()
		m.controller.Run(runCtx, sess)
	}()
}

// Stop requests a clean stop. It is idempotent: stopping a session that is
// already terminal (or stopping twice) succeeds with no further effect.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	cancel, ok := m.running[id]
	m.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	// Not in the running set but persisted as running: an orphan from a
	// previous process. Mark it stopped and close out its event stream so
	// subscribers are not left waiting on a publisher that no longer exists.
	_, err = m.store.Update(ctx, id, func(s *Session) error {
		if s.Status.Terminal() {
			return nil
		}
		s.Status = StatusStopped
		return nil
	})
	if err != nil {
		return err
	}
	m.bus.Publish(NewEvent(EventResearchStopped, id, "research stopped"))
	m.bus.EndSession(id)
	m.logger.Printf("stopped orphaned session %s", id)
	return nil
}

// Subscribe attaches a live event stream for a session. A session that is
// already terminal (possibly finished by a previous process, so this bus
// never saw it) gets its persisted terminal event replayed and the channel
// closed immediately rather than a stream no publisher will ever end. The
// returned cancel func must be called when the caller disconnects.
func (m *Manager) Subscribe(ctx context.Context, id string) (<-chan Event, func(), error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if sess.Status.Terminal() {
		ch := make(chan Event, 1)
		ch <- terminalEvent(sess)
		close(ch)
		return ch, func() {}, nil
	}
	ch, cancel := m.bus.Subscribe(id)
	return ch, cancel, nil
}

// Status returns the current session snapshot.
func (m *Manager) Status(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// Report returns the persisted final report, or ErrReportNotReady when the
// session has not completed.
func (m *Manager) Report(ctx context.Context, id string) (*FinalReport, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusCompleted || sess.FinalReport == nil {
		return nil, ErrReportNotReady
	}
	return sess.FinalReport, nil
}

// List returns summaries of all sessions, newest first.
func (m *Manager) List(ctx context.Context) ([]SessionSummary, error) {
	return m.store.List(ctx)
}

// Recover re-adopts sessions persisted as running by a previous process and
// resumes their pipelines from the stage implied by their state.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	summaries, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	adopted := 0
	for _, sum := range summaries {
		if sum.Status != StatusRunning {
			continue
		}
		m.mu.Lock()
		_, alive := m.running[sum.ID]
		m.mu.Unlock()
		if alive {
			continue
		}
		sess, err := m.store.Get(ctx, sum.ID)
		if err != nil {
			m.logger.Printf("recover: loading session %s failed: %v", sum.ID, err)
			continue
		}
		m.launch(sess)
		adopted++
		m.logger.Printf("recovered running session %s, resuming at %s", sess.ID, ResumeStage(sess))
	}
	return adopted, nil
}

// CleanupOlderThan removes terminal sessions older than the cutoff age.
func (m *Manager) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	remover, ok := m.store.(interface {
		Delete(ctx context.Context, id string) error
	})
	if !ok {
		return 0, nil
	}
	summaries, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, sum := range summaries {
		if !sum.Status.Terminal() || !sum.CreatedAt.Before(cutoff) {
			continue
		}
		if err := remover.Delete(ctx, sum.ID); err != nil {
			m.logger.Printf("cleanup: deleting session %s failed: %v", sum.ID, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Printf("cleaned up %d old session(s)", removed)
	}
	return removed, nil
}

// Shutdown cancels every running session and waits for their controllers to
// finish persisting terminal state.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
