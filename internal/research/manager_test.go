package research

import (
	"context"
	"errors"
	"testing"
	"time"
)

func (f *fakeStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func happyStages() StageSet {
	return StageSet{
		Planner:    okPlanner(),
		Finder:     okFinder(),
		Summarizer: okSummarizer(),
		Reviewer:   reviewerWith(&GapReport{Gaps: []Gap{}}),
		Writer:     okWriter(),
	}
}

func newTestManager(t *testing.T, st *fakeStore, stages StageSet) (*Manager, *fakeBus) {
	t.Helper()
	bus := newFakeBus()
	mgr, err := NewManager(st, bus, stages, nil, ManagerOptions{
		Defaults:          RunConfig{MaxSources: 4, MaxIterations: 3, MaxFinderRetries: 2, ReportLength: ReportMedium},
		StageTimeout:      5 * time.Second,
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return mgr, bus
}

func waitTerminal(t *testing.T, st *fakeStore, id string) *Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := st.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if sess.Status.Terminal() {
			return sess
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached a terminal state", id)
	return nil
}

func TestManagerStartRejectsEmptyQuery(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	mgr, _ := newTestManager(t, st, happyStages())

	_, err := mgr.Start(context.Background(), "   ", nil)
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if summaries, _ := st.List(context.Background()); len(summaries) != 0 {
		t.Fatalf("validation failure must create no session, got %d", len(summaries))
	}
}

func TestManagerRunToCompletionAndReport(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	mgr, _ := newTestManager(t, st, happyStages())

	id, err := mgr.Start(context.Background(), "how do tides work", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	final := waitTerminal(t, st, id)
	if final.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (error %q)", final.Status, final.Error)
	}

	// Scenario: a caller arriving after completion still gets the report.
	rep, err := mgr.Report(context.Background(), id)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if rep.Title == "" {
		t.Fatalf("empty report: %#v", rep)
	}
}

func TestManagerReportNotReady(t *testing.T) {
	t.Parallel()
	blocked := make(chan struct{})
	planner := okPlanner()
	planner.hook = func(ctx context.Context, in StageInput) {
		select {
		case <-blocked:
		case <-ctx.Done():
		}
	}
	stages := happyStages()
	stages.Planner = planner

	st := newFakeStore()
	mgr, _ := newTestManager(t, st, stages)
	defer close(blocked)

	id, err := mgr.Start(context.Background(), "slow question", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := mgr.Report(context.Background(), id); !errors.Is(err, ErrReportNotReady) {
		t.Fatalf("expected ErrReportNotReady, got %v", err)
	}
	if _, err := mgr.Report(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestManagerStopIsIdempotent(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	planner := okPlanner()
	planner.hook = func(ctx context.Context, in StageInput) {
		close(entered)
		<-ctx.Done()
	}
	stages := happyStages()
	stages.Planner = planner

	st := newFakeStore()
	mgr, _ := newTestManager(t, st, stages)

	id, err := mgr.Start(context.Background(), "stoppable question", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-entered

	if err := mgr.Stop(context.Background(), id); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	first := waitTerminal(t, st, id)
	if first.Status != StatusStopped {
		t.Fatalf("expected stopped, got %s", first.Status)
	}

	if err := mgr.Stop(context.Background(), id); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	second, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if second.Status != first.Status || second.Error != first.Error {
		t.Fatalf("second stop changed state: %s vs %s", second.Status, first.Status)
	}
}

func TestManagerStopOrphanSession(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	mgr, bus := newTestManager(t, st, happyStages())

	// Persisted as running but owned by no live controller.
	orphan := newTestSession("orphan-1")
	if err := st.Create(context.Background(), orphan); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mgr.Stop(context.Background(), orphan.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	sess, err := st.Get(context.Background(), orphan.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != StatusStopped {
		t.Fatalf("expected orphan marked stopped, got %s", sess.Status)
	}
	if !bus.has(EventResearchStopped) {
		t.Fatalf("stopping an orphan must announce research_stopped, got %v", bus.types())
	}
	if !bus.endedSession(orphan.ID) {
		t.Fatalf("stopping an orphan must end its event session")
	}
}

func TestManagerSubscribeTerminalSessionCloses(t *testing.T) {
	t.Parallel()
	st := newFakeStore()

	// A session that finished in an earlier process: terminal in the store,
	// unknown to this manager's bus.
	done := newTestSession("finished-1")
	done.Status = StatusCompleted
	done.Iteration = 1
	done.FinalReport = &FinalReport{Title: "Old Report", WordCount: 120}
	if err := st.Create(context.Background(), done); err != nil {
		t.Fatalf("create: %v", err)
	}

	mgr, _ := newTestManager(t, st, happyStages())
	ch, cancel, err := mgr.Subscribe(context.Background(), done.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed before delivering the terminal event")
		}
		if ev.Type != EventResearchCompleted {
			t.Fatalf("expected %s, got %s", EventResearchCompleted, ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("terminal session subscription delivered nothing")
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected channel to close after the terminal event")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("terminal session subscription never closed")
	}
}

func TestManagerRecoverResumesRunningSessions(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	mgr, _ := newTestManager(t, st, happyStages())

	// Interrupted mid-run: plan and sources persisted, no findings yet.
	interrupted := newTestSession("recover-1")
	interrupted.Plan = []SubQuestion{{ID: "sq-0-1", Question: "what?", Priority: 1}}
	interrupted.Sources = []Source{{URL: "https://a.example", Title: "A"}}
	if err := st.Create(context.Background(), interrupted); err != nil {
		t.Fatalf("create: %v", err)
	}

	adopted, err := mgr.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if adopted != 1 {
		t.Fatalf("expected 1 adopted session, got %d", adopted)
	}
	final := waitTerminal(t, st, interrupted.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("recovered session should complete, got %s (error %q)", final.Status, final.Error)
	}
	if final.FinalReport == nil {
		t.Fatalf("recovered session must end with a report")
	}
}

func TestManagerCleanupOlderThan(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	mgr, _ := newTestManager(t, st, happyStages())

	old := newTestSession("old-1")
	old.Status = StatusCompleted
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	fresh := newTestSession("fresh-1")
	fresh.Status = StatusCompleted
	stillRunning := newTestSession("running-1")
	stillRunning.CreatedAt = time.Now().Add(-48 * time.Hour)
	for _, sess := range []*Session{old, fresh, stillRunning} {
		if err := st.Create(context.Background(), sess); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	removed, err := mgr.CleanupOlderThan(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := st.Get(context.Background(), old.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("old terminal session should be gone, got %v", err)
	}
	if _, err := st.Get(context.Background(), stillRunning.ID); err != nil {
		t.Fatalf("running session must survive cleanup: %v", err)
	}
}

func TestManagerShutdownStopsRunningSessions(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	planner := okPlanner()
	planner.hook = func(ctx context.Context, in StageInput) {
		close(entered)
		<-ctx.Done()
	}
	stages := happyStages()
	stages.Planner = planner

	st := newFakeStore()
	mgr, _ := newTestManager(t, st, stages)
	id, err := mgr.Start(context.Background(), "to be shut down", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	sess, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != StatusStopped {
		t.Fatalf("expected stopped after shutdown, got %s", sess.Status)
	}
}
