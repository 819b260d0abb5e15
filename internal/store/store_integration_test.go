package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hec-ovi/open-research/internal/research"
	"github.com/hec-ovi/open-research/internal/store"
)

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS research_sessions (
  id UUID PRIMARY KEY,
  query TEXT NOT NULL,
  status TEXT NOT NULL,
  session JSONB NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_research_sessions_status ON research_sessions (status);
CREATE INDEX IF NOT EXISTS idx_research_sessions_created_at ON research_sessions (created_at DESC);
`

func startPostgres(t *testing.T) *store.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("research"),
		tcPostgres.WithUsername("research"),
		tcPostgres.WithPassword("research"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://research:research@%s:%s/research?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, sessionsSchema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	st, err := store.New(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	return st
}

func TestPostgresSessionLifecycle(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	sess := &research.Session{
		ID:        uuid.NewString(),
		Query:     "integration query",
		Status:    research.StatusRunning,
		Config:    research.RunConfig{MaxIterations: 3, MaxFinderRetries: 2, ReportLength: research.ReportMedium},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Drive the session to a terminal state through Update, as the controller does.
	report := &research.FinalReport{
		Title:            "Integration Report",
		ExecutiveSummary: "Summary [🔗 A](https://a.example).",
		Sections:         []research.ReportSection{{Heading: "Findings", Content: "body"}},
		SourcesUsed:      []research.Source{{URL: "https://a.example", Title: "A"}},
		WordCount:        3,
	}
	if _, err := st.Update(ctx, sess.ID, func(s *research.Session) error {
		s.Plan = []research.SubQuestion{{ID: "sq-0-1", Question: "what?", Priority: 1}}
		s.Sources = []research.Source{{URL: "https://a.example", Title: "A"}}
		s.Findings = []research.Finding{{SubQuestionID: "sq-0-1", SourceURL: "https://a.example", KeyFacts: []string{"fact"}}}
		s.FinalReport = report
		s.Status = research.StatusCompleted
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Round trip: a re-read reproduces an identical final report.
	got, err := st.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != research.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if !reflect.DeepEqual(got.FinalReport, report) {
		t.Fatalf("final report changed across persistence:\nwant %#v\ngot  %#v", report, got.FinalReport)
	}

	summaries, err := st.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(summaries) != 1 || summaries[0].ID != sess.ID || summaries[0].Status != research.StatusCompleted {
		t.Fatalf("unexpected summaries: %#v", summaries)
	}
}

func TestPostgresGetNotFound(t *testing.T) {
	st := startPostgres(t)
	if _, err := st.Get(context.Background(), uuid.NewString()); err != research.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestPostgresConcurrentUpdatesSerialized(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	sess := &research.Session{
		ID:        uuid.NewString(),
		Query:     "contended",
		Status:    research.StatusRunning,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := st.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	const writers = 10
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func() {
			_, err := st.Update(ctx, sess.ID, func(s *research.Session) error {
				s.Iteration++
				return nil
			})
			errCh <- err
		}()
	}
	for i := 0; i < writers; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	got, err := st.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Iteration != writers {
		t.Fatalf("row locking lost writes: %d", got.Iteration)
	}
}

func TestPostgresDeleteTerminalOlderThan(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	mk := func(status research.Status, age time.Duration) string {
		sess := &research.Session{
			ID:        uuid.NewString(),
			Query:     "q",
			Status:    status,
			CreatedAt: time.Now().UTC().Add(-age),
			UpdatedAt: time.Now().UTC(),
		}
		if err := st.Create(ctx, sess); err != nil {
			t.Fatalf("create: %v", err)
		}
		return sess.ID
	}

	oldDone := mk(research.StatusCompleted, 48*time.Hour)
	freshDone := mk(research.StatusCompleted, time.Hour)
	oldRunning := mk(research.StatusRunning, 48*time.Hour)

	removed, err := st.DeleteTerminalOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := st.Get(ctx, oldDone); err != research.ErrSessionNotFound {
		t.Fatalf("old terminal session should be gone, got %v", err)
	}
	for _, id := range []string{freshDone, oldRunning} {
		if _, err := st.Get(ctx, id); err != nil {
			t.Fatalf("session %s should survive cleanup: %v", id, err)
		}
	}
}
