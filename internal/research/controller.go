package research

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hec-ovi/open-research/internal/telemetry"
)

// SessionStore is the durable, keyed persistence the controller writes
// through. Updates for one session are serialized by the store.
type SessionStore interface {
	Create(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, mutate func(*Session) error) (*Session, error)
	List(ctx context.Context) ([]SessionSummary, error)
}

// EventStream fans out ordered events to live subscribers without ever
// blocking the publisher.
type EventStream interface {
	Publish(ev Event)
	Subscribe(sessionID string) (<-chan Event, func())
	EndSession(sessionID string)
}

// ControllerOptions tunes per-stage execution.
type ControllerOptions struct {
	StageTimeout      time.Duration
	HeartbeatInterval time.Duration
}

// Controller drives a session through the stage graph. It is the single
// authority allowed to mutate status, iteration and finderRetryCount.
type Controller struct {
	store     SessionStore
	bus       EventStream
	stages    StageSet
	metrics   *telemetry.Telemetry
	logger    *log.Logger
	stageTO   time.Duration
	heartbeat time.Duration
}

// NewController wires a pipeline controller.
func NewController(store SessionStore, bus EventStream, stages StageSet, metrics *telemetry.Telemetry, opts ControllerOptions) *Controller {
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 2 * time.Minute
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	return &Controller{
		store:     store,
		bus:       bus,
		stages:    stages,
		metrics:   metrics,
		logger:    log.New(log.Writer(), "[CONTROLLER] ", log.LstdFlags),
		stageTO:   opts.StageTimeout,
		heartbeat: opts.HeartbeatInterval,
	}
}

// Run executes the pipeline for one session until a terminal state. The
// caller cancels ctx to request a stop; cancellation observed at a stage
// boundary wins over the in-flight stage's result.
func (c *Controller) Run(ctx context.Context, sess *Session) {
	// The heartbeat goroutine is joined, not just signalled, before any
	// finish helper runs, so a heartbeat can never land after the terminal
	// event on the stream.
	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	var hbOnce sync.Once
	stopHeartbeat := func() {
		hbOnce.Do(func() { close(hbStop) })
		<-hbDone
	}
	defer stopHeartbeat()
	go func() {
		defer close(hbDone)
		c.heartbeatLoop(sess.ID, hbStop)
	}()

	msg := sess.Query
	if len(msg) > 80 {
		msg = msg[:80] + "..."
	}
	c.bus.Publish(NewEvent(EventResearchStarted, sess.ID, "Starting research on: "+msg))

	// A recovered session may already hold a draft report; finish validation.
	if sess.FinalReport != nil {
		stopHeartbeat()
		c.finishCompleted(sess)
		return
	}

	stage := ResumeStage(sess)
	for {
		if ctx.Err() != nil {
			stopHeartbeat()
			c.finishStopped(sess.ID)
			return
		}

		if stage != StageWriter {
			c.bus.Publish(runningEvent(stage, sess.ID))
		}

		snapshot := sess.Clone()
		stageCtx, cancel := context.WithTimeout(ctx, c.stageTO)
		started := time.Now()
		out := c.stages.Get(stage).Run(stageCtx, StageInput{Session: snapshot, Config: sess.Config})
		timedOut := stageCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()
		c.metrics.ObserveStage(string(stage), time.Since(started))

		if ctx.Err() != nil {
			// Stop signal takes priority: discard the stage's output.
			stopHeartbeat()
			c.finishStopped(sess.ID)
			return
		}
		if timedOut {
			stopHeartbeat()
			c.finishError(sess.ID, fmt.Errorf("stage %s exceeded deadline of %s", stage, c.stageTO))
			return
		}
		if out.Tag == TagFatal {
			err := out.Err
			if err == nil {
				err = fmt.Errorf("stage %s failed", stage)
			}
			stopHeartbeat()
			c.finishError(sess.ID, err)
			return
		}

		updated, err := c.store.Update(context.WithoutCancel(ctx), sess.ID, func(s *Session) error {
			applyDelta(s, out.Delta)
			return nil
		})
		if err != nil {
			stopHeartbeat()
			c.finishError(sess.ID, fmt.Errorf("persisting %s output: %w", stage, err))
			return
		}
		sess = updated

		for _, ev := range out.Events {
			if ev.SessionID == "" {
				ev.SessionID = sess.ID
			}
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now().UTC()
			}
			c.bus.Publish(ev)
		}
		if stage != StageWriter {
			c.bus.Publish(completeEvent(stage, sess.ID))
		}

		dec := Route(stage, out.Tag, sess, sess.Config)
		if dec.BumpFinderRetry {
			sess, err = c.store.Update(context.WithoutCancel(ctx), sess.ID, func(s *Session) error {
				s.FinderRetryCount++
				return nil
			})
			if err != nil {
				stopHeartbeat()
				c.finishError(sess.ID, err)
				return
			}
			retry := NewEvent(EventSummarizerRetry, sess.ID,
				fmt.Sprintf("empty result, re-running finder (retry %d of %d)", sess.FinderRetryCount, sess.Config.MaxFinderRetries))
			c.bus.Publish(retry)
		}
		if dec.BumpIteration {
			sess, err = c.store.Update(context.WithoutCancel(ctx), sess.ID, func(s *Session) error {
				s.Iteration++
				return nil
			})
			if err != nil {
				stopHeartbeat()
				c.finishError(sess.ID, err)
				return
			}
		}
		if dec.Degraded {
			c.logger.Printf("session %s: accepting degraded %s result, retry bound reached", sess.ID, stage)
		}
		if dec.Done {
			stopHeartbeat()
			c.finishCompleted(sess)
			return
		}
		stage = dec.Next
	}
}

func (c *Controller) heartbeatLoop(sessionID string, stop <-chan struct{}) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.bus.Publish(NewEvent(EventHeartbeat, sessionID, ""))
		}
	}
}

// finishCompleted validates citations on the drafted report and transitions
// the session to completed. Citation fixes are silent; the session still
// completes.
func (c *Controller) finishCompleted(sess *Session) {
	ctx := context.Background()
	updated, err := c.store.Update(ctx, sess.ID, func(s *Session) error {
		if s.FinalReport == nil {
			return fmt.Errorf("writer produced no report")
		}
		validated := ValidateReport(*s.FinalReport, s.Sources, s.Findings, s.Config.UsedOnlySources)
		s.FinalReport = &validated
		s.Status = StatusCompleted
		s.Error = ""
		return nil
	})
	if err != nil {
		c.finishError(sess.ID, err)
		return
	}
	c.bus.Publish(terminalEvent(updated))
	c.bus.EndSession(sess.ID)
	c.metrics.SessionFinished(string(StatusCompleted))
	c.logger.Printf("session %s completed after %d iteration(s)", sess.ID, updated.Iteration)
}

func (c *Controller) finishStopped(sessionID string) {
	_, err := c.store.Update(context.Background(), sessionID, func(s *Session) error {
		if s.Status.Terminal() {
			return nil
		}
		s.Status = StatusStopped
		s.FinalReport = nil
		return nil
	})
	if err != nil {
		c.logger.Printf("session %s: persisting stopped state failed: %v", sessionID, err)
	}
	c.bus.Publish(NewEvent(EventResearchStopped, sessionID, "research stopped"))
	c.bus.EndSession(sessionID)
	c.metrics.SessionFinished(string(StatusStopped))
	c.logger.Printf("session %s stopped", sessionID)
}

func (c *Controller) finishError(sessionID string, cause error) {
	_, err := c.store.Update(context.Background(), sessionID, func(s *Session) error {
		if s.Status.Terminal() {
			return nil
		}
		s.Status = StatusError
		s.Error = cause.Error()
		s.FinalReport = nil
		return nil
	})
	if err != nil {
		c.logger.Printf("session %s: persisting error state failed: %v", sessionID, err)
	}
	ev := NewEvent(EventResearchError, sessionID, "research failed")
	ev.Error = cause.Error()
	c.bus.Publish(ev)
	c.bus.EndSession(sessionID)
	c.metrics.SessionFinished(string(StatusError))
	c.logger.Printf("session %s failed: %v", sessionID, cause)
}

func applyDelta(s *Session, d Delta) {
	if d.Plan != nil {
		s.Plan = d.Plan
	}
	if len(d.Sources) > 0 {
		s.Sources = MergeSources(s.Sources, d.Sources)
	}
	if len(d.Findings) > 0 {
		s.Findings = append(s.Findings, d.Findings...)
	}
	if d.GapReport != nil {
		s.GapReport = d.GapReport
	}
	if d.Report != nil {
		s.FinalReport = d.Report
	}
}
