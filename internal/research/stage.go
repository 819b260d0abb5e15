package research

import (
	"context"
	"fmt"
)

// StageName identifies one of the five pipeline roles. The set is closed:
// the controller switches over it exhaustively.
type StageName string

const (
	StagePlanner    StageName = "planner"
	StageFinder     StageName = "finder"
	StageSummarizer StageName = "summarizer"
	StageReviewer   StageName = "reviewer"
	StageWriter     StageName = "writer"
)

// ResultTag classifies a stage invocation outcome.
type ResultTag string

const (
	// TagOK means the stage produced a usable delta.
	TagOK ResultTag = "ok"
	// TagRetryableEmpty means the stage ran but produced nothing useful
	// (zero sources, zero key facts); the router may re-enter Finder.
	TagRetryableEmpty ResultTag = "retryable-empty"
	// TagFatal means the session must transition to error.
	TagFatal ResultTag = "fatal"
)

// StageInput is the immutable snapshot handed to a stage invocation.
type StageInput struct {
	Session *Session
	Config  RunConfig
}

// Delta is a partial state update produced by a stage. The controller applies
// it atomically after the stage returns; partial writes are never visible.
type Delta struct {
	Plan      []SubQuestion // replaces the plan wholesale when non-nil
	Findings  []Finding     // appended, never mutating past entries
	Sources   []Source      // merged into the session set, deduped by URL
	GapReport *GapReport    // overwrites the previous gap report
	Report    *FinalReport  // writer output, pre citation validation
}

// StageOutput is the full result of one stage invocation.
type StageOutput struct {
	Delta  Delta
	Events []Event
	Tag    ResultTag
	Err    error
}

// Fatal builds a failed stage output carrying the cause.
func Fatal(err error) StageOutput {
	return StageOutput{Tag: TagFatal, Err: err}
}

// Stage is one worker role. Implementations live outside the engine and are
// treated as opaque functions honouring this contract.
type Stage interface {
	Name() StageName
	Run(ctx context.Context, in StageInput) StageOutput
}

// StageSet holds the five stage implementations driven by the controller.
type StageSet struct {
	Planner    Stage
	Finder     Stage
	Summarizer Stage
	Reviewer   Stage
	Writer     Stage
}

// Validate ensures every role is populated.
func (s StageSet) Validate() error {
	for name, st := range map[StageName]Stage{
		StagePlanner:    s.Planner,
		StageFinder:     s.Finder,
		StageSummarizer: s.Summarizer,
		StageReviewer:   s.Reviewer,
		StageWriter:     s.Writer,
	} {
		if st == nil {
			return fmt.Errorf("stage %s not configured", name)
		}
	}
	return nil
}

// Get resolves a stage by name.
func (s StageSet) Get(name StageName) Stage {
	switch name {
	case StagePlanner:
		return s.Planner
	case StageFinder:
		return s.Finder
	case StageSummarizer:
		return s.Summarizer
	case StageReviewer:
		return s.Reviewer
	case StageWriter:
		return s.Writer
	}
	return nil
}
