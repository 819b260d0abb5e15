package research

// Decision is the outcome of routing one completed stage invocation.
type Decision struct {
	Next            StageName
	Done            bool // proceed to citation validation and completion
	BumpIteration   bool // one more Planner->Reviewer cycle begins
	BumpFinderRetry bool // Finder is re-entered on an empty result
	Degraded        bool // empty result accepted as-is, bounds exhausted
}

// Route is the pure conditional-edge function of the pipeline. It inspects
// the session after a stage delta has been applied and decides where to go
// next. It performs no side effects so the routing table can be tested
// without touching a model or the network.
//
// Bounds policy: when both "gaps exist" and "iteration at max" hold, the
// iteration bound wins. Finder returning zero sources consumes the same
// retry budget as a zero-key-fact summarization.
func Route(current StageName, tag ResultTag, sess *Session, cfg RunConfig) Decision {
	switch current {
	case StagePlanner:
		return Decision{Next: StageFinder}

	case StageFinder:
		if tag == TagRetryableEmpty {
			if sess.FinderRetryCount < cfg.MaxFinderRetries {
				return Decision{Next: StageFinder, BumpFinderRetry: true}
			}
			// Retries exhausted; let the summarizer run on whatever is there
			// so the reviewer sees a consistent (if degraded) picture.
			return Decision{Next: StageSummarizer, Degraded: true}
		}
		return Decision{Next: StageSummarizer}

	case StageSummarizer:
		if tag == TagRetryableEmpty {
			if sess.FinderRetryCount < cfg.MaxFinderRetries {
				return Decision{Next: StageFinder, BumpFinderRetry: true}
			}
			return Decision{Next: StageReviewer, Degraded: true}
		}
		return Decision{Next: StageReviewer}

	case StageReviewer:
		gaps := sess.GapReport != nil && len(sess.GapReport.Gaps) > 0
		if gaps && sess.Iteration < cfg.MaxIterations {
			return Decision{Next: StagePlanner, BumpIteration: true}
		}
		return Decision{Next: StageWriter}

	case StageWriter:
		return Decision{Done: true}
	}
	// Unknown stage names cannot be produced by the controller.
	return Decision{Done: true}
}

// ResumeStage derives the stage to (re)enter from persisted session state,
// used when adopting sessions that were running before a restart.
func ResumeStage(sess *Session) StageName {
	switch {
	case sess.FinalReport != nil:
		return StageWriter
	case sess.GapReport != nil:
		// Re-run the reviewer so routing decides looping vs writing afresh.
		return StageReviewer
	case len(sess.Findings) > 0:
		return StageReviewer
	case len(sess.Sources) > 0:
		return StageSummarizer
	case len(sess.Plan) > 0:
		return StageFinder
	}
	return StagePlanner
}
