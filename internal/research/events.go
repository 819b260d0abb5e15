package research

import "time"

// EventType identifies a progress event on the session stream.
type EventType string

const (
	EventResearchStarted    EventType = "research_started"
	EventPlannerRunning     EventType = "planner_running"
	EventPlannerComplete    EventType = "planner_complete"
	EventFinderRunning      EventType = "finder_running"
	EventFinderSource       EventType = "finder_source"
	EventFinderComplete     EventType = "finder_complete"
	EventSummarizerRunning  EventType = "summarizer_running"
	EventSummarizerRetry    EventType = "summarizer_retry"
	EventSummarizerComplete EventType = "summarizer_complete"
	EventReviewerRunning    EventType = "reviewer_running"
	EventReviewerComplete   EventType = "reviewer_complete"
	EventResearchCompleted  EventType = "research_completed"
	EventResearchError      EventType = "research_error"
	EventResearchStopped    EventType = "research_stopped"
	EventHeartbeat          EventType = "heartbeat"
)

// Terminal reports whether the event type ends the session stream.
func (t EventType) Terminal() bool {
	switch t {
	case EventResearchCompleted, EventResearchError, EventResearchStopped:
		return true
	}
	return false
}

// Event is one progress notification for a session.
type Event struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// NewEvent builds a timestamped event for a session.
func NewEvent(t EventType, sessionID, message string) Event {
	return Event{Type: t, SessionID: sessionID, Timestamp: time.Now().UTC(), Message: message}
}

// runningEvent maps a stage onto its "running" announcement.
func runningEvent(stage StageName, sessionID string) Event {
	switch stage {
	case StagePlanner:
		return NewEvent(EventPlannerRunning, sessionID, "decomposing query into sub-questions")
	case StageFinder:
		return NewEvent(EventFinderRunning, sessionID, "discovering sources")
	case StageSummarizer:
		return NewEvent(EventSummarizerRunning, sessionID, "summarizing sources")
	case StageReviewer:
		return NewEvent(EventReviewerRunning, sessionID, "reviewing coverage")
	default:
		return NewEvent(EventType(string(stage)+"_running"), sessionID, "")
	}
}

// completeEvent maps a stage onto its "complete" announcement.
func completeEvent(stage StageName, sessionID string) Event {
	return NewEvent(EventType(string(stage)+"_complete"), sessionID, "")
}

// terminalEvent rebuilds the closing event for a session from its persisted
// terminal state, used to replay the outcome to late subscribers.
func terminalEvent(sess *Session) Event {
	switch sess.Status {
	case StatusCompleted:
		ev := NewEvent(EventResearchCompleted, sess.ID, "research completed")
		if sess.FinalReport != nil {
			ev.Details = map[string]interface{}{
				"title":      sess.FinalReport.Title,
				"word_count": sess.FinalReport.WordCount,
				"iterations": sess.Iteration,
			}
		}
		return ev
	case StatusError:
		ev := NewEvent(EventResearchError, sess.ID, "research failed")
		ev.Error = sess.Error
		return ev
	default:
		return NewEvent(EventResearchStopped, sess.ID, "research stopped")
	}
}
