package research

import (
	"strings"
	"time"
)

// Status represents the lifecycle state of a research session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCompleted || s == StatusError
}

// ReportLength controls how long the synthesized report should be.
type ReportLength string

const (
	ReportShort  ReportLength = "short"
	ReportMedium ReportLength = "medium"
	ReportLong   ReportLength = "long"
)

// RunConfig carries per-session tuning knobs supplied by the caller.
type RunConfig struct {
	MaxSources       int          `json:"max_sources"`
	MaxIterations    int          `json:"max_iterations"`
	MaxFinderRetries int          `json:"max_finder_retries"`
	SourceDiversity  bool         `json:"source_diversity"`
	ReportLength     ReportLength `json:"report_length"`
	Model            string       `json:"model"`
	UsedOnlySources  bool         `json:"used_only_sources"`
}

// WithDefaults fills zero-valued fields from the provided defaults.
func (c RunConfig) WithDefaults(def RunConfig) RunConfig {
	if c.MaxSources <= 0 {
		c.MaxSources = def.MaxSources
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = def.MaxIterations
	}
	if c.MaxFinderRetries <= 0 {
		c.MaxFinderRetries = def.MaxFinderRetries
	}
	if c.ReportLength == "" {
		c.ReportLength = def.ReportLength
	}
	if strings.TrimSpace(c.Model) == "" {
		c.Model = def.Model
	}
	return c
}

// SubQuestion is one entry in the research plan.
type SubQuestion struct {
	ID        string   `json:"id"`
	Question  string   `json:"question"`
	Rationale string   `json:"rationale,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
	Priority  int      `json:"priority"`
}

// Source is one discovered reference, deduplicated by URL.
type Source struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Reliability string `json:"reliability,omitempty"` // high, medium, low
}

// Finding is a single summarized result tied to a source and a sub-question.
type Finding struct {
	SubQuestionID  string   `json:"sub_question_id"`
	SourceURL      string   `json:"source_url"`
	SourceTitle    string   `json:"source_title"`
	Reliability    string   `json:"reliability,omitempty"`
	Summary        string   `json:"summary,omitempty"`
	KeyFacts       []string `json:"key_facts"`
	RelevanceScore float64  `json:"relevance_score"`
}

// Gap is a reviewer-identified coverage deficiency.
type Gap struct {
	SubQuestionID string `json:"sub_question_id,omitempty"`
	Type          string `json:"type,omitempty"`
	Description   string `json:"description"`
	Severity      string `json:"severity,omitempty"`
}

// GapReport is the latest reviewer output.
type GapReport struct {
	Gaps       []Gap   `json:"gaps"`
	Confidence float64 `json:"confidence"`
	Coverage   float64 `json:"coverage"`
}

// ReportSection is one titled block of the final report.
type ReportSection struct {
	Heading string `json:"heading"`
	Content string `json:"content"`
}

// FinalReport is the synthesized, cited research report.
type FinalReport struct {
	Title                string          `json:"title"`
	ExecutiveSummary     string          `json:"executive_summary"`
	Sections             []ReportSection `json:"sections"`
	SourcesUsed          []Source        `json:"sources_used"`
	ConfidenceAssessment string          `json:"confidence_assessment"`
	WordCount            int             `json:"word_count"`
}

// Session is the root aggregate for one research run. It is exclusively
// mutated by the controller while running and read-only once terminal.
type Session struct {
	ID               string        `json:"id"`
	Query            string        `json:"query"`
	Config           RunConfig     `json:"config"`
	Plan             []SubQuestion `json:"plan,omitempty"`
	Findings         []Finding     `json:"findings,omitempty"`
	Sources          []Source      `json:"sources,omitempty"`
	GapReport        *GapReport    `json:"gap_report,omitempty"`
	Iteration        int           `json:"iteration"`
	FinderRetryCount int           `json:"finder_retry_count"`
	Status           Status        `json:"status"`
	FinalReport      *FinalReport  `json:"final_report,omitempty"`
	Error            string        `json:"error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// SessionSummary is the listing projection of a session.
type SessionSummary struct {
	ID        string    `json:"id"`
	Query     string    `json:"query"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary projects the session onto its listing shape.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{ID: s.ID, Query: s.Query, Status: s.Status, CreatedAt: s.CreatedAt}
}

// Clone returns a deep copy, used to hand stages an immutable snapshot.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Plan != nil {
		out.Plan = make([]SubQuestion, len(s.Plan))
		copy(out.Plan, s.Plan)
		for i := range out.Plan {
			out.Plan[i].Keywords = append([]string(nil), s.Plan[i].Keywords...)
		}
	}
	if s.Findings != nil {
		out.Findings = make([]Finding, len(s.Findings))
		copy(out.Findings, s.Findings)
		for i := range out.Findings {
			out.Findings[i].KeyFacts = append([]string(nil), s.Findings[i].KeyFacts...)
		}
	}
	if s.Sources != nil {
		out.Sources = append([]Source(nil), s.Sources...)
	}
	if s.GapReport != nil {
		gr := *s.GapReport
		gr.Gaps = append([]Gap(nil), s.GapReport.Gaps...)
		out.GapReport = &gr
	}
	if s.FinalReport != nil {
		fr := *s.FinalReport
		fr.Sections = append([]ReportSection(nil), s.FinalReport.Sections...)
		fr.SourcesUsed = append([]Source(nil), s.FinalReport.SourcesUsed...)
		out.FinalReport = &fr
	}
	return &out
}

// HasKeyFacts reports whether any finding carries at least one key fact.
func HasKeyFacts(findings []Finding) bool {
	for _, f := range findings {
		if len(f.KeyFacts) > 0 {
			return true
		}
	}
	return false
}

// MergeSources appends sources not already present, deduplicating by URL.
// Existing entries keep their position so the set grows monotonically.
func MergeSources(existing, incoming []Source) []Source {
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[s.URL] = true
	}
	out := existing
	for _, s := range incoming {
		url := strings.TrimSpace(s.URL)
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		s.URL = url
		out = append(out, s)
	}
	return out
}
