package agents

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/hec-ovi/open-research/internal/research"
)

const reviewerSystemPrompt = `You are a research quality reviewer. You are given a research plan and the findings collected so far. Identify coverage gaps: sub-questions with no findings, thin evidence, or one-sided sourcing.

RULES:
1. Only report a gap when more research would materially improve the answer
2. An empty gaps array means the research is sufficient to write the report
3. coverage is the fraction of sub-questions with solid evidence, 0.0 to 1.0
4. confidence is your confidence in this assessment, 0.0 to 1.0

RESPONSE FORMAT:
Respond ONLY with valid JSON in the following format:
{
  "gaps": [
    {
      "sub_question_id": "id or empty",
      "type": "missing_coverage | thin_evidence | single_source",
      "description": "what is missing",
      "severity": "low | medium | high"
    }
  ],
  "confidence": 0.8,
  "coverage": 0.7
}
Do not include any other text or explanation.`

// Reviewer assesses coverage of the findings against the plan.
type Reviewer struct {
	llm    LLMProvider
	logger *log.Logger
}

// NewReviewer creates the reviewer stage.
func NewReviewer(llm LLMProvider, logger *log.Logger) *Reviewer {
	if logger == nil {
		logger = log.Default()
	}
	return &Reviewer{llm: llm, logger: logger}
}

func (r *Reviewer) Name() research.StageName { return research.StageReviewer }

// Run produces the gap report. Whether the pipeline loops back to the
// planner on gaps is the router's call, not the reviewer's.
func (r *Reviewer) Run(ctx context.Context, in research.StageInput) research.StageOutput {
	var b strings.Builder
	fmt.Fprintf(&b, "RESEARCH QUERY: %q\n\nPLAN:\n", in.Session.Query)
	for _, sq := range in.Session.Plan {
		fmt.Fprintf(&b, "- %s: %s\n", sq.ID, sq.Question)
	}
	fmt.Fprintf(&b, "\nFINDINGS (%d):\n", len(in.Session.Findings))
	for _, f := range in.Session.Findings {
		fmt.Fprintf(&b, "- [%s] %s (%s): %s; %d key facts\n",
			f.SubQuestionID, f.SourceTitle, f.Reliability, f.Summary, len(f.KeyFacts))
	}

	reply, err := r.llm.Complete(ctx, []Message{
		{Role: "system", Content: reviewerSystemPrompt},
		{Role: "user", Content: b.String()},
	})
	if err != nil {
		return research.Fatal(fmt.Errorf("reviewer: %w", err))
	}

	var parsed research.GapReport
	if err := decodeJSONResponse(reply, &parsed); err != nil {
		return research.Fatal(fmt.Errorf("reviewer: %w", err))
	}
	if parsed.Gaps == nil {
		parsed.Gaps = []research.Gap{}
	}

	r.logger.Printf("review for session %s: %d gaps, coverage %.2f", in.Session.ID, len(parsed.Gaps), parsed.Coverage)
	return research.StageOutput{
		Delta: research.Delta{GapReport: &parsed},
		Tag:   research.TagOK,
	}
}
