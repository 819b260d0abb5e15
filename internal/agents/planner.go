package agents

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/hec-ovi/open-research/internal/research"
)

const plannerSystemPrompt = `You are a research planning assistant. Your role is to decompose a research query into focused sub-questions that together cover the topic.

RULES:
1. Produce between 3 and 6 sub-questions
2. Each sub-question must be independently answerable via web search
3. Order sub-questions from most to least important
4. Include search keywords for each sub-question

RESPONSE FORMAT:
Respond ONLY with valid JSON in the following format:
{
  "sub_questions": [
    {
      "question": "the sub-question text",
      "rationale": "why this matters for the query",
      "keywords": ["search", "keywords"],
      "priority": 1
    }
  ]
}
Do not include any other text or explanation.`

// Planner decomposes the session query into a research plan.
type Planner struct {
	llm    LLMProvider
	logger *log.Logger
}

// NewPlanner creates the planner stage.
func NewPlanner(llm LLMProvider, logger *log.Logger) *Planner {
	if logger == nil {
		logger = log.Default()
	}
	return &Planner{llm: llm, logger: logger}
}

func (p *Planner) Name() research.StageName { return research.StagePlanner }

// Run asks the model for a plan and replaces the session plan wholesale.
func (p *Planner) Run(ctx context.Context, in research.StageInput) research.StageOutput {
	userPrompt := fmt.Sprintf("RESEARCH QUERY: %q\n", in.Session.Query)
	if gr := in.Session.GapReport; gr != nil && len(gr.Gaps) > 0 {
		var gaps []string
		for _, g := range gr.Gaps {
			gaps = append(gaps, "- "+g.Description)
		}
		userPrompt += fmt.Sprintf("\nA previous research pass left these coverage gaps. Focus the new plan on closing them:\n%s\n", strings.Join(gaps, "\n"))
	}

	reply, err := p.llm.Complete(ctx, []Message{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: userPrompt},
	})
	if err != nil {
		return research.Fatal(fmt.Errorf("planner: %w", err))
	}

	var parsed struct {
		SubQuestions []struct {
			Question  string   `json:"question"`
			Rationale string   `json:"rationale"`
			Keywords  []string `json:"keywords"`
			Priority  int      `json:"priority"`
		} `json:"sub_questions"`
	}
	if err := decodeJSONResponse(reply, &parsed); err != nil {
		return research.Fatal(fmt.Errorf("planner: %w", err))
	}

	var plan []research.SubQuestion
	for i, sq := range parsed.SubQuestions {
		q := strings.TrimSpace(sq.Question)
		if q == "" {
			continue
		}
		priority := sq.Priority
		if priority <= 0 {
			priority = i + 1
		}
		plan = append(plan, research.SubQuestion{
			ID:        fmt.Sprintf("sq-%d-%d", in.Session.Iteration, i+1),
			Question:  q,
			Rationale: strings.TrimSpace(sq.Rationale),
			Keywords:  sq.Keywords,
			Priority:  priority,
		})
	}
	if len(plan) == 0 {
		return research.Fatal(fmt.Errorf("planner produced no sub-questions"))
	}

	p.logger.Printf("planned %d sub-questions for session %s", len(plan), in.Session.ID)
	return research.StageOutput{
		Delta: research.Delta{Plan: plan},
		Tag:   research.TagOK,
	}
}
