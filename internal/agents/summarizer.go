package agents

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/hec-ovi/open-research/internal/research"
)

const summarizerSystemPrompt = `You are a research summarization assistant. You are given the content of one web page and the list of sub-questions a research plan is trying to answer.

RULES:
1. Extract only facts actually stated in the page content
2. Pick the single sub-question the page is most relevant to
3. Score relevance between 0.0 and 1.0
4. If the page answers nothing, return an empty key_facts array

RESPONSE FORMAT:
Respond ONLY with valid JSON in the following format:
{
  "sub_question_id": "id of the most relevant sub-question",
  "summary": "two or three sentence summary of the page",
  "key_facts": ["fact one", "fact two"],
  "relevance_score": 0.8
}
Do not include any other text or explanation.`

// Summarizer extracts findings from sources that have no finding yet.
type Summarizer struct {
	llm    LLMProvider
	fetch  ContentFetcher
	logger *log.Logger
}

// NewSummarizer creates the summarizer stage.
func NewSummarizer(llm LLMProvider, fetch ContentFetcher, logger *log.Logger) *Summarizer {
	if logger == nil {
		logger = log.Default()
	}
	return &Summarizer{llm: llm, fetch: fetch, logger: logger}
}

func (s *Summarizer) Name() research.StageName { return research.StageSummarizer }

// Run fetches each unsummarized source, extracts key facts via the model
// and appends findings. Producing no key facts at all is a retryable-empty
// result; the appended summaries are still kept.
func (s *Summarizer) Run(ctx context.Context, in research.StageInput) research.StageOutput {
	summarized := make(map[string]bool, len(in.Session.Findings))
	for _, f := range in.Session.Findings {
		summarized[f.SourceURL] = true
	}

	var questionLines []string
	for _, sq := range in.Session.Plan {
		questionLines = append(questionLines, fmt.Sprintf("- %s: %s", sq.ID, sq.Question))
	}
	questions := strings.Join(questionLines, "\n")

	var findings []research.Finding
	for _, src := range in.Session.Sources {
		if summarized[src.URL] {
			continue
		}
		if ctx.Err() != nil {
			return research.Fatal(ctx.Err())
		}

		page, err := s.fetch.Fetch(ctx, src.URL)
		if err != nil {
			s.logger.Printf("skipping source %s: %v", src.URL, err)
			continue
		}
		if strings.TrimSpace(page.Text) == "" {
			s.logger.Printf("skipping source %s: no readable content", src.URL)
			continue
		}

		userPrompt := fmt.Sprintf("SUB-QUESTIONS:\n%s\n\nPAGE TITLE: %s\nPAGE URL: %s\n\nPAGE CONTENT:\n%s\n",
			questions, src.Title, src.URL, page.Text)

		reply, err := s.llm.Complete(ctx, []Message{
			{Role: "system", Content: summarizerSystemPrompt},
			{Role: "user", Content: userPrompt},
		})
		if err != nil {
			if ctx.Err() != nil {
				return research.Fatal(ctx.Err())
			}
			s.logger.Printf("summarization failed for %s: %v", src.URL, err)
			continue
		}

		var parsed struct {
			SubQuestionID  string   `json:"sub_question_id"`
			Summary        string   `json:"summary"`
			KeyFacts       []string `json:"key_facts"`
			RelevanceScore float64  `json:"relevance_score"`
		}
		if err := decodeJSONResponse(reply, &parsed); err != nil {
			s.logger.Printf("unparseable summary for %s: %v", src.URL, err)
			continue
		}

		findings = append(findings, research.Finding{
			SubQuestionID:  parsed.SubQuestionID,
			SourceURL:      src.URL,
			SourceTitle:    src.Title,
			Reliability:    src.Reliability,
			Summary:        strings.TrimSpace(parsed.Summary),
			KeyFacts:       parsed.KeyFacts,
			RelevanceScore: parsed.RelevanceScore,
		})
	}

	tag := research.TagOK
	if !research.HasKeyFacts(findings) {
		tag = research.TagRetryableEmpty
	}
	s.logger.Printf("summarized %d sources for session %s (tag=%s)", len(findings), in.Session.ID, tag)
	return research.StageOutput{
		Delta: research.Delta{Findings: findings},
		Tag:   tag,
	}
}
