package agents

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/hec-ovi/open-research/internal/research"
)

const writerSystemPrompt = `You are a research report writer. Synthesize the provided findings into a professional, well-cited report.

CITATION FORMAT (CRITICAL - USE MARKDOWN LINKS):
Cite sources inline as [🔗 Source Title](Source URL). Only cite URLs that appear in the provided findings.

RESPONSE FORMAT:
Respond ONLY with valid JSON in the following format:
{
  "title": "report title",
  "executive_summary": "two paragraph summary with citations",
  "sections": [
    {"heading": "section heading", "content": "section body with citations"}
  ],
  "confidence_assessment": "one paragraph on how confident the findings are",
  "word_count": 1200
}
Do not include any other text or explanation.`

var reportLengthWords = map[research.ReportLength]int{
	research.ReportShort:  600,
	research.ReportMedium: 1200,
	research.ReportLong:   2500,
}

// Writer synthesizes the accumulated findings into the final report.
type Writer struct {
	llm    LLMProvider
	logger *log.Logger
}

// NewWriter creates the writer stage.
func NewWriter(llm LLMProvider, logger *log.Logger) *Writer {
	if logger == nil {
		logger = log.Default()
	}
	return &Writer{llm: llm, logger: logger}
}

func (w *Writer) Name() research.StageName { return research.StageWriter }

// Run drafts the report. A model reply that is not valid JSON is kept as a
// raw markdown report rather than failing the session.
func (w *Writer) Run(ctx context.Context, in research.StageInput) research.StageOutput {
	if len(in.Session.Findings) == 0 {
		w.logger.Printf("no findings for session %s, emitting degraded report", in.Session.ID)
		return research.StageOutput{
			Delta: research.Delta{Report: degradedReport(in.Session.Query)},
			Tag:   research.TagOK,
		}
	}

	reply, err := w.llm.Complete(ctx, []Message{
		{Role: "system", Content: writerSystemPrompt},
		{Role: "user", Content: w.buildContext(in)},
	})
	if err != nil {
		return research.Fatal(fmt.Errorf("writer: %w", err))
	}

	var report research.FinalReport
	if err := decodeJSONResponse(reply, &report); err != nil {
		w.logger.Printf("writer reply for session %s is not JSON, using raw markdown fallback", in.Session.ID)
		report = rawMarkdownReport(reply)
	}
	if report.Title == "" {
		report.Title = "Research Report"
	}
	if report.ExecutiveSummary == "" {
		report.ExecutiveSummary = "No executive summary generated."
	}
	if report.ConfidenceAssessment == "" {
		report.ConfidenceAssessment = "Confidence not assessed."
	}

	return research.StageOutput{
		Delta: research.Delta{Report: &report},
		Tag:   research.TagOK,
	}
}

// buildContext lays out the query, plan, findings and gap analysis the way
// the model expects, with an explicit citation per finding.
func (w *Writer) buildContext(in research.StageInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Original Research Query\n%s\n\n", in.Session.Query)

	b.WriteString("## Research Plan (Sub-Questions)\n")
	for i, sq := range in.Session.Plan {
		fmt.Fprintf(&b, "%d. %s\n", i+1, sq.Question)
	}

	fmt.Fprintf(&b, "\n## Research Findings (%d sources)\n\n", len(in.Session.Findings))
	for i, f := range in.Session.Findings {
		fmt.Fprintf(&b, "### Finding %d\n", i+1)
		fmt.Fprintf(&b, "**Source URL**: %s\n", f.SourceURL)
		fmt.Fprintf(&b, "**Source Title**: %s\n", f.SourceTitle)
		fmt.Fprintf(&b, "**Citation to use**: [🔗 %s](%s)\n", f.SourceTitle, f.SourceURL)
		fmt.Fprintf(&b, "**Reliability**: %s\n", f.Reliability)
		fmt.Fprintf(&b, "\n**Summary**: %s\n", f.Summary)
		if len(f.KeyFacts) > 0 {
			b.WriteString("\n**Key Facts**:\n")
			for _, fact := range f.KeyFacts {
				fmt.Fprintf(&b, "- %s\n", fact)
			}
		}
		fmt.Fprintf(&b, "\n*Relevance: %.2f*\n\n", f.RelevanceScore)
	}

	if gr := in.Session.GapReport; gr != nil && len(gr.Gaps) > 0 {
		b.WriteString("## Gap Analysis\n")
		fmt.Fprintf(&b, "**Confidence**: %.2f, **Coverage**: %.2f\n\n", gr.Confidence, gr.Coverage)
		for _, g := range gr.Gaps {
			fmt.Fprintf(&b, "- **%s** (%s): %s\n", g.Type, g.Severity, g.Description)
		}
		b.WriteString("\n")
	}

	target := reportLengthWords[in.Config.ReportLength]
	if target == 0 {
		target = reportLengthWords[research.ReportMedium]
	}
	fmt.Fprintf(&b, "Target report length: approximately %d words.\n", target)
	return b.String()
}

// rawMarkdownReport wraps a non-JSON model reply as a single-section report.
func rawMarkdownReport(content string) research.FinalReport {
	content = strings.TrimSpace(content)
	summary := content
	if len(summary) > 500 {
		summary = summary[:500]
	}
	return research.FinalReport{
		Title:                "Research Report",
		ExecutiveSummary:     summary,
		Sections:             []research.ReportSection{{Heading: "Findings", Content: content}},
		ConfidenceAssessment: "Unable to assess confidence due to parsing error",
		WordCount:            len(strings.Fields(content)),
	}
}

// degradedReport is the terminal shape when research produced no findings.
func degradedReport(query string) *research.FinalReport {
	return &research.FinalReport{
		Title:                "Research Report",
		ExecutiveSummary:     fmt.Sprintf("No research findings could be gathered for the query %q.", query),
		Sections:             []research.ReportSection{},
		ConfidenceAssessment: "Failed - insufficient data",
		WordCount:            0,
	}
}
