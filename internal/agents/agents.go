package agents

import (
	"log"

	"github.com/hec-ovi/open-research/internal/research"
)

// NewStageSet wires the five stages around shared providers. The providers
// are stateless and safe to share across concurrent sessions.
func NewStageSet(llm LLMProvider, search SearchProvider, fetch ContentFetcher, logger *log.Logger) research.StageSet {
	return research.StageSet{
		Planner:    NewPlanner(llm, logger),
		Finder:     NewFinder(search, logger),
		Summarizer: NewSummarizer(llm, fetch, logger),
		Reviewer:   NewReviewer(llm, logger),
		Writer:     NewWriter(llm, logger),
	}
}
