package agents

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"

	"github.com/hec-ovi/open-research/internal/research"
)

// perDomainCap limits sources per domain when diversity is enabled.
const perDomainCap = 2

// Finder discovers web sources for the current plan.
type Finder struct {
	search SearchProvider
	logger *log.Logger
}

// NewFinder creates the finder stage.
func NewFinder(search SearchProvider, logger *log.Logger) *Finder {
	if logger == nil {
		logger = log.Default()
	}
	return &Finder{search: search, logger: logger}
}

func (f *Finder) Name() research.StageName { return research.StageFinder }

// Run searches every sub-question in priority order and merges new sources
// up to the configured cap. Zero new sources is a retryable-empty result.
func (f *Finder) Run(ctx context.Context, in research.StageInput) research.StageOutput {
	plan := append([]research.SubQuestion(nil), in.Session.Plan...)
	sort.SliceStable(plan, func(i, j int) bool { return plan[i].Priority < plan[j].Priority })

	maxSources := in.Config.MaxSources
	if maxSources <= 0 {
		maxSources = 8
	}

	known := make(map[string]bool, len(in.Session.Sources))
	domainCount := make(map[string]int)
	for _, s := range in.Session.Sources {
		known[s.URL] = true
		domainCount[domainOf(s.URL)]++
	}

	var (
		found     []research.Source
		events    []research.Event
		searchErr error
		succeeded bool
	)
	for _, sq := range plan {
		if len(found) >= maxSources {
			break
		}
		query := sq.Question
		if len(sq.Keywords) > 0 {
			query = strings.Join(sq.Keywords, " ")
		}

		results, err := f.search.Search(ctx, query, maxSources)
		if err != nil {
			if ctx.Err() != nil {
				return research.Fatal(ctx.Err())
			}
			f.logger.Printf("search failed for %q: %v", query, err)
			searchErr = errors.Join(searchErr, err)
			continue
		}
		succeeded = true

		for _, r := range results {
			if len(found) >= maxSources {
				break
			}
			link := strings.TrimSpace(r.URL)
			if link == "" || known[link] {
				continue
			}
			domain := domainOf(link)
			if in.Config.SourceDiversity && domainCount[domain] >= perDomainCap {
				continue
			}
			known[link] = true
			domainCount[domain]++
			src := research.Source{
				URL:         link,
				Title:       strings.TrimSpace(r.Title),
				Reliability: reliabilityOf(domain),
			}
			found = append(found, src)
			ev := research.NewEvent(research.EventFinderSource, in.Session.ID, src.Title)
			ev.Details = map[string]interface{}{"url": src.URL, "reliability": src.Reliability}
			events = append(events, ev)
		}
	}

	if len(found) == 0 {
		if !succeeded && searchErr != nil {
			return research.Fatal(fmt.Errorf("finder: all searches failed: %w", searchErr))
		}
		return research.StageOutput{Tag: research.TagRetryableEmpty}
	}

	f.logger.Printf("found %d new sources for session %s", len(found), in.Session.ID)
	return research.StageOutput{
		Delta:  research.Delta{Sources: found},
		Events: events,
		Tag:    research.TagOK,
	}
}

func domainOf(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return "unknown"
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

// reliabilityOf is a coarse domain heuristic; the reviewer weighs it, the
// engine never branches on it.
func reliabilityOf(domain string) string {
	switch {
	case strings.HasSuffix(domain, ".gov"), strings.HasSuffix(domain, ".edu"):
		return "high"
	case strings.HasSuffix(domain, ".org"):
		return "medium"
	default:
		return "medium"
	}
}
