package research

import (
	"regexp"
	"strconv"
	"strings"
)

// Citations are markdown links of the form [🔗 Title](URL). Older drafts may
// still carry numeric [N] markers pointing at the Nth finding.
var (
	linkCitationPattern    = regexp.MustCompile(`\[🔗[^\]]*\]\(([^)]+)\)`)
	numericCitationPattern = regexp.MustCompile(`\[(\d+)\]`)
)

// ValidateReport post-processes a drafted report so that every inline citation
// references a source actually present in the accumulated set. Invalid
// citations are stripped in place, leaving the surrounding prose intact.
// SourcesUsed is forced to a subset of the accumulated sources; when usedOnly
// is set it is further reduced to sources still referenced by the text.
//
// The function is deterministic and side-effect-free: the same report and
// source set always produce the same output.
func ValidateReport(report FinalReport, sources []Source, findings []Finding, usedOnly bool) FinalReport {
	valid := make(map[string]Source, len(sources))
	for _, s := range sources {
		if s.URL != "" {
			valid[s.URL] = s
		}
	}

	referenced := make(map[string]bool)
	fix := func(text string) string {
		text = convertNumericCitations(text, findings, valid)
		return linkCitationPattern.ReplaceAllStringFunc(text, func(match string) string {
			url := linkCitationPattern.FindStringSubmatch(match)[1]
			if _, ok := valid[url]; ok {
				referenced[url] = true
				return match
			}
			return ""
		})
	}

	report.ExecutiveSummary = fix(report.ExecutiveSummary)
	for i := range report.Sections {
		report.Sections[i].Content = fix(report.Sections[i].Content)
	}

	used := report.SourcesUsed
	if len(used) == 0 {
		used = sourcesFromFindings(findings, valid)
	}
	kept := make([]Source, 0, len(used))
	seen := make(map[string]bool, len(used))
	for _, s := range used {
		if _, ok := valid[s.URL]; !ok || seen[s.URL] {
			continue
		}
		if usedOnly && !referenced[s.URL] {
			continue
		}
		seen[s.URL] = true
		kept = append(kept, s)
	}
	report.SourcesUsed = kept

	if report.WordCount == 0 {
		report.WordCount = countWords(report)
	}
	return report
}

// convertNumericCitations rewrites legacy [N] markers into link citations when
// the Nth finding maps onto a known source; otherwise the marker is dropped.
func convertNumericCitations(text string, findings []Finding, valid map[string]Source) string {
	return numericCitationPattern.ReplaceAllStringFunc(text, func(match string) string {
		n, err := strconv.Atoi(numericCitationPattern.FindStringSubmatch(match)[1])
		if err != nil || n < 1 || n > len(findings) {
			return ""
		}
		f := findings[n-1]
		if _, ok := valid[f.SourceURL]; !ok {
			return ""
		}
		title := f.SourceTitle
		if title == "" {
			title = "Source " + strconv.Itoa(n)
		}
		return "[🔗 " + title + "](" + f.SourceURL + ")"
	})
}

func sourcesFromFindings(findings []Finding, valid map[string]Source) []Source {
	var out []Source
	seen := make(map[string]bool)
	for _, f := range findings {
		if f.SourceURL == "" || seen[f.SourceURL] {
			continue
		}
		src, ok := valid[f.SourceURL]
		if !ok {
			continue
		}
		seen[f.SourceURL] = true
		out = append(out, src)
	}
	return out
}

func countWords(report FinalReport) int {
	total := len(strings.Fields(report.ExecutiveSummary))
	for _, sec := range report.Sections {
		total += len(strings.Fields(sec.Content))
	}
	return total
}
