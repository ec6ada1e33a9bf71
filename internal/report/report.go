// Package report assembles the terminal research artifact: a markdown report
// built from findings and citations, plus the quality metrics attached to the
// job result.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/basket/researchd/internal/job"
	"github.com/basket/researchd/internal/policy"
)

// Metrics are the quality measurements computed at assembly time.
type Metrics struct {
	// Confidence is the fraction of attempted tool calls that succeeded.
	Confidence float64 `json:"confidence"`
	// CitationCoverage is citations gathered over the required floor, capped
	// at 1.0.
	CitationCoverage float64 `json:"citation_coverage"`
	// Quality is the blended score: 0.5 confidence + 0.3 coverage + 0.2 for a
	// non-empty summary.
	Quality float64 `json:"quality"`
}

// ComputeMetrics derives the quality metrics from the finished working state.
func ComputeMetrics(pol job.PolicyConfig, st *job.State) Metrics {
	var m Metrics

	attempted, succeeded := 0, 0
	for _, tc := range st.ToolCalls {
		if tc.Outcome == job.OutcomeDenied {
			continue
		}
		attempted++
		if tc.Outcome == job.OutcomeSuccess {
			succeeded++
		}
	}
	if attempted > 0 {
		m.Confidence = float64(succeeded) / float64(attempted)
	}

	m.CitationCoverage = policy.CitationCoverage(pol, len(st.Citations()), len(st.Findings))

	summaryScore := 0.0
	if len(st.Findings) > 0 {
		summaryScore = 1.0
	}
	m.Quality = 0.5*m.Confidence + 0.3*m.CitationCoverage + 0.2*summaryScore
	return m
}

// Assemble builds the job result from the working state. The markdown report
// carries every finding with its citations; the summary is a one-paragraph
// digest of the verified findings.
func Assemble(j *job.Job, st *job.State, now time.Time) *job.Result {
	metrics := ComputeMetrics(j.Policy, st)
	citations := st.Citations()

	result := &job.Result{
		Summary:         summarize(j.Task, st),
		Findings:        st.Findings,
		Citations:       citations,
		ConfidenceScore: metrics.Confidence,
		Partial:         st.Partial,
	}
	result.Report = render(j, st, citations, metrics, now)
	return result
}

func summarize(task string, st *job.State) string {
	if len(st.Findings) == 0 {
		return fmt.Sprintf("No verified findings were gathered for: %s", task)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Research on %q produced %d finding(s)", task, len(st.Findings))
	if n := len(st.Citations()); n > 0 {
		fmt.Fprintf(&b, " backed by %d citation(s)", n)
	}
	b.WriteString(".")
	if st.Partial {
		b.WriteString(" Results are partial: the budget or time limit was reached before full coverage.")
	}
	return b.String()
}

func render(j *job.Job, st *job.State, citations []job.Citation, metrics Metrics, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Research Report\n\n")
	fmt.Fprintf(&b, "**Task:** %s\n\n", j.Task)
	fmt.Fprintf(&b, "**Generated:** %s\n\n", now.UTC().Format(time.RFC3339))
	if st.Partial {
		b.WriteString("> **Note:** this report is partial; the budget or time limit was exhausted.\n\n")
	}

	b.WriteString("## Summary\n\n")
	b.WriteString(summarize(j.Task, st))
	b.WriteString("\n\n")

	b.WriteString("## Findings\n\n")
	if len(st.Findings) == 0 {
		b.WriteString("No verified findings.\n\n")
	}
	for i, f := range st.Findings {
		fmt.Fprintf(&b, "### %d. %s\n\n", i+1, f.Summary)
		if f.Data != "" {
			b.WriteString(f.Data)
			b.WriteString("\n\n")
		}
		if len(f.Citations) > 0 {
			b.WriteString("Sources:")
			for _, c := range f.Citations {
				fmt.Fprintf(&b, " [%s]", c.URL)
			}
			b.WriteString("\n\n")
		}
	}

	if len(citations) > 0 {
		b.WriteString("## Citations\n\n")
		for i, c := range citations {
			title := c.Title
			if title == "" {
				title = c.URL
			}
			fmt.Fprintf(&b, "%d. [%s](%s)", i+1, title, c.URL)
			if c.Passage != "" {
				fmt.Fprintf(&b, " — %s", c.Passage)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("## Quality\n\n")
	fmt.Fprintf(&b, "- Confidence: %.2f\n", metrics.Confidence)
	fmt.Fprintf(&b, "- Citation coverage: %.2f\n", metrics.CitationCoverage)
	fmt.Fprintf(&b, "- Overall quality: %.2f\n", metrics.Quality)
	fmt.Fprintf(&b, "- Tokens used: %d\n", st.TokensUsed)

	return b.String()
}
