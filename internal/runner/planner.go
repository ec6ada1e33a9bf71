package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/researchd/internal/job"
	"github.com/basket/researchd/internal/tools"
)

// SearchPlanner is the built-in planner over the web_search and read_url
// capabilities. The initial plan issues one search per allowed domain (or a
// single open search); refinement follows up on cited pages that have not
// been read yet.
type SearchPlanner struct {
	// MaxSearches caps the initial search fan-out across allowed domains.
	// Default 3.
	MaxSearches int
	// MaxFollowUps caps read_url subtasks added per refinement cycle.
	// Default 3.
	MaxFollowUps int
}

const (
	defaultMaxSearches  = 3
	defaultMaxFollowUps = 3
)

func (p *SearchPlanner) maxSearches() int {
	if p.MaxSearches > 0 {
		return p.MaxSearches
	}
	return defaultMaxSearches
}

func (p *SearchPlanner) maxFollowUps() int {
	if p.MaxFollowUps > 0 {
		return p.MaxFollowUps
	}
	return defaultMaxFollowUps
}

// Plan produces one critical search subtask per allowed domain, or a single
// open search when the job carries no allowlist. The first subtask is
// critical: a job that cannot search at all has nothing to report.
func (p *SearchPlanner) Plan(ctx context.Context, j *job.Job) (*job.Plan, error) {
	task := strings.TrimSpace(j.Task)
	if task == "" {
		return nil, fmt.Errorf("job %s has an empty task", j.ID)
	}

	domains := j.Policy.AllowedDomains
	if len(domains) > p.maxSearches() {
		domains = domains[:p.maxSearches()]
	}
	if len(domains) == 0 {
		domains = []string{""}
	}

	plan := &job.Plan{}
	for i, domain := range domains {
		input, err := json.Marshal(tools.SearchInput{Query: task, Domain: domain})
		if err != nil {
			return nil, fmt.Errorf("encode search input: %w", err)
		}
		desc := "search: " + task
		if domain != "" {
			desc += " (" + domain + ")"
		}
		plan.Subtasks = append(plan.Subtasks, job.Subtask{
			ID:           fmt.Sprintf("search-%d", i+1),
			Description:  desc,
			Tool:         "web_search",
			Input:        string(input),
			TargetDomain: strings.TrimPrefix(domain, "*."),
			Critical:     i == 0,
			Status:       job.SubtaskPending,
			MaxRetries:   2,
		})
	}
	return plan, nil
}

// Refine follows up on cited URLs that have no read_url call yet. An empty
// plan tells the runner coverage cannot improve further.
func (p *SearchPlanner) Refine(ctx context.Context, j *job.Job, st *job.State) (*job.Plan, error) {
	read := make(map[string]bool)
	for _, tc := range st.ToolCalls {
		if tc.Tool != "read_url" {
			continue
		}
		var in tools.ReadInput
		if err := json.Unmarshal([]byte(tc.Input), &in); err == nil {
			read[in.URL] = true
		}
	}

	planned := 0
	if st.Plan != nil {
		planned = len(st.Plan.Subtasks)
	}

	plan := &job.Plan{}
	seen := make(map[string]bool)
	for _, c := range st.Citations() {
		if c.URL == "" || read[c.URL] || seen[c.URL] {
			continue
		}
		seen[c.URL] = true
		input, err := json.Marshal(tools.ReadInput{URL: c.URL})
		if err != nil {
			return nil, fmt.Errorf("encode read input: %w", err)
		}
		plan.Subtasks = append(plan.Subtasks, job.Subtask{
			ID:          fmt.Sprintf("read-%d", planned+len(plan.Subtasks)+1),
			Description: "read: " + c.URL,
			Tool:        "read_url",
			Input:       string(input),
			Status:      job.SubtaskPending,
			MaxRetries:  2,
		})
		if len(plan.Subtasks) >= p.maxFollowUps() {
			break
		}
	}
	return plan, nil
}
