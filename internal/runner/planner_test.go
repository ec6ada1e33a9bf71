package runner

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/basket/researchd/internal/job"
	"github.com/basket/researchd/internal/tools"
)

func TestSearchPlanner_PlanFansOutAcrossDomains(t *testing.T) {
	p := &SearchPlanner{}
	j := &job.Job{
		ID:   "j1",
		Task: "summarize grid-scale battery deployments",
		Policy: job.PolicyConfig{
			AllowedDomains: []string{"*.gov", "iea.org"},
		},
	}

	plan, err := p.Plan(context.Background(), j)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Subtasks) != 2 {
		t.Fatalf("expected 2 subtasks, got %d", len(plan.Subtasks))
	}
	first := plan.Subtasks[0]
	if first.Tool != "web_search" || !first.Critical {
		t.Fatalf("first subtask: %+v", first)
	}
	if first.TargetDomain != "gov" {
		t.Fatalf("target domain = %q", first.TargetDomain)
	}
	var in tools.SearchInput
	if err := json.Unmarshal([]byte(first.Input), &in); err != nil {
		t.Fatalf("parse input: %v", err)
	}
	if in.Query != j.Task || in.Domain != "*.gov" {
		t.Fatalf("input = %+v", in)
	}
	if plan.Subtasks[1].Critical {
		t.Fatal("only the first search should be critical")
	}
}

func TestSearchPlanner_PlanWithoutAllowlist(t *testing.T) {
	p := &SearchPlanner{}
	plan, err := p.Plan(context.Background(), &job.Job{ID: "j2", Task: "open question"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Subtasks) != 1 {
		t.Fatalf("expected 1 subtask, got %d", len(plan.Subtasks))
	}
	if plan.Subtasks[0].TargetDomain != "" {
		t.Fatalf("unexpected target domain %q", plan.Subtasks[0].TargetDomain)
	}
}

func TestSearchPlanner_PlanRejectsEmptyTask(t *testing.T) {
	p := &SearchPlanner{}
	if _, err := p.Plan(context.Background(), &job.Job{ID: "j3", Task: "   "}); err == nil {
		t.Fatal("expected error for empty task")
	}
}

func TestSearchPlanner_RefineFollowsUnreadCitations(t *testing.T) {
	p := &SearchPlanner{MaxFollowUps: 2}
	st := job.NewState(time.Now())
	st.Plan = &job.Plan{Subtasks: []job.Subtask{{ID: "search-1", Status: job.SubtaskSucceeded}}}
	st.Findings = []job.Finding{{
		SubtaskID: "search-1",
		Citations: []job.Citation{
			{URL: "https://www.nasa.gov/a"},
			{URL: "https://www.nasa.gov/b"},
			{URL: "https://www.nasa.gov/a"}, // duplicate
			{URL: "https://www.nasa.gov/c"}, // beyond the follow-up cap
		},
	}}
	readInput, _ := json.Marshal(tools.ReadInput{URL: "https://www.nasa.gov/b"})
	st.ToolCalls = []job.ToolCall{{
		Tool:    "read_url",
		Input:   string(readInput),
		Outcome: job.OutcomeSuccess,
	}}

	plan, err := p.Refine(context.Background(), &job.Job{ID: "j4", Task: "t"}, st)
	if err != nil {
		t.Fatalf("refine: %v", err)
	}
	// /a and /c are unread; /b already read, /a deduplicated.
	if len(plan.Subtasks) != 2 {
		t.Fatalf("expected 2 follow-ups, got %d: %+v", len(plan.Subtasks), plan.Subtasks)
	}
	for _, sub := range plan.Subtasks {
		if sub.Tool != "read_url" || sub.Critical {
			t.Fatalf("unexpected follow-up: %+v", sub)
		}
		if !strings.HasPrefix(sub.ID, "read-") {
			t.Fatalf("unexpected id %q", sub.ID)
		}
	}
}

func TestSearchPlanner_RefineEmptyWhenFullyCovered(t *testing.T) {
	p := &SearchPlanner{}
	st := job.NewState(time.Now())
	readInput, _ := json.Marshal(tools.ReadInput{URL: "https://www.nasa.gov/a"})
	st.Findings = []job.Finding{{Citations: []job.Citation{{URL: "https://www.nasa.gov/a"}}}}
	st.ToolCalls = []job.ToolCall{{Tool: "read_url", Input: string(readInput), Outcome: job.OutcomeSuccess}}

	plan, err := p.Refine(context.Background(), &job.Job{ID: "j5"}, st)
	if err != nil {
		t.Fatalf("refine: %v", err)
	}
	if len(plan.Subtasks) != 0 {
		t.Fatalf("expected empty refinement, got %d", len(plan.Subtasks))
	}
}
