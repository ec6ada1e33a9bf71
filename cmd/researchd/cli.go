package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/researchd/internal/config"
	"github.com/basket/researchd/internal/job"
	"github.com/basket/researchd/internal/persistence"
	"github.com/basket/researchd/internal/service"
)

// openService opens the store read-write against the daemon's database.
// WAL mode lets the CLI and a running daemon share the file.
func openService() (*service.Service, func(), error) {
	homeDir := config.HomeDir()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create researchd home: %w", err)
	}
	store, err := persistence.Open(filepath.Join(homeDir, "researchd.db"), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return service.New(store, logger), func() { _ = store.Close() }, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func cliError(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}

func runSubmitCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	task := fs.String("task", "", "research task description (required)")
	budget := fs.Int("budget-tokens", 0, "token budget, 0 = unlimited")
	timeLimit := fs.Int("time-limit", 0, "wall-clock limit in minutes, 0 = unlimited")
	domains := fs.String("domains", "", "comma-separated allowed domain patterns, e.g. *.gov,arxiv.org")
	requireCitations := fs.Bool("require-citations", true, "enforce the citation floor before reporting")
	minCitations := fs.Int("min-citations", 0, "citation floor, 0 = default")
	requireApproval := fs.Bool("require-approval", false, "gate report export behind human approval")
	allowPartial := fs.Bool("allow-partial", false, "report partial results on budget/time exhaustion")
	_ = fs.Parse(args)

	var allowed []string
	for _, d := range strings.Split(*domains, ",") {
		if d = strings.TrimSpace(d); d != "" {
			allowed = append(allowed, d)
		}
	}

	svc, done, err := openService()
	if err != nil {
		return cliError(err)
	}
	defer done()

	resp, err := svc.Submit(ctx, service.SubmitRequest{
		Task: *task,
		Constraints: job.Constraints{
			BudgetTokens: *budget,
			TimeLimitMin: *timeLimit,
		},
		Policy: job.PolicyConfig{
			AllowedDomains:       allowed,
			RequireCitations:     *requireCitations,
			RequireHumanApproval: *requireApproval,
			MinCitations:         *minCitations,
			AllowPartial:         *allowPartial,
		},
	})
	if err != nil {
		return cliError(err)
	}
	printJSON(resp)
	return 0
}

func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	history := fs.Int("history", 0, "include the last n lifecycle events")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: researchd status <job-id> [-history n]")
		return 2
	}
	jobID := fs.Arg(0)

	svc, done, err := openService()
	if err != nil {
		return cliError(err)
	}
	defer done()

	status, err := svc.Status(ctx, jobID)
	if err != nil {
		return cliError(err)
	}
	printJSON(status)

	if *history > 0 {
		events, err := svc.History(ctx, jobID, *history)
		if err != nil {
			return cliError(err)
		}
		printJSON(events)
	}
	return 0
}

func runApprovalsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("approvals", flag.ExitOnError)
	_ = fs.Parse(args)

	svc, done, err := openService()
	if err != nil {
		return cliError(err)
	}
	defer done()

	pending, err := svc.PendingApprovals(ctx)
	if err != nil {
		return cliError(err)
	}
	if len(pending) == 0 {
		fmt.Println("no pending approvals")
		return 0
	}
	printJSON(pending)
	return 0
}

func runResolveCommand(ctx context.Context, approved bool, args []string) int {
	name := "deny"
	if approved {
		name = "approve"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	approver := fs.String("approver", "", "who is deciding (required)")
	comment := fs.String("comment", "", "optional decision comment")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: researchd %s <job-id> -approver <name> [-comment text]\n", name)
		return 2
	}

	svc, done, err := openService()
	if err != nil {
		return cliError(err)
	}
	defer done()

	if err := svc.ResolveApproval(ctx, service.ApprovalResolution{
		JobID:    fs.Arg(0),
		Approver: *approver,
		Approved: approved,
		Comment:  *comment,
	}); err != nil {
		return cliError(err)
	}
	fmt.Printf("%s recorded for job %s\n", name, fs.Arg(0))
	return 0
}

func runCancelCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: researchd cancel <job-id>")
		return 2
	}

	svc, done, err := openService()
	if err != nil {
		return cliError(err)
	}
	defer done()

	if err := svc.Cancel(ctx, fs.Arg(0)); err != nil {
		return cliError(err)
	}
	fmt.Printf("cancellation requested for job %s\n", fs.Arg(0))
	return 0
}
