package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/basket/researchd/internal/job"
	"github.com/basket/researchd/internal/policy"
	"github.com/basket/researchd/internal/shared"
)

// Request is one proposed tool invocation submitted to the arbiter.
type Request struct {
	Tool  string
	Input string
	// TargetDomain overrides domain extraction from the input payload. Leave
	// empty to let the arbiter derive it for network-effect tools.
	TargetDomain string
	Policy       job.PolicyConfig
	// Approved marks a call already covered by a resolved human approval;
	// the approval gate is skipped but deny rules still apply.
	Approved bool
	// MaxAttempts caps total attempts for this call, overriding the registry
	// ceiling. Zero uses the registry default.
	MaxAttempts int
}

// Invoke arbitrates and executes one tool call. The policy engine is consulted
// before the capability runs; a denied call is recorded with OutcomeDenied and
// never reaches the tool. Transient failures are retried with exponential
// backoff up to the configured attempt ceiling; permanent failures are not.
//
// The returned ToolCall is always populated, including on error, so callers
// can append it to the job's invocation log.
func (r *Registry) Invoke(ctx context.Context, req Request) (job.ToolCall, error) {
	started := time.Now().UTC()
	call := job.ToolCall{
		Tool:      req.Tool,
		Input:     req.Input,
		StartedAt: started,
	}
	finish := func(err error) (job.ToolCall, error) {
		call.DurationMs = time.Since(started).Milliseconds()
		return call, err
	}

	tool, ok := r.lookupTool(req.Tool)
	if !ok {
		call.Outcome = job.OutcomeFailure
		call.Error = fmt.Sprintf("tool %q is not registered", req.Tool)
		return finish(fmt.Errorf("%w: %q", ErrUnknownTool, req.Tool))
	}
	call.Tool = tool.desc.Name

	if err := validateInput(tool.inputSchema, req.Input); err != nil {
		call.Outcome = job.OutcomeFailure
		call.Error = err.Error()
		return finish(Permanent(fmt.Errorf("tool %s: %w", tool.desc.Name, err)))
	}

	domain := req.TargetDomain
	if domain == "" && tool.desc.Effect == EffectNetwork {
		domain = domainFromInput(req.Input)
	}
	call.TargetDomain = domain

	dec := policy.Evaluate(req.Policy, policy.Action{
		Type:   policy.ActionToolCall,
		Tool:   tool.desc.Name,
		Domain: domain,
	})
	switch dec.Effect {
	case policy.Deny:
		call.Outcome = job.OutcomeDenied
		call.Error = dec.Detail
		r.logger.Warn("tool call denied",
			"trace_id", shared.TraceID(ctx),
			"job_id", shared.JobID(ctx),
			"tool", tool.desc.Name,
			"domain", domain,
			"rule", dec.Rule)
		return finish(fmt.Errorf("%w: %s", ErrDenied, dec.Detail))
	case policy.RequireApproval:
		if !req.Approved {
			call.Outcome = job.OutcomeDenied
			call.Error = dec.Detail
			return finish(fmt.Errorf("%w: %s", ErrApprovalRequired, dec.Detail))
		}
	}

	maxAttempts := r.cfg.MaxAttempts
	if req.MaxAttempts > 0 {
		maxAttempts = req.MaxAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		call.Attempts = attempt
		out, err := r.attempt(ctx, tool, req.Input)
		if err == nil {
			call.Outcome = job.OutcomeSuccess
			call.Output = out.Data
			call.TokensUsed = out.TokensUsed
			call.Citations = stampCitations(out.Citations, started)
			r.logger.Debug("tool call succeeded",
				"trace_id", shared.TraceID(ctx),
				"job_id", shared.JobID(ctx),
				"tool", tool.desc.Name,
				"attempt", attempt,
				"citations", len(call.Citations),
				"tokens_used", out.TokensUsed)
			return finish(nil)
		}
		lastErr = err
		if !transient(err) || attempt == maxAttempts {
			break
		}
		delay := retryDelay(tool.desc.Name+req.Input, attempt, r.cfg.RetryBaseDelay)
		r.logger.Debug("tool call retry",
			"trace_id", shared.TraceID(ctx),
			"tool", tool.desc.Name,
			"attempt", attempt,
			"delay", delay.String(),
			"error", err.Error())
		select {
		case <-ctx.Done():
			call.Outcome = job.OutcomeFailure
			call.Error = ctx.Err().Error()
			return finish(ctx.Err())
		case <-time.After(delay):
		}
	}

	call.Outcome = job.OutcomeFailure
	call.Error = lastErr.Error()
	return finish(fmt.Errorf("tool %s: %w", tool.desc.Name, lastErr))
}

func (r *Registry) attempt(ctx context.Context, tool *registeredTool, input string) (Output, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return tool.capability.Invoke(attemptCtx, input)
}

// domainFromInput pulls a target domain out of a JSON input payload, checking
// the conventional url and domain fields.
func domainFromInput(input string) string {
	var payload struct {
		URL    string `json:"url"`
		Domain string `json:"domain"`
	}
	if err := json.Unmarshal([]byte(input), &payload); err != nil {
		return ""
	}
	if payload.Domain != "" {
		return policy.TargetDomain(payload.Domain)
	}
	return policy.TargetDomain(payload.URL)
}

func stampCitations(citations []job.Citation, seen time.Time) []job.Citation {
	for i := range citations {
		if citations[i].FirstSeen.IsZero() {
			citations[i].FirstSeen = seen
		}
	}
	return citations
}

// retryDelay computes exponential backoff with deterministic jitter so retry
// timing is reproducible for a given call.
func retryDelay(key string, attempt int, base time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			delay = retryMaxDelay
			break
		}
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	jitter := time.Duration(h.Sum32()%1000) * time.Millisecond
	delay += jitter
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}
