// Package policy evaluates a job's immutable policy configuration against
// proposed actions. Evaluation is a pure function: rules run in fixed order
// and the first matching terminal rule wins.
package policy

import (
	"net/url"
	"strings"

	"github.com/basket/researchd/internal/job"
)

// Effect is the outcome of evaluating an action against a policy.
type Effect string

const (
	Allow           Effect = "allow"
	Deny            Effect = "deny"
	RequireApproval Effect = "require_approval"
)

// Action types known to the engine.
const (
	ActionToolCall     = "tool_call"
	ActionReportExport = "report_export"
)

// Action is a proposed operation submitted for a policy decision.
type Action struct {
	// Type names the operation class, e.g. tool_call or report_export.
	Type string
	// Tool is the registered tool name for tool_call actions.
	Tool string
	// Domain is the network domain the action reaches, empty when the
	// action has no network effect.
	Domain string
}

// Decision is the result of one evaluation.
type Decision struct {
	Effect Effect
	// Rule names the rule that terminated evaluation.
	Rule string
	// Detail is a human-readable explanation for deny/approval outcomes.
	Detail string
}

// Evaluate runs the fixed rule order against one action:
// domain allowlist, approval-required actions, default allow.
// The citation requirement is a reporting-readiness check, not a per-call
// rule; see CitationsSufficient.
func Evaluate(cfg job.PolicyConfig, act Action) Decision {
	if act.Domain != "" && len(cfg.AllowedDomains) > 0 {
		if !DomainAllowed(cfg.AllowedDomains, act.Domain) {
			return Decision{
				Effect: Deny,
				Rule:   "domain_allowlist",
				Detail: "domain " + act.Domain + " matches no allowlist pattern",
			}
		}
	}
	if requiresApproval(cfg, act.Type) {
		return Decision{
			Effect: RequireApproval,
			Rule:   "approval_required",
			Detail: "action " + act.Type + " requires human approval",
		}
	}
	return Decision{Effect: Allow, Rule: "default_allow"}
}

func requiresApproval(cfg job.PolicyConfig, actionType string) bool {
	if !cfg.RequireHumanApproval {
		return false
	}
	actionType = strings.ToLower(strings.TrimSpace(actionType))
	actions := cfg.ApprovalActions
	if len(actions) == 0 {
		// Report emission is the default gated action.
		actions = []string{ActionReportExport}
	}
	for _, a := range actions {
		if strings.ToLower(strings.TrimSpace(a)) == actionType {
			return true
		}
	}
	return false
}

// DomainAllowed reports whether domain matches any allowlist pattern.
// Patterns are exact hostnames, "*" for everything, or "*.suffix" matching
// the suffix itself and any subdomain of it.
func DomainAllowed(patterns []string, domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return false
	}
	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		switch {
		case pattern == "":
			continue
		case pattern == "*":
			return true
		case strings.HasPrefix(pattern, "*."):
			suffix := strings.TrimPrefix(pattern, "*.")
			if domain == suffix || strings.HasSuffix(domain, "."+suffix) {
				return true
			}
		case domain == pattern:
			return true
		}
	}
	return false
}

// TargetDomain extracts the hostname from a raw URL or bare host string.
// Returns "" when nothing host-like can be parsed.
func TargetDomain(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		// Bare hostname.
		if strings.ContainsAny(raw, " /") {
			return ""
		}
		return strings.ToLower(raw)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// MinCitations resolves the configured citation floor: at least minPerClaim
// per claim and an absolute floor of 3 total by default.
func MinCitations(cfg job.PolicyConfig, claims int) int {
	const (
		defaultTotalFloor = 3
		perClaim          = 1
	)
	floor := cfg.MinCitations
	if floor <= 0 {
		floor = defaultTotalFloor
	}
	if byClaims := claims * perClaim; byClaims > floor {
		floor = byClaims
	}
	return floor
}

// CitationsSufficient is the reporting-readiness check: with
// require_citations set, the reflecting phase must not advance to reporting
// until the accumulated citation count reaches the floor.
func CitationsSufficient(cfg job.PolicyConfig, totalCitations, claims int) bool {
	if !cfg.RequireCitations {
		return true
	}
	return totalCitations >= MinCitations(cfg, claims)
}

// CitationCoverage reports citation sufficiency as a ratio capped at 1.0.
func CitationCoverage(cfg job.PolicyConfig, totalCitations, claims int) float64 {
	if !cfg.RequireCitations {
		return 1.0
	}
	floor := MinCitations(cfg, claims)
	if floor <= 0 {
		return 1.0
	}
	coverage := float64(totalCitations) / float64(floor)
	if coverage > 1.0 {
		coverage = 1.0
	}
	return coverage
}
