package security

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/open-policy-agent/opa/rego"
)

// DefaultAuthzRego mirrors Gate so that a policy file can start from the built-in rule.
const DefaultAuthzRego = `
package docstore.authz

import future.keywords.if
import future.keywords.in

default allow = false

allow if {
    input.admin_role in input.caller.roles
}

allow if {
    input.service_group in input.caller.groups
}

reason := sprintf("permission denied, user '%s' must be an %s or be in group '%s'", [input.caller.user_id, input.admin_role, input.service_group]) if {
    not allow
}
`

const authzQuery = "data.docstore.authz"

// PolicyGate evaluates connection-creation requests against a Rego policy. The
// policy package must be docstore.authz and define a boolean allow and an
// optional string reason.
type PolicyGate struct {
	mu     sync.RWMutex
	query  *rego.PreparedEvalQuery
	source string
	gate   Gate
}

// NewPolicyGate loads the policy from policyFile, or DefaultAuthzRego when policyFile is empty.
// gate supplies the admin role and service group handed to the policy as input.
func NewPolicyGate(ctx context.Context, policyFile string, gate Gate) (*PolicyGate, error) {
	src := DefaultAuthzRego
	if policyFile != "" {
		data, err := os.ReadFile(policyFile)
		if err != nil {
			return nil, fmt.Errorf("authz policy: read %s: %w", policyFile, err)
		}
		src = string(data)
	}
	p := &PolicyGate{gate: gate}
	if err := p.Replace(ctx, src); err != nil {
		return nil, err
	}
	log.Info("Authorization policy loaded", "file", policyFile)
	return p, nil
}

// Replace validates and hot-swaps the policy source. Thread-safe.
func (p *PolicyGate) Replace(ctx context.Context, src string) error {
	src = strings.TrimSpace(src)
	if src == "" {
		return fmt.Errorf("authz policy: empty source")
	}
	r := rego.New(
		rego.Query(authzQuery),
		rego.Module("authz.rego", src),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("authz policy: compile: %w", err)
	}
	p.mu.Lock()
	p.query = &pq
	p.source = src
	p.mu.Unlock()
	return nil
}

// Source returns the active policy text.
func (p *PolicyGate) Source() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.source
}

// Authorize implements connections.Authorizer. Evaluation failures deny.
func (p *PolicyGate) Authorize(ctx context.Context, caller Identity) Decision {
	p.mu.RLock()
	q := *p.query
	p.mu.RUnlock()

	input := map[string]any{
		"caller": map[string]any{
			"user_id":   caller.UserID,
			"client_id": caller.ClientID,
			"roles":     setToSlice(caller.Roles),
			"groups":    setToSlice(caller.Groups),
		},
		"admin_role":    p.gate.AdminRole,
		"service_group": p.gate.ServiceGroup,
	}
	results, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		log.Error("Authorization policy evaluation failed", "user", caller.UserID, "err", err)
		return Deny(fmt.Sprintf("permission denied, policy evaluation failed: %v", err))
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Deny(DenialReason(caller.UserID, p.gate.AdminRole, p.gate.ServiceGroup))
	}
	doc, _ := results[0].Expressions[0].Value.(map[string]any)
	if allow, _ := doc["allow"].(bool); allow {
		return Allow()
	}
	reason, _ := doc["reason"].(string)
	if reason == "" {
		reason = DenialReason(caller.UserID, p.gate.AdminRole, p.gate.ServiceGroup)
	}
	return Deny(reason)
}

func setToSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k, ok := range set {
		if ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
