// Package router selects upstream providers for chat-completion requests.
//
// Selection is deliberately simple: filter by model support and policy
// constraints, then order ascending by routing cost. Routing cost is the
// integer output_rate + base_fee; input rate is ignored because output
// tokens dominate typical workloads, and base_fee is included so a
// provider with a large per-request fee only wins when its token rate
// offsets it.
package router

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/arbstr/arbstr/internal/config"
)

// Candidate is a provider selected for routing, ordered cheapest first.
type Candidate struct {
	Name       string
	URL        string
	APIKey     *config.Secret
	InputRate  uint64
	OutputRate uint64
	BaseFee    uint64
}

// RoutingCost is the integer cost used to order candidates.
func (c Candidate) RoutingCost() uint64 {
	return c.OutputRate + c.BaseFee
}

// SelectError is a routing failure that maps to a 4xx response.
type SelectError struct {
	Msg string
}

func (e *SelectError) Error() string { return e.Msg }

// Engine holds the immutable provider and policy graph. It is shared
// read-only across all requests.
type Engine struct {
	providers       []config.Provider
	rules           []config.PolicyRule
	defaultStrategy string
}

// New builds an Engine from configuration.
func New(providers []config.Provider, rules []config.PolicyRule, defaultStrategy string) *Engine {
	if defaultStrategy == "" {
		defaultStrategy = config.DefaultStrategy
	}
	return &Engine{
		providers:       providers,
		rules:           rules,
		defaultStrategy: defaultStrategy,
	}
}

// Providers returns all configured providers.
func (e *Engine) Providers() []config.Provider { return e.providers }

// SelectCandidates returns the ordered, deduplicated list of providers
// able to serve model under the resolved policy, cheapest first. The
// returned policy name is "" when no policy matched.
//
// Errors are all *SelectError (client errors): no provider supports the
// model, the policy forbids the model, or no provider meets the policy's
// output-rate ceiling.
func (e *Engine) SelectCandidates(model, policyHint, userPrompt string) ([]Candidate, string, error) {
	policy := e.findPolicy(policyHint, userPrompt)

	var matched []config.Provider
	for _, p := range e.providers {
		// An empty model set advertises support for any model.
		if len(p.Models) == 0 || contains(p.Models, model) {
			matched = append(matched, p)
		}
	}
	if len(matched) == 0 {
		return nil, "", &SelectError{Msg: fmt.Sprintf("no providers available for model %q", model)}
	}

	policyName := ""
	if policy != nil {
		policyName = policy.Name
		if len(policy.AllowedModels) > 0 && !contains(policy.AllowedModels, model) {
			return nil, policyName, &SelectError{
				Msg: fmt.Sprintf("model %q not allowed by policy %q", model, policy.Name),
			}
		}
		if policy.MaxSatsPer1kOut != nil {
			ceiling := *policy.MaxSatsPer1kOut
			filtered := matched[:0]
			for _, p := range matched {
				if p.OutputRate <= ceiling {
					filtered = append(filtered, p)
				}
			}
			matched = filtered
			if len(matched) == 0 {
				return nil, policyName, &SelectError{Msg: "no providers match policy constraints"}
			}
		}
	}

	candidates := make([]Candidate, 0, len(matched))
	for _, p := range matched {
		candidates = append(candidates, Candidate{
			Name:       p.Name,
			URL:        p.URL,
			APIKey:     p.APIKey,
			InputRate:  p.InputRate,
			OutputRate: p.OutputRate,
			BaseFee:    p.BaseFee,
		})
	}

	// Stable sort preserves configuration order for equal routing costs.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].RoutingCost() < candidates[j].RoutingCost()
	})

	// Dedupe by name; after the sort the first occurrence is the cheapest.
	seen := make(map[string]struct{}, len(candidates))
	deduped := candidates[:0]
	for _, c := range candidates {
		if _, ok := seen[c.Name]; ok {
			continue
		}
		seen[c.Name] = struct{}{}
		deduped = append(deduped, c)
	}

	return deduped, policyName, nil
}

// findPolicy resolves the policy for a request: explicit header name
// first, then case-insensitive keyword overlap with the user prompt.
func (e *Engine) findPolicy(policyHint, userPrompt string) *config.PolicyRule {
	if policyHint != "" {
		for i := range e.rules {
			if e.rules[i].Name == policyHint {
				slog.Debug("matched policy by header", slog.String("policy", policyHint))
				return &e.rules[i]
			}
		}
	}

	if userPrompt != "" {
		promptLower := strings.ToLower(userPrompt)
		for i := range e.rules {
			for _, kw := range e.rules[i].Keywords {
				// Substring match; "function" matches inside "malfunction".
				if strings.Contains(promptLower, strings.ToLower(kw)) {
					slog.Debug("matched policy by keyword",
						slog.String("policy", e.rules[i].Name),
						slog.String("keyword", kw))
					return &e.rules[i]
				}
			}
		}
	}

	return nil
}

// ActualCost computes the post-request cost in sats:
// (input·inputRate + output·outputRate)/1000 + baseFee.
// Float64 so sub-sat amounts survive small token counts.
func ActualCost(inputTokens, outputTokens, inputRate, outputRate, baseFee uint64) float64 {
	return (float64(inputTokens)*float64(inputRate)+
		float64(outputTokens)*float64(outputRate))/1000.0 +
		float64(baseFee)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
