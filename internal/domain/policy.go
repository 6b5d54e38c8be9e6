package domain

import "context"

// FederationPolicyInput is evaluated before an unknown domain is backfilled.
type FederationPolicyInput struct {
	Domain      string   `json:"domain"`
	Protocol    Protocol `json:"protocol,omitempty"`
	Software    string   `json:"software,omitempty"`
	Known       bool     `json:"known"`
	Blocked     bool     `json:"blocked"`
	Allowlisted bool     `json:"allowlisted"`
}

type PolicyDeny struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type PolicyResult struct {
	Allow bool         `json:"allow"`
	Deny  []PolicyDeny `json:"deny,omitempty"`
}

type FederationPolicy interface {
	Evaluate(ctx context.Context, input FederationPolicyInput) (PolicyResult, error)
}
