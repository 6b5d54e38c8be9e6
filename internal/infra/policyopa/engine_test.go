package policyopa

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"bayou/internal/domain"
)

func TestEngineAllowsOrdinaryDomain(t *testing.T) {
	engine := newTestEngine(t, "spam.example")
	input := domain.FederationPolicyInput{Domain: "b.example", Protocol: domain.ProtocolActivityPub}

	first, err := engine.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluate first: %v", err)
	}
	second, err := engine.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluate second: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected deterministic policy evaluation")
	}
	if !first.Allow || len(first.Deny) != 0 {
		t.Fatalf("expected allow, got %+v", first)
	}
	if engine.BundleHash() == "" {
		t.Fatalf("expected bundle hash to be set")
	}
}

func TestEnginePolicyDenies(t *testing.T) {
	engine := newTestEngine(t, "Spam.Example", ".bad.example")

	tests := []struct {
		name  string
		input domain.FederationPolicyInput
		want  []string
	}{
		{
			name:  "exact suffix",
			input: domain.FederationPolicyInput{Domain: "spam.example"},
			want:  []string{"DOMAIN_DENIED"},
		},
		{
			name:  "subdomain of suffix",
			input: domain.FederationPolicyInput{Domain: "Relay.Bad.Example", Protocol: domain.ProtocolVersia},
			want:  []string{"DOMAIN_DENIED"},
		},
		{
			name:  "blocked",
			input: domain.FederationPolicyInput{Domain: "b.example", Blocked: true},
			want:  []string{"DOMAIN_BLOCKED"},
		},
		{
			name:  "unsupported protocol",
			input: domain.FederationPolicyInput{Domain: "b.example", Protocol: "diaspora"},
			want:  []string{"PROTOCOL_UNSUPPORTED"},
		},
		{
			name:  "multiple reasons",
			input: domain.FederationPolicyInput{Domain: "spam.example", Blocked: true, Protocol: "diaspora"},
			want:  []string{"DOMAIN_BLOCKED", "DOMAIN_DENIED", "PROTOCOL_UNSUPPORTED"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			out, err := engine.Evaluate(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if out.Allow {
				t.Fatalf("expected deny")
			}
			if got := denyOrder(out.Deny); !reflect.DeepEqual(tt.want, got) {
				t.Fatalf("expected deny codes %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEngineSuffixDoesNotMatchInsideLabel(t *testing.T) {
	engine := newTestEngine(t, "spam.example")
	out, err := engine.Evaluate(context.Background(), domain.FederationPolicyInput{Domain: "notspam.example"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !out.Allow {
		t.Fatalf("expected allow, got %+v", out)
	}
}

func TestEngineAllowlistOverridesSuffix(t *testing.T) {
	engine := newTestEngine(t, "spam.example")
	out, err := engine.Evaluate(context.Background(), domain.FederationPolicyInput{Domain: "ok.spam.example", Allowlisted: true})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !out.Allow {
		t.Fatalf("expected allowlisted domain to pass, got %+v", out)
	}
}

func TestEngineFromBundlePath(t *testing.T) {
	dir := t.TempDir()
	regoContent := `package bayou.federation

result := {"allow": false, "deny": [{"code": "CLOSED", "message": concat(",", data.federation.denied_suffixes)}]}
`
	if err := os.WriteFile(filepath.Join(dir, "policy.rego"), []byte(regoContent), 0o644); err != nil {
		t.Fatalf("write rego: %v", err)
	}
	engine, err := NewEngineFromBundlePath(context.Background(), dir, []string{"b.example", "a.example"})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	out, err := engine.Evaluate(context.Background(), domain.FederationPolicyInput{Domain: "c.example"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Allow || len(out.Deny) != 1 || out.Deny[0].Message != "a.example,b.example" {
		t.Fatalf("unexpected result %+v", out)
	}

	hash, err := ComputeBundleHashFromPath(dir)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash != engine.BundleHash() {
		t.Fatalf("expected bundle hash to match directory hash")
	}
}

func TestEngineBundleMatchesDomainGlobs(t *testing.T) {
	dir := t.TempDir()
	regoContent := `package bayou.federation

deny[d] {
	not input.known
	glob.match("*.evil.example", ["."], input.domain)
	d := {"code": "GLOB_DENIED", "message": input.domain}
}

result := {"allow": count(deny) == 0, "deny": [d | deny[d]]}
`
	if err := os.WriteFile(filepath.Join(dir, "policy.rego"), []byte(regoContent), 0o644); err != nil {
		t.Fatalf("write rego: %v", err)
	}
	engine, err := NewEngineFromBundlePath(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	cases := []struct {
		input domain.FederationPolicyInput
		allow bool
	}{
		{domain.FederationPolicyInput{Domain: "x.evil.example"}, false},
		{domain.FederationPolicyInput{Domain: "evil.example"}, true},
		{domain.FederationPolicyInput{Domain: "x.evil.example", Known: true}, true},
	}
	for _, tc := range cases {
		out, err := engine.Evaluate(context.Background(), tc.input)
		if err != nil {
			t.Fatalf("evaluate %+v: %v", tc.input, err)
		}
		if out.Allow != tc.allow {
			t.Fatalf("%+v: allow = %v, deny %+v", tc.input, out.Allow, out.Deny)
		}
	}
}

func TestEngineBlockedFlagDenies(t *testing.T) {
	engine := newTestEngine(t)
	out, err := engine.Evaluate(context.Background(), domain.FederationPolicyInput{Domain: "b.example", Known: true, Blocked: true, Allowlisted: true})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Allow || !reflect.DeepEqual(denyOrder(out.Deny), []string{"DOMAIN_BLOCKED"}) {
		t.Fatalf("expected DOMAIN_BLOCKED, got %+v", out)
	}
}

func TestEngineRejectsTimeBuiltin(t *testing.T) {
	rejectBuiltin(t, "time.now_ns()")
}

func TestEngineRejectsHttpSend(t *testing.T) {
	rejectBuiltin(t, "http.send({\"method\": \"get\", \"url\": \"https://example.com\"})")
}

func TestEngineRejectsRand(t *testing.T) {
	rejectBuiltin(t, "rand.intn(\"x\", 10)")
}

func TestEngineRejectsRuntime(t *testing.T) {
	rejectBuiltin(t, "opa.runtime()")
}

func rejectBuiltin(t *testing.T, expr string) {
	t.Helper()
	dir := t.TempDir()
	regoContent := `package bayou.federation
result := {"allow": true, "deny": []} {
  ` + expr + `
}`
	if err := os.WriteFile(filepath.Join(dir, "policy.rego"), []byte(regoContent), 0o644); err != nil {
		t.Fatalf("write rego: %v", err)
	}

	_, err := NewEngineFromBundlePath(context.Background(), dir, nil)
	if err == nil {
		t.Fatalf("expected builtin to be rejected")
	}
}

func newTestEngine(t *testing.T, suffixes ...string) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), suffixes)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func denyOrder(denies []domain.PolicyDeny) []string {
	out := make([]string, 0, len(denies))
	for _, deny := range denies {
		out = append(out, deny.Code)
	}
	return out
}
