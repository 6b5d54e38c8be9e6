package policyopa

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"bayou/internal/domain"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
)

const defaultQuery = "data.bayou.federation.result"

//go:embed policy/federation.rego
var defaultPolicy string

// Engine evaluates the federation policy consulted before an unknown domain
// is backfilled. Policies see the configured denied suffixes as
// data.federation.denied_suffixes.
type Engine struct {
	query      rego.PreparedEvalQuery
	bundleHash string
}

// NewEngine compiles the built-in federation policy.
func NewEngine(ctx context.Context, deniedSuffixes []string) (*Engine, error) {
	return newEngine(ctx, deniedSuffixes, ComputeBundleHash(map[string]string{"federation.rego": defaultPolicy}),
		rego.Module("federation.rego", defaultPolicy))
}

// NewEngineFromBundlePath compiles the rego files under bundlePath instead of
// the built-in policy. The bundle must define data.bayou.federation.result.
func NewEngineFromBundlePath(ctx context.Context, bundlePath string, deniedSuffixes []string) (*Engine, error) {
	bundleHash, err := ComputeBundleHashFromPath(bundlePath)
	if err != nil {
		return nil, err
	}
	return newEngine(ctx, deniedSuffixes, bundleHash, rego.Load([]string{bundlePath}, nil))
}

func newEngine(ctx context.Context, deniedSuffixes []string, bundleHash string, source func(*rego.Rego)) (*Engine, error) {
	dataModule, err := suffixModule(deniedSuffixes)
	if err != nil {
		return nil, err
	}

	capabilities := ast.CapabilitiesForThisVersion()
	capabilities.Builtins = filterBuiltins(capabilities.Builtins)
	compiler := ast.NewCompiler().WithCapabilities(capabilities)

	r := rego.New(
		rego.Query(defaultQuery),
		rego.Compiler(compiler),
		rego.StrictBuiltinErrors(true),
		rego.Module("federation_data.rego", dataModule),
		source,
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	if err := assertNoForbiddenBuiltins(compiler); err != nil {
		return nil, err
	}

	return &Engine{
		query:      prepared,
		bundleHash: bundleHash,
	}, nil
}

func suffixModule(suffixes []string) (string, error) {
	cleaned := make([]string, 0, len(suffixes))
	for _, suffix := range suffixes {
		suffix = strings.Trim(strings.ToLower(strings.TrimSpace(suffix)), ".")
		if suffix != "" {
			cleaned = append(cleaned, suffix)
		}
	}
	sort.Strings(cleaned)
	encoded, err := json.Marshal(cleaned)
	if err != nil {
		return "", err
	}
	return "package federation\n\ndenied_suffixes := " + string(encoded) + "\n", nil
}

func (e *Engine) BundleHash() string {
	return e.bundleHash
}

func (e *Engine) Evaluate(ctx context.Context, input domain.FederationPolicyInput) (domain.PolicyResult, error) {
	if e == nil {
		return domain.PolicyResult{}, errors.New("policy engine is nil")
	}
	input.Domain = strings.ToLower(input.Domain)
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return domain.PolicyResult{}, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return domain.PolicyResult{}, errors.New("empty policy result")
	}
	result, err := decodePolicyResult(results[0].Expressions[0].Value)
	if err != nil {
		return domain.PolicyResult{}, err
	}
	normalizePolicyResult(&result)
	return result, nil
}

func decodePolicyResult(value any) (domain.PolicyResult, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return domain.PolicyResult{}, err
	}
	var result domain.PolicyResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return domain.PolicyResult{}, err
	}
	return result, nil
}

func normalizePolicyResult(result *domain.PolicyResult) {
	if result == nil {
		return
	}
	sort.Slice(result.Deny, func(i, j int) bool {
		if result.Deny[i].Code == result.Deny[j].Code {
			return result.Deny[i].Message < result.Deny[j].Message
		}
		return result.Deny[i].Code < result.Deny[j].Code
	})
}

func assertNoForbiddenBuiltins(compiler *ast.Compiler) error {
	if compiler == nil {
		return errors.New("policy compiler is nil")
	}
	forbidden := make(map[string]struct{})
	for _, module := range compiler.Modules {
		ast.WalkTerms(module, func(term *ast.Term) bool {
			call, ok := term.Value.(ast.Call)
			if !ok || len(call) == 0 || call[0] == nil {
				return false
			}
			name := call[0].Value.String()
			if _, ok := ast.BuiltinMap[name]; !ok {
				return false
			}
			if allowedBuiltin(name) {
				return false
			}
			forbidden[name] = struct{}{}
			return false
		})
	}
	if len(forbidden) == 0 {
		return nil
	}
	names := make([]string, 0, len(forbidden))
	for name := range forbidden {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Errorf("forbidden builtins: %s", strings.Join(names, ", "))
}

var _ domain.FederationPolicy = (*Engine)(nil)
