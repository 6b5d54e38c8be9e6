package policyopa

import "github.com/open-policy-agent/opa/ast"

// federationBuiltins lists what a federation policy may call. Policies see
// only a domain, its protocol, its software and the stored instance flags,
// so string matching, set algebra and comparisons cover them. Builtins that
// read the clock, randomness, the network or the runtime are refused.
var federationBuiltins = map[string]struct{}{
	// comparison
	"eq":    {},
	"equal": {},
	"neq":   {},
	"lt":    {},
	"lte":   {},
	"gt":    {},
	"gte":   {},

	// domain and software name matching
	"concat":      {},
	"contains":    {},
	"endswith":    {},
	"startswith":  {},
	"lower":       {},
	"upper":       {},
	"split":       {},
	"trim":        {},
	"trim_left":   {},
	"trim_right":  {},
	"trim_prefix": {},
	"trim_suffix": {},
	"replace":     {},
	"indexof":     {},
	"substring":   {},
	"sprintf":     {},
	"glob.match":  {},

	// sets and collections
	"count":             {},
	"and":               {},
	"or":                {},
	"union":             {},
	"intersection":      {},
	"internal.member_2": {},
	"object.get":        {},
	"array.concat":      {},
}

func allowedBuiltin(name string) bool {
	_, ok := federationBuiltins[name]
	return ok
}

func filterBuiltins(builtins []*ast.Builtin) []*ast.Builtin {
	allowed := make([]*ast.Builtin, 0, len(federationBuiltins))
	for _, builtin := range builtins {
		if allowedBuiltin(builtin.Name) {
			allowed = append(allowed, builtin)
		}
	}
	return allowed
}
