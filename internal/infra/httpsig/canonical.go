package httpsig

import (
	"net/http"
	"strings"

	"bayou/internal/domain"
)

// CanonicalString rebuilds the signed byte string. target is the request
// path including any query string. A covered header missing from headers
// yields MissingHeader naming it.
func CanonicalString(method, target string, headers http.Header, covered []string) (string, error) {
	lines := make([]string, 0, len(covered))
	for _, name := range covered {
		name = strings.ToLower(name)
		if name == RequestTarget {
			lines = append(lines, RequestTarget+": "+strings.ToLower(method)+" "+target)
			continue
		}
		values := headers.Values(name)
		if len(values) == 0 {
			return "", domain.MissingHeader(name)
		}
		trimmed := make([]string, 0, len(values))
		for _, v := range values {
			trimmed = append(trimmed, strings.TrimSpace(v))
		}
		lines = append(lines, name+": "+strings.Join(trimmed, ", "))
	}
	return strings.Join(lines, "\n"), nil
}
