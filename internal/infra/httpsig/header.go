// Package httpsig implements the legacy "Signature" header scheme used by
// ActivityPub servers.
package httpsig

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"bayou/internal/domain"
)

const (
	HeaderSignature = "Signature"
	HeaderDigest    = "Digest"
	HeaderDate      = "Date"
	HeaderHost      = "Host"

	RequestTarget = "(request-target)"
)

type SignatureHeader struct {
	KeyID     string
	Algorithm domain.Algorithm
	Headers   []string
	Signature []byte
}

// ParseSignatureHeader parses keyId, algorithm, headers and signature. All
// four are required.
func ParseSignatureHeader(value string) (SignatureHeader, error) {
	params, err := parseParams(value)
	if err != nil {
		return SignatureHeader{}, err
	}
	keyID := params["keyid"]
	algName := params["algorithm"]
	headerList := params["headers"]
	sig := params["signature"]
	if keyID == "" || algName == "" || headerList == "" || sig == "" {
		return SignatureHeader{}, errors.New("signature header is missing a field")
	}
	alg, err := domain.ParseAlgorithm(algName)
	if err != nil {
		return SignatureHeader{}, err
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return SignatureHeader{}, fmt.Errorf("decode signature: %w", err)
	}
	headers := strings.Fields(strings.ToLower(headerList))
	seen := make(map[string]struct{}, len(headers))
	for _, h := range headers {
		if _, dup := seen[h]; dup {
			return SignatureHeader{}, fmt.Errorf("duplicate covered header %q", h)
		}
		seen[h] = struct{}{}
	}
	return SignatureHeader{
		KeyID:     keyID,
		Algorithm: alg,
		Headers:   headers,
		Signature: raw,
	}, nil
}

func (h SignatureHeader) String() string {
	return h.formatWith(base64.StdEncoding.EncodeToString(h.Signature))
}

func (h SignatureHeader) formatWith(b64Signature string) string {
	return fmt.Sprintf(`keyId="%s",algorithm="%s",headers="%s",signature="%s"`,
		h.KeyID, h.Algorithm, strings.Join(h.Headers, " "), b64Signature)
}

func (h SignatureHeader) Covers(name string) bool {
	name = strings.ToLower(name)
	for _, covered := range h.Headers {
		if covered == name {
			return true
		}
	}
	return false
}

// parseParams splits `k="v",k2="v2"` allowing commas inside quoted values.
func parseParams(value string) (map[string]string, error) {
	out := make(map[string]string)
	rest := strings.TrimSpace(value)
	for rest != "" {
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed signature parameter %q", rest)
		}
		name := strings.ToLower(strings.TrimSpace(rest[:eq]))
		rest = strings.TrimSpace(rest[eq+1:])
		var val string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated value for %q", name)
			}
			val = rest[1 : end+1]
			rest = strings.TrimSpace(rest[end+2:])
		} else {
			comma := strings.IndexByte(rest, ',')
			if comma < 0 {
				comma = len(rest)
			}
			val = strings.TrimSpace(rest[:comma])
			rest = rest[comma:]
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("duplicate parameter %q", name)
		}
		out[name] = val
		rest = strings.TrimPrefix(rest, ",")
		rest = strings.TrimSpace(rest)
	}
	return out, nil
}

// RequestHeaders returns the request headers with Host restored; net/http
// moves it to r.Host on inbound requests.
func RequestHeaders(r *http.Request) http.Header {
	headers := r.Header.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if headers.Get(HeaderHost) == "" && r.Host != "" {
		headers.Set(HeaderHost, r.Host)
	}
	return headers
}
