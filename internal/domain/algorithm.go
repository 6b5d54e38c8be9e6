package domain

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"strings"
)

// Algorithm identifies a signature suite. The set is closed.
type Algorithm int

const (
	RsaSha256 Algorithm = iota + 1
	// Hs2019 is Ed25519 with SHA-512 digests. Peers of this instance rely on
	// that reading of the name, not the generic hs2019 meaning.
	Hs2019
)

var algorithms = []Algorithm{RsaSha256, Hs2019}

func Algorithms() []Algorithm {
	out := make([]Algorithm, len(algorithms))
	copy(out, algorithms)
	return out
}

func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "rsa-sha256":
		return RsaSha256, nil
	case "hs2019":
		return Hs2019, nil
	default:
		return 0, fmt.Errorf("unknown signature algorithm %q", name)
	}
}

func (a Algorithm) String() string {
	switch a {
	case RsaSha256:
		return "rsa-sha256"
	case Hs2019:
		return "hs2019"
	default:
		return "unknown"
	}
}

func (a Algorithm) Valid() bool {
	return a == RsaSha256 || a == Hs2019
}

// DigestName is the token used in a Digest header for this algorithm.
func (a Algorithm) DigestName() string {
	if a == Hs2019 {
		return "SHA-512"
	}
	return "SHA-256"
}

// Digest returns "SHA-<bits>=<base64>" over body.
func (a Algorithm) Digest(body []byte) string {
	if a == Hs2019 {
		sum := sha512.Sum512(body)
		return "SHA-512=" + base64.StdEncoding.EncodeToString(sum[:])
	}
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

func (a Algorithm) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid algorithm %d", int(a))
	}
	return []byte(a.String()), nil
}

func (a *Algorithm) UnmarshalText(text []byte) error {
	parsed, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// DigestMatches recomputes the digest named in header over body. Both SHA-256
// and SHA-512 are accepted regardless of the signing algorithm; multiple
// comma separated digests must all match.
func DigestMatches(header string, body []byte) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	matched := false
	for _, part := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return false
		}
		var expected string
		switch strings.ToUpper(name) {
		case "SHA-256":
			expected = RsaSha256.Digest(body)
		case "SHA-512":
			expected = Hs2019.Digest(body)
		default:
			continue
		}
		_, want, _ := strings.Cut(expected, "=")
		if value != want {
			return false
		}
		matched = true
	}
	return matched
}
