package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"bayou/internal/domain"
)

type Config struct {
	HTTPAddr    string
	PostgresDSN string
	LogLevel    string
	LogFormat   string

	InstanceDomain   string
	SigningAlgorithm string
	ForceAuthFetch   bool

	SignatureWindowSeconds int
	FetchTimeoutSeconds    int
	KeyCacheTTLSeconds     int
	KeyCacheMaxEntries     int
	KeyRefreshSeconds      int

	EnrichWorkers       int
	EnrichQueueSize     int
	DeliveryConcurrency int

	FederationPolicyPath string
	DeniedDomainSuffixes []string

	RateLimitRequests      int
	RateLimitWindowSeconds int
	RateLimitFailClosed    bool
	RateLimitMaxKeys       int
	// RateLimitPerDomain budgets inbox deliveries per verified signer
	// domain within the same window.
	RateLimitPerDomain     int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// source resolves a setting. Environment variables win over values read
// from the optional config file.
type source map[string]string

func (s source) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s[key]
}

func FromEnv() Config {
	return fromSource(nil)
}

// Load reads the file named by BAYOU_CONFIG, when set, as defaults for
// FromEnv. Keys in the file use the environment variable names.
func Load() (Config, error) {
	path := os.Getenv("BAYOU_CONFIG")
	if path == "" {
		return FromEnv(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	file, err := parseFile(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fromSource(file), nil
}

func parseFile(data []byte) (source, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(source, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			out[strings.ToUpper(key)] = strings.Join(parts, ",")
		case float64:
			out[strings.ToUpper(key)] = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			out[strings.ToUpper(key)] = fmt.Sprint(v)
		}
	}
	return out, nil
}

func fromSource(src source) Config {
	return Config{
		HTTPAddr:               src.envDefault("HTTP_ADDR", ":8080"),
		PostgresDSN:            src.get("POSTGRES_DSN"),
		LogLevel:               src.envDefault("LOG_LEVEL", "info"),
		LogFormat:              src.envDefault("LOG_FORMAT", "json"),
		InstanceDomain:         strings.ToLower(src.envDefault("INSTANCE_DOMAIN", "localhost")),
		SigningAlgorithm:       src.envDefault("SIGNING_ALGORITHM", domain.RsaSha256.String()),
		ForceAuthFetch:         src.envBoolDefault("FORCE_AUTH_FETCH", false),
		SignatureWindowSeconds: src.envIntDefault("SIGNATURE_WINDOW_SECONDS", 300),
		FetchTimeoutSeconds:    src.envIntDefault("FETCH_TIMEOUT_SECONDS", 10),
		KeyCacheTTLSeconds:     src.envIntDefault("KEY_CACHE_TTL_SECONDS", 3600),
		KeyCacheMaxEntries:     src.envIntDefault("KEY_CACHE_MAX_ENTRIES", 10000),
		KeyRefreshSeconds:      src.envIntDefault("KEY_REFRESH_SECONDS", 60),
		EnrichWorkers:          src.envIntDefault("ENRICH_WORKERS", 2),
		EnrichQueueSize:        src.envIntDefault("ENRICH_QUEUE_SIZE", 256),
		DeliveryConcurrency:    src.envIntDefault("DELIVERY_CONCURRENCY", 8),
		FederationPolicyPath:   src.get("FEDERATION_POLICY_PATH"),
		DeniedDomainSuffixes:   src.envList("DENIED_DOMAIN_SUFFIXES"),
		RateLimitRequests:      src.envIntDefault("RATE_LIMIT_REQUESTS", 0),
		RateLimitWindowSeconds: src.envIntDefault("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitFailClosed:    src.envBoolDefault("RATE_LIMIT_FAIL_CLOSED", false),
		RateLimitMaxKeys:       src.envIntDefault("RATE_LIMIT_MAX_KEYS", 10000),
		RateLimitPerDomain:     src.envIntDefault("RATE_LIMIT_PER_DOMAIN", 0),
		RedisAddr:              src.get("REDIS_ADDR"),
		RedisPassword:          src.get("REDIS_PASSWORD"),
		RedisDB:                src.envIntDefault("REDIS_DB", 0),
	}
}

func (s source) envDefault(key, def string) string {
	v := s.get(key)
	if v == "" {
		return def
	}
	return v
}

func (s source) envIntDefault(key string, def int) int {
	v := s.get(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func (s source) envBoolDefault(key string, def bool) bool {
	v := s.get(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "Yes":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "No":
		return false
	default:
		return def
	}
}

func (s source) envList(key string) []string {
	v := s.get(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c Config) Algorithm() (domain.Algorithm, error) {
	return domain.ParseAlgorithm(c.SigningAlgorithm)
}

func (c Config) SignatureWindow() time.Duration {
	return time.Duration(c.SignatureWindowSeconds) * time.Second
}

func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

func (c Config) KeyCacheTTL() time.Duration {
	return time.Duration(c.KeyCacheTTLSeconds) * time.Second
}

func (c Config) KeyRefreshInterval() time.Duration {
	return time.Duration(c.KeyRefreshSeconds) * time.Second
}

func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	if c.InstanceDomain == "" || strings.ContainsAny(c.InstanceDomain, "/:@ ") {
		return fmt.Errorf("INSTANCE_DOMAIN %q is not a bare host name", c.InstanceDomain)
	}
	if _, err := c.Algorithm(); err != nil {
		return fmt.Errorf("SIGNING_ALGORITHM: %w", err)
	}
	if c.SignatureWindowSeconds <= 0 {
		return errors.New("SIGNATURE_WINDOW_SECONDS must be positive")
	}
	return nil
}
