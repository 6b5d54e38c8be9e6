package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"bayou/internal/domain"
	"bayou/internal/infra/ratelimit"
)

const (
	routeInbox     = "inbox"
	routeActorRead = "actor:read"
	routeResolve   = "resolve"
)

// initRateLimit prefers redis when it answers a ping and falls back to the
// in-process limiter otherwise.
func (s *Server) initRateLimit(override domain.RateLimiter) {
	s.addrLimit = domain.RateLimit{Requests: s.cfg.RateLimitRequests, Window: s.cfg.RateLimitWindow()}
	s.domainLimit = domain.RateLimit{Requests: s.cfg.RateLimitPerDomain, Window: s.cfg.RateLimitWindow()}
	s.rateLimitFailClosed = s.cfg.RateLimitFailClosed
	s.rateLimiter = override
	if s.rateLimiter != nil || (s.addrLimit.Disabled() && s.domainLimit.Disabled()) {
		return
	}
	if s.cfg.RedisAddr != "" {
		limiter, err := ratelimit.NewRedisLimiter(ratelimit.RedisLimiterConfig{
			Addr:     s.cfg.RedisAddr,
			Password: s.cfg.RedisPassword,
			DB:       s.cfg.RedisDB,
		})
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err = limiter.Ping(ctx)
			cancel()
			if err == nil {
				s.rateLimiter = limiter
				return
			}
			_ = limiter.Close()
		}
		s.log.WithError(err).Warn("redis rate limiter unavailable, using memory limiter")
	}
	s.rateLimiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{MaxAddrs: s.cfg.RateLimitMaxKeys})
}

// enforceRateLimit runs before any signature is checked, so it keys on the
// client address: an unverified domain claim could be used to exhaust
// another server's budget.
func (s *Server) enforceRateLimit(c *gin.Context, routeID string) bool {
	return s.charge(c, domain.ClientAddrKey(routeID, c.ClientIP()), s.addrLimit)
}

// enforceDomainLimit charges a verified signer domain.
func (s *Server) enforceDomainLimit(c *gin.Context, routeID, host string) bool {
	return s.charge(c, domain.SignerDomainKey(routeID, host), s.domainLimit)
}

func (s *Server) charge(c *gin.Context, key domain.RateLimitKey, limit domain.RateLimit) bool {
	if s.rateLimiter == nil || limit.Disabled() {
		return true
	}
	decision, err := s.rateLimiter.Allow(c.Request.Context(), key, limit)
	if err != nil {
		if s.rateLimitFailClosed {
			writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMIT_UNAVAILABLE", "rate limiter unavailable")
			return false
		}
		s.log.WithError(err).WithField("scope", key.Scope).Warn("rate limiter unavailable, allowing request")
		return true
	}
	writeRateLimitHeaders(c, decision)
	if !decision.Allowed {
		code := "RATE_LIMITED"
		if key.Scope == domain.ScopeSignerDomain {
			code = "DOMAIN_RATE_LIMITED"
		}
		writeErrorCode(c, http.StatusTooManyRequests, code, "rate limit exceeded")
		return false
	}
	return true
}

func writeRateLimitHeaders(c *gin.Context, decision domain.RateLimitDecision) {
	if decision.Limit > 0 {
		c.Header("RateLimit-Limit", strconv.Itoa(decision.Limit))
	}
	if decision.Remaining >= 0 {
		c.Header("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}
	if decision.ResetAt.IsZero() {
		return
	}
	c.Header("RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	if !decision.Allowed {
		c.Header("Retry-After", strconv.FormatInt(int64(decision.RetryAfter(time.Now()).Seconds()), 10))
	}
}
