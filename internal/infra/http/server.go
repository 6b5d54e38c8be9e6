package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bayou/internal/config"
	"bayou/internal/domain"
	"bayou/internal/infra/httpsig"
	"bayou/internal/infra/versia"
	"bayou/internal/usecase"
)

const (
	defaultInboxTimeout = 30 * time.Second
	maxInboxBody        = 1 << 20
)

type ServerDeps struct {
	Resolver      *usecase.Resolver
	InstanceActor *usecase.InstanceActorService
	LocalActors   *usecase.LocalActorService
	Inbox         *usecase.InboxService
	Legacy        *httpsig.Verifier
	Versia        *versia.Verifier
	RateLimiter   domain.RateLimiter
	Log           logrus.FieldLogger
	// StorageMode is reported by /healthz, e.g. "db" or "memory".
	StorageMode string
}

type Server struct {
	cfg config.Config
	r   *gin.Engine
	log logrus.FieldLogger

	storageMode   string
	algorithm     domain.Algorithm
	resolver      *usecase.Resolver
	instanceActor *usecase.InstanceActorService
	localActors   *usecase.LocalActorService
	inbox         *usecase.InboxService
	legacy        *httpsig.Verifier
	versia        *versia.Verifier

	rateLimiter         domain.RateLimiter
	addrLimit           domain.RateLimit
	domainLimit         domain.RateLimit
	rateLimitFailClosed bool

	inboxTimeout time.Duration
	background   sync.WaitGroup
}

func NewServer(cfg config.Config, deps ServerDeps) (*Server, error) {
	alg, err := cfg.Algorithm()
	if err != nil {
		return nil, err
	}
	if deps.InstanceActor == nil || deps.LocalActors == nil || deps.Resolver == nil {
		return nil, errors.New("instance actor, local actors and resolver are required")
	}
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		cfg:           cfg,
		r:             r,
		log:           log,
		storageMode:   deps.StorageMode,
		algorithm:     alg,
		resolver:      deps.Resolver,
		instanceActor: deps.InstanceActor,
		localActors:   deps.LocalActors,
		inbox:         deps.Inbox,
		legacy:        deps.Legacy,
		versia:        deps.Versia,
		inboxTimeout:  defaultInboxTimeout,
	}
	if s.legacy == nil {
		s.legacy = httpsig.NewVerifier(deps.Resolver, cfg.SignatureWindow())
	}
	if s.versia == nil {
		s.versia = versia.NewVerifier(deps.Resolver, cfg.SignatureWindow())
	}
	r.Use(s.requestLogger())
	s.initRateLimit(deps.RateLimiter)
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.r.GET("/healthz", func(c *gin.Context) {
		mode := s.storageMode
		if mode == "" {
			mode = "memory"
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": mode, "domain": s.cfg.InstanceDomain})
	})

	wellKnown := s.r.Group("/.well-known")
	{
		wellKnown.GET("/webfinger", s.handleWebfinger)
		wellKnown.GET("/nodeinfo", s.handleNodeInfoLinks)
		wellKnown.GET("/versia", s.handleVersiaMetadata)
	}
	s.r.GET("/nodeinfo/2.0", s.handleNodeInfo)

	s.r.GET("/actor", s.handleInstanceActor)
	s.r.GET("/users/:username", s.handleLocalActor)
	s.r.GET("/users/:username/versia", s.handleVersiaUser)
	s.r.POST("/inbox", s.handleInbox)
	s.r.POST("/users/:username/inbox", s.handleInbox)

	v1 := s.r.Group("/v1")
	{
		v1.GET("/resolve", s.handleResolve)
	}

	s.r.NoRoute(s.handleNoRoute)
}

func (s *Server) Handler() http.Handler {
	return s.r
}

// Serve listens on the configured address until ctx is cancelled, then
// drains in-flight requests and background inbox work.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.cfg.HTTPAddr).Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Wait()
	return err
}

// Wait blocks until accepted inbox activities have been processed.
func (s *Server) Wait() {
	s.background.Wait()
}

func (s *Server) localSigner(ctx context.Context) (domain.RequestSigner, error) {
	return s.instanceActor.Signer(ctx, s.algorithm)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		}).Debug("request")
	}
}
