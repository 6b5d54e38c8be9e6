package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bayou/internal/domain"
	"bayou/internal/infra/federation"
	"bayou/internal/infra/httpsig"
	"bayou/internal/infra/versia"
	"bayou/internal/infra/webfinger"
	"bayou/internal/usecase"
)

const (
	contentTypeActivity = "application/activity+json"
	nodeInfoSchema      = "http://nodeinfo.diaspora.software/ns/schema/2.0"
	softwareName        = "bayou"
	softwareVersion     = "0.1.0"
)

// errInvalidActivity marks a body rejected before its signature is checked.
var errInvalidActivity = errors.New("invalid activity")

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Header  string `json:"header,omitempty"`
}

func (s *Server) handleNoRoute(c *gin.Context) {
	writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
}

func (s *Server) handleWebfinger(c *gin.Context) {
	handle, err := webfinger.ParseHandle(c.Query("resource"))
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_RESOURCE", err.Error())
		return
	}
	if handle.Domain != s.cfg.InstanceDomain {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "unknown domain")
		return
	}
	var actorURI string
	if strings.EqualFold(handle.Username, domain.InstanceActorUsername) {
		actorURI = domain.InstanceActorURI(s.cfg.InstanceDomain)
	} else {
		actor, err := s.localActors.Get(c.Request.Context(), handle.Username)
		if err != nil {
			writeError(c, err)
			return
		}
		handle.Username = actor.Username
		actorURI = actor.URI
	}
	writeJSONAs(c, http.StatusOK, webfinger.ContentTypeJRD, webfinger.ForActor(handle, actorURI))
}

func (s *Server) handleNodeInfoLinks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"links": []gin.H{{
		"rel":  nodeInfoSchema,
		"href": "https://" + s.cfg.InstanceDomain + "/nodeinfo/2.0",
	}}})
}

func (s *Server) handleNodeInfo(c *gin.Context) {
	protocols := []string{string(domain.ProtocolActivityPub)}
	if s.algorithm == domain.Hs2019 {
		protocols = append(protocols, string(domain.ProtocolVersia))
	}
	c.JSON(http.StatusOK, gin.H{
		"version":           "2.0",
		"software":          gin.H{"name": softwareName, "version": softwareVersion},
		"protocols":         protocols,
		"services":          gin.H{"inbound": []string{}, "outbound": []string{}},
		"openRegistrations": false,
		"usage":             gin.H{"users": gin.H{}},
		"metadata":          gin.H{"nodeName": s.cfg.InstanceDomain},
	})
}

// handleVersiaMetadata is the Versia discovery document. The instance key
// is published when it is an Ed25519 key.
func (s *Server) handleVersiaMetadata(c *gin.Context) {
	meta := federation.VersiaMetadata{
		Type:     "InstanceMetadata",
		Name:     s.cfg.InstanceDomain,
		Host:     s.cfg.InstanceDomain,
		Software: federation.VersiaSoftware{Name: softwareName, Version: softwareVersion},
	}
	instance, err := s.instanceActor.GetOrCreate(c.Request.Context(), s.algorithm)
	if err != nil {
		writeError(c, err)
		return
	}
	if key, err := federation.VersiaKey(domain.InstanceActorURI(s.cfg.InstanceDomain), instance.PublicKeyPEM); err == nil {
		meta.PublicKey = &key
	}
	writeJSONAs(c, http.StatusOK, federation.ContentTypeJSON, meta)
}

// handleInstanceActor never requires a signature: remote servers fetch it
// to verify requests signed by this instance.
func (s *Server) handleInstanceActor(c *gin.Context) {
	instance, err := s.instanceActor.GetOrCreate(c.Request.Context(), s.algorithm)
	if err != nil {
		writeError(c, err)
		return
	}
	uri := domain.InstanceActorURI(s.cfg.InstanceDomain)
	inbox := "https://" + s.cfg.InstanceDomain + "/inbox"
	doc := federation.NewActorDocument(domain.Actor{
		URI:         uri,
		Username:    domain.InstanceActorUsername,
		Inbox:       inbox,
		SharedInbox: inbox,
		Key: domain.ActorKey{
			ID:    s.instanceActor.KeyID(),
			Owner: uri,
			PEM:   instance.PublicKeyPEM,
		},
	}, "Application")
	writeJSONAs(c, http.StatusOK, contentTypeActivity, doc)
}

func (s *Server) handleLocalActor(c *gin.Context) {
	if !s.enforceRateLimit(c, routeActorRead) {
		return
	}
	ctx := c.Request.Context()
	if s.cfg.ForceAuthFetch {
		local, err := s.localSigner(ctx)
		if err != nil {
			writeError(c, err)
			return
		}
		if _, err := s.legacy.VerifyGet(ctx, httpsig.RequestHeaders(c.Request), c.Request.URL.RequestURI(), local); err != nil {
			writeError(c, err)
			return
		}
	}
	actor, err := s.localActors.Get(ctx, c.Param("username"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSONAs(c, http.StatusOK, contentTypeActivity, federation.NewActorDocument(*actor, "Person"))
}

// handleVersiaUser serves a local actor as a Versia user. Versia fetches
// are always signed, so the signature is required regardless of
// FORCE_AUTH_FETCH.
func (s *Server) handleVersiaUser(c *gin.Context) {
	if !s.enforceRateLimit(c, routeActorRead) {
		return
	}
	ctx := c.Request.Context()
	local, err := s.localSigner(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	if _, err := s.versia.VerifyRequest(ctx, versia.Request{
		Headers:    c.Request.Header,
		Method:     http.MethodGet,
		Path:       c.Request.URL.RequestURI(),
		BodyDigest: versia.BodyDigest(nil),
	}, local); err != nil {
		writeError(c, err)
		return
	}
	actor, err := s.localActors.Get(ctx, c.Param("username"))
	if err != nil {
		writeError(c, err)
		return
	}
	user, err := federation.NewVersiaUser(*actor, actor.URI+"/versia")
	if errors.Is(err, federation.ErrNoVersiaKey) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "actor has no Versia key")
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSONAs(c, http.StatusOK, federation.ContentTypeJSON, user)
}

// handleInbox verifies the request with whichever scheme its headers use,
// checks that the activity's actor lives on the signer's domain and accepts
// it for background processing.
func (s *Server) handleInbox(c *gin.Context) {
	if !s.enforceRateLimit(c, routeInbox) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInboxBody+1))
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "BAD_REQUEST", "read body")
		return
	}
	if len(body) > maxInboxBody {
		writeErrorCode(c, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "activity too large")
		return
	}

	ctx := c.Request.Context()
	local, err := s.localSigner(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	from, err := s.verifyInbound(ctx, c.Request, body, local)
	if errors.Is(err, errInvalidActivity) {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ACTIVITY", err.Error())
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("path", c.Request.URL.Path).Info("inbox signature rejected")
		writeError(c, err)
		return
	}

	if !s.enforceDomainLimit(c, routeInbox, from.Domain) {
		return
	}

	activity, err := federation.ParseActivity(body)
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ACTIVITY", err.Error())
		return
	}
	if host, err := domain.DomainOf(activity.Actor); err != nil || host != from.Domain {
		writeError(c, domain.NewVerifyError(domain.VerifyAuthorMismatch, err))
		return
	}

	if s.inbox != nil {
		s.background.Add(1)
		go s.processActivity(ctx, from, activity, local)
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) verifyInbound(ctx context.Context, r *http.Request, body []byte, local domain.RequestSigner) (domain.Signer, error) {
	if r.Header.Get(versia.HeaderSignature) != "" || r.Header.Get(versia.HeaderSignedBy) != "" {
		author, err := versia.ClaimedAuthor(body)
		if err != nil {
			return domain.Signer{}, fmt.Errorf("%w: %w", errInvalidActivity, err)
		}
		return s.versia.VerifyRequest(ctx, versia.Request{
			Headers:    r.Header,
			Method:     r.Method,
			Path:       r.URL.RequestURI(),
			BodyDigest: versia.BodyDigest(body),
			Author:     author,
		}, local)
	}
	principal, err := s.legacy.VerifyPost(ctx, httpsig.RequestHeaders(r), body, r.URL.RequestURI(), local)
	if err != nil {
		return domain.Signer{}, err
	}
	return domain.Signer{Identity: principal.Owner, Domain: principal.Domain}, nil
}

func (s *Server) processActivity(parent context.Context, from domain.Signer, activity domain.Activity, local domain.RequestSigner) {
	defer s.background.Done()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.inboxTimeout)
	defer cancel()
	entry := s.log.WithFields(logrus.Fields{
		"type":   activity.Type,
		"actor":  activity.Actor,
		"signer": from.Domain,
	})
	if err := s.inbox.Handle(ctx, from, activity, local); err != nil {
		entry.WithError(err).Warn("inbox activity failed")
		return
	}
	entry.Debug("inbox activity applied")
}

// handleResolve looks up an identity by handle, key id or actor URI,
// backfilling it on first contact.
func (s *Server) handleResolve(c *gin.Context) {
	if !s.enforceRateLimit(c, routeResolve) {
		return
	}
	resource := strings.TrimSpace(c.Query("resource"))
	if resource == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_RESOURCE", "resource is required")
		return
	}
	ref, err := parseResource(resource)
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_RESOURCE", err.Error())
		return
	}
	ctx := c.Request.Context()
	local, err := s.localSigner(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	actor, err := s.resolver.Resolve(ctx, ref, local)
	if err != nil {
		var verr *domain.VerifyError
		if errors.As(err, &verr) {
			writeErrorCode(c, http.StatusBadRequest, "INVALID_RESOURCE", err.Error())
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, actor)
}

func parseResource(resource string) (usecase.IdentityRef, error) {
	if strings.HasPrefix(resource, "https://") || strings.HasPrefix(resource, "http://") {
		if strings.Contains(resource, "#") {
			return usecase.IdentityRef{KeyID: resource}, nil
		}
		return usecase.IdentityRef{ActorURI: resource}, nil
	}
	handle, err := webfinger.ParseHandle(resource)
	if err != nil {
		return usecase.IdentityRef{}, err
	}
	return usecase.IdentityRef{Username: handle.Username, Domain: handle.Domain}, nil
}

func writeJSONAs(c *gin.Context, status int, contentType string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		writeErrorCode(c, http.StatusInternalServerError, "INTERNAL", "encode response")
		return
	}
	c.Data(status, contentType, payload)
}

// writeError maps failures onto status codes. Faults of a remote server are
// reported as 502, never 500.
func writeError(c *gin.Context, err error) {
	var verr *domain.VerifyError
	if errors.As(err, &verr) {
		c.JSON(http.StatusUnauthorized, errorResponse{
			Code:    string(verr.Kind),
			Message: "request signature rejected",
			Header:  verr.Header,
		})
		return
	}

	status, code := http.StatusInternalServerError, "INTERNAL"
	message := err.Error()
	switch {
	case errors.Is(err, domain.ErrAuthoritativeMiss), errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrFetch) && errors.Is(err, domain.ErrTombstone):
		status, code = http.StatusNotFound, "TOMBSTONE"
	case errors.Is(err, domain.ErrDomainBlocked):
		status, code = http.StatusForbidden, "DOMAIN_BLOCKED"
	case errors.Is(err, domain.ErrDomainBackfill):
		status, code = http.StatusBadGateway, "DOMAIN_BACKFILL_FAILED"
	case errors.Is(err, domain.ErrDiscovery):
		status, code = http.StatusBadGateway, "DISCOVERY_FAILED"
	case errors.Is(err, domain.ErrFetch):
		status, code = http.StatusBadGateway, "FETCH_FAILED"
	case errors.Is(err, domain.ErrInvalidDocument):
		status, code = http.StatusBadGateway, "INVALID_REMOTE_DOCUMENT"
	case errors.Is(err, domain.ErrConflict):
		status, code = http.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, domain.ErrMalformedKey):
		code, message = "MALFORMED_KEY", "instance key material is unusable"
	}
	if status == http.StatusInternalServerError {
		logrus.WithError(err).Error("request failed")
		if code == "INTERNAL" {
			message = "internal error"
		}
	}
	writeErrorCode(c, status, code, message)
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}
