// Package fedtest provides in-process remote servers for federation tests.
// Requests are routed by host name, so tests can use real domain names
// instead of loopback addresses.
package fedtest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bayou/internal/domain"
	"bayou/internal/infra/federation"
	"bayou/internal/infra/httpsig"
	"bayou/internal/infra/keys"
	"bayou/internal/infra/versia"
	"bayou/internal/infra/webfinger"
)

// Router is an http.RoundTripper dispatching on the request host.
type Router struct {
	mu    sync.RWMutex
	hosts map[string]http.Handler
	calls atomic.Int64
}

func NewRouter() *Router {
	return &Router{hosts: make(map[string]http.Handler)}
}

func (r *Router) Handle(host string, h http.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts[host] = h
}

func (r *Router) Client() *http.Client {
	return &http.Client{Transport: r}
}

// Calls counts every request that reached the router.
func (r *Router) Calls() int64 {
	return r.calls.Load()
}

func (r *Router) RoundTrip(req *http.Request) (*http.Response, error) {
	r.calls.Add(1)
	r.mu.RLock()
	h, ok := r.hosts[req.URL.Hostname()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("fedtest: no route to host %s", req.URL.Host)
	}
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
	}
	inbound := httptest.NewRequest(req.Method, req.URL.String(), bytes.NewReader(body))
	inbound = inbound.WithContext(req.Context())
	inbound.Header = req.Header.Clone()
	inbound.Header.Del("Host")
	if req.Host != "" {
		inbound.Host = req.Host
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, inbound)
	return rec.Result(), nil
}

type Delivery struct {
	Path    string
	Headers http.Header
	Body    []byte
}

// Remote is a fake federated server. All of its users share one Ed25519
// key.
type Remote struct {
	Domain   string
	Protocol domain.Protocol
	// Delay is applied to actor fetches to widen race windows.
	Delay time.Duration

	mu         sync.Mutex
	key        keys.PrivateKey
	fragment   string
	users      map[string]bool
	gone       map[string]bool
	deliveries []Delivery
	signatures []string

	ActorFetches     atomic.Int64
	WebfingerLookups atomic.Int64
}

func NewRemote(t testing.TB, host string, protocol domain.Protocol) *Remote {
	t.Helper()
	seed := make([]byte, 32)
	copy(seed, host)
	key, err := keys.NewEd25519FromSeed(seed)
	if err != nil {
		t.Fatalf("fedtest key: %v", err)
	}
	return &Remote{
		Domain:   host,
		Protocol: protocol,
		key:      key,
		fragment: "main-key",
		users:    make(map[string]bool),
		gone:     make(map[string]bool),
	}
}

func (r *Remote) AddUser(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[username] = true
}

func (r *Remote) Tombstone(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gone[username] = true
}

// RotateKey replaces the shared key. A new fragment also changes the
// ActivityPub key id; Versia key ids are the actor URI and never change.
func (r *Remote) RotateKey(key keys.PrivateKey, fragment string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.key = key
	if fragment != "" {
		r.fragment = fragment
	}
}

func (r *Remote) Key() keys.PrivateKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.key
}

func (r *Remote) ActorURI(username string) string {
	return "https://" + r.Domain + "/users/" + username
}

func (r *Remote) KeyID(username string) string {
	if r.Protocol == domain.ProtocolVersia {
		return r.ActorURI(username)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ActorURI(username) + "#" + r.fragment
}

// LegacySigner signs requests as username with the legacy scheme.
func (r *Remote) LegacySigner(username string, now func() time.Time) *httpsig.Signer {
	return &httpsig.Signer{ID: r.KeyID(username), Key: r.Key(), Now: now}
}

// VersiaSigner signs requests as username with the Versia scheme.
func (r *Remote) VersiaSigner(username string, now func() time.Time) *versia.Signer {
	return &versia.Signer{Identity: r.ActorURI(username), Key: r.Key(), Now: now}
}

func (r *Remote) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Delivery, len(r.deliveries))
	copy(out, r.deliveries)
	return out
}

// FetchSignatures returns the Signature headers seen on actor fetches.
func (r *Remote) FetchSignatures() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.signatures...)
}

func (r *Remote) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch {
	case req.URL.Path == "/.well-known/versia":
		if r.Protocol != domain.ProtocolVersia {
			http.NotFound(w, req)
			return
		}
		writeJSON(w, federation.VersiaMetadata{
			Type:     "InstanceMetadata",
			Name:     r.Domain,
			Software: federation.VersiaSoftware{Name: "fedtest"},
		})
	case req.URL.Path == "/.well-known/nodeinfo":
		writeJSON(w, map[string]any{"links": []map[string]string{{
			"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.0",
			"href": "https://" + r.Domain + "/nodeinfo/2.0",
		}}})
	case req.URL.Path == "/nodeinfo/2.0":
		writeJSON(w, map[string]any{"software": map[string]string{"name": "fedtest"}})
	case req.URL.Path == "/.well-known/webfinger":
		r.WebfingerLookups.Add(1)
		handle, err := webfinger.ParseHandle(req.URL.Query().Get("resource"))
		if err != nil || handle.Domain != r.Domain || !r.hasUser(handle.Username) {
			http.NotFound(w, req)
			return
		}
		writeJSON(w, webfinger.ForActor(handle, r.ActorURI(handle.Username)))
	case req.Method == http.MethodPost && (req.URL.Path == "/inbox" || strings.HasSuffix(req.URL.Path, "/inbox")):
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.deliveries = append(r.deliveries, Delivery{Path: req.URL.Path, Headers: req.Header.Clone(), Body: body})
		r.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	case req.Method == http.MethodGet && strings.HasPrefix(req.URL.Path, "/users/"):
		r.serveActor(w, req, strings.TrimPrefix(req.URL.Path, "/users/"))
	default:
		http.NotFound(w, req)
	}
}

func (r *Remote) serveActor(w http.ResponseWriter, req *http.Request, username string) {
	r.ActorFetches.Add(1)
	r.mu.Lock()
	r.signatures = append(r.signatures, req.Header.Get("Signature"))
	gone := r.gone[username]
	r.mu.Unlock()
	if r.Delay > 0 {
		time.Sleep(r.Delay)
	}
	if gone {
		w.WriteHeader(http.StatusGone)
		return
	}
	if !r.hasUser(username) {
		http.NotFound(w, req)
		return
	}
	pubPEM, _ := r.Key().Public().PEM()
	uri := r.ActorURI(username)
	if r.Protocol == domain.ProtocolVersia {
		user, err := federation.NewVersiaUser(domain.Actor{
			Username: username,
			Inbox:    uri + "/inbox",
			Outbox:   uri + "/outbox",
			Key:      domain.ActorKey{PEM: pubPEM},
		}, uri)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, user)
		return
	}
	writeJSON(w, federation.NewActorDocument(domain.Actor{
		URI:         uri,
		Username:    username,
		DisplayName: strings.ToUpper(username[:1]) + username[1:],
		Inbox:       uri + "/inbox",
		SharedInbox: "https://" + r.Domain + "/inbox",
		Outbox:      uri + "/outbox",
		Followers:   uri + "/followers",
		Key:         domain.ActorKey{ID: r.KeyID(username), Owner: uri, PEM: pubPEM},
	}, "Person"))
}

func (r *Remote) hasUser(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[username]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
