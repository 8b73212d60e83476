// Copyright 2025 The Workspaced Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/osucyber/workspaced/internal/expiry"
	"github.com/osucyber/workspaced/internal/session"
	"github.com/osucyber/workspaced/internal/workspace"
)

// Orchestrator is the lifecycle surface the gateway drives.
type Orchestrator interface {
	Create(ctx context.Context, owner string) (*workspace.CreateResult, error)
	HandleAction(owner string, action expiry.Action)
	Sessions() []session.Summary
}

// Server handles requests from the chat front-end
type Server struct {
	addr        string
	port        int
	orch        Orchestrator
	secret      string
	server      *http.Server
	rateLimiter *RateLimiter
}

// RateLimiter provides per-owner rate limiting: each owner has a token
// bucket refilled continuously at rate tokens per second up to burst.
// Buckets idle longer than idleAfter are pruned so one-time callers do not
// accumulate forever.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rate      float64
	burst     float64
	idleAfter time.Duration
	lastPrune time.Time
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewServer creates a new gateway server
func NewServer(addr string, port int, orch Orchestrator, secret string) *Server {
	return &Server{
		addr:        addr,
		port:        port,
		orch:        orch,
		secret:      secret,
		rateLimiter: NewRateLimiter(1, 5), // 1 request/s sustained, bursts of 5
	}
}

// NewRateLimiter creates a rate limiter refilling rate tokens per second
// per owner, holding at most burst.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets:   make(map[string]*bucket),
		rate:      rate,
		burst:     float64(burst),
		idleAfter: 10 * time.Minute,
		lastPrune: time.Now(),
	}
}

// Allow checks if a request from the given owner should be allowed
func (rl *RateLimiter) Allow(owner string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.pruneLocked(now)

	b, exists := rl.buckets[owner]
	if !exists {
		b = &bucket{tokens: rl.burst}
		rl.buckets[owner] = b
	} else {
		b.tokens = min(rl.burst, b.tokens+now.Sub(b.lastSeen).Seconds()*rl.rate)
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// pruneLocked drops buckets idle past the threshold. Runs at most once per
// threshold interval. Caller holds rl.mu.
func (rl *RateLimiter) pruneLocked(now time.Time) {
	if now.Sub(rl.lastPrune) < rl.idleAfter {
		return
	}
	rl.lastPrune = now
	for owner, b := range rl.buckets {
		if now.Sub(b.lastSeen) >= rl.idleAfter {
			delete(rl.buckets, owner)
		}
	}
}

// Start starts the gateway server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.addr, s.port),
		Handler: s.Handler(),
	}

	errChan := make(chan error, 1)
	go func() {
		log.Log.Info("Starting gateway server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}

// Handler builds the route table. Exposed separately so tests can drive the
// mux without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/commands", s.handleCommand)
	mux.HandleFunc("/interactions", s.handleInteraction)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.Log.Info("Shutting down gateway server")
	return s.server.Shutdown(ctx)
}

// CommandRequest is the create-workspace command payload.
type CommandRequest struct {
	Owner string `json:"owner"`
}

// CommandResponse reports the outcome of a create command.
type CommandResponse struct {
	URL           string    `json:"url,omitempty"`
	ExpiresAt     time.Time `json:"expiresAt,omitzero"`
	AlreadyExists bool      `json:"alreadyExists"`
	Provisioning  bool      `json:"provisioning,omitempty"`
}

// InteractionRequest is an extend/end decision relayed from a warning
// message's buttons.
type InteractionRequest struct {
	Owner  string `json:"owner"`
	Action string `json:"action"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleSessions lists live sessions as JSON. The listing enumerates every
// owner and expiry, so it sits behind the shared secret like the mutating
// routes; GET bodies are empty, hence a bearer check instead of a body HMAC.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.bearerAuthorized(r) {
		log.FromContext(r.Context()).Info("Unauthorized session listing request")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.orch.Sessions()); err != nil {
		log.FromContext(r.Context()).Error(err, "Failed to encode session list")
	}
}

// bearerAuthorized checks the Authorization header against the shared
// secret in constant time. Fails closed when the secret is unset.
func (s *Server) bearerAuthorized(r *http.Request) bool {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if s.secret == "" || !strings.HasPrefix(auth, prefix) {
		return false
	}
	return hmac.Equal([]byte(strings.TrimPrefix(auth, prefix)), []byte(s.secret))
}

// readSigned reads and authenticates a POST body. On failure it writes the
// error response and returns nil.
func (s *Server) readSigned(w http.ResponseWriter, r *http.Request) []byte {
	logger := log.FromContext(r.Context())

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error(err, "Failed to read request body")
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return nil
	}
	defer r.Body.Close()

	if !ValidateSignature(payload, r.Header.Get(SignatureHeader), s.secret) {
		logger.Info("Invalid request signature")
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return nil
	}

	return payload
}

// handleCommand provisions a workspace for the requesting owner.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context())

	payload := s.readSigned(w, r)
	if payload == nil {
		return
	}

	var req CommandRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		logger.Error(err, "Failed to parse JSON payload")
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Owner == "" {
		http.Error(w, "Missing owner", http.StatusBadRequest)
		return
	}

	if !s.rateLimiter.Allow(req.Owner) {
		logger.Info("Rate limit exceeded", "owner", req.Owner)
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	result, err := s.orch.Create(r.Context(), req.Owner)
	if err != nil {
		logger.Error(err, "Failed to create workspace", "owner", req.Owner)
		http.Error(w, "Failed to create workspace", http.StatusInternalServerError)
		return
	}

	status := http.StatusCreated
	switch {
	case result.Provisioning:
		// The owner's first create is still in flight; there is no access
		// info to repeat yet.
		status = http.StatusConflict
	case result.AlreadyExists:
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := CommandResponse{
		URL:           result.URL,
		ExpiresAt:     result.ExpiresAt,
		AlreadyExists: result.AlreadyExists,
		Provisioning:  result.Provisioning,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error(err, "Failed to encode command response")
	}
}

// handleInteraction applies an extend/end decision. Stale decisions are
// absorbed by the lifecycle machinery, so the response is 202 either way.
func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context())

	payload := s.readSigned(w, r)
	if payload == nil {
		return
	}

	var req InteractionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		logger.Error(err, "Failed to parse JSON payload")
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Owner == "" {
		http.Error(w, "Missing owner", http.StatusBadRequest)
		return
	}

	action, ok := expiry.ParseAction(req.Action)
	if !ok {
		http.Error(w, "Unknown action", http.StatusBadRequest)
		return
	}

	if !s.rateLimiter.Allow(req.Owner) {
		logger.Info("Rate limit exceeded", "owner", req.Owner)
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	s.orch.HandleAction(req.Owner, action)
	w.WriteHeader(http.StatusAccepted)
}
