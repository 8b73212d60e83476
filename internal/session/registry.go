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

package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// AlreadyExistsError is returned by TryAcquire when the owner already holds
// a live session. Callers treat this as the idempotent-create case and hand
// back the existing session's access info rather than failing.
type AlreadyExistsError struct {
	Existing *Session
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("owner %s already has an active session", e.Existing.Owner)
}

// AsAlreadyExists unwraps err into an AlreadyExistsError if it is one.
func AsAlreadyExists(err error) (*AlreadyExistsError, bool) {
	var ae *AlreadyExistsError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// Registry is the in-memory mapping from owner identity to active session.
// It is the single-flight gate for session creation: TryAcquire atomically
// checks for an existing session and inserts the new record, so two
// near-simultaneous create requests for the same owner can never both pass.
// The cluster-side name uniqueness of the resource set is the second line
// of defense.
//
// The registry is the only mutable state shared across sessions. Owners are
// independent, so a single mutex around the map is enough.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// TryAcquire atomically claims the owner's slot. On success it inserts and
// returns a fresh session in the Provisioning state. If the owner already
// holds a live session, it returns an AlreadyExistsError carrying that
// session.
func (r *Registry) TryAcquire(owner string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[owner]; ok {
		return nil, &AlreadyExistsError{Existing: existing}
	}

	sess := New(owner)
	r.sessions[owner] = sess
	return sess, nil
}

// Get returns the owner's session, if any.
func (r *Registry) Get(owner string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[owner]
	return sess, ok
}

// Release forgets the owner's session. Releasing an absent owner is a no-op.
func (r *Registry) Release(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, owner)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns read-only summaries of all sessions, sorted by owner.
func (r *Registry) Snapshot() []Summary {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	summaries := make([]Summary, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, sess.Summarize())
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Owner < summaries[j].Owner
	})
	return summaries
}
