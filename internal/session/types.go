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
	"sync"
	"time"
)

// State represents the lifecycle phase of a workspace session
type State string

const (
	// StateProvisioning indicates cluster resources are being created
	StateProvisioning State = "Provisioning"
	// StateRunning indicates the workspace is ready and the TTL countdown is active
	StateRunning State = "Running"
	// StateWarnPending indicates the expiry warning was sent and the end timer is armed
	StateWarnPending State = "WarnPending"
	// StateExtending indicates an extension is being applied
	StateExtending State = "Extending"
	// StateTerminating indicates teardown is in progress
	StateTerminating State = "Terminating"
	// StateTerminated indicates all resources are gone and the session is dead
	StateTerminated State = "Terminated"
)

// Session is one user's live workspace: the cluster resource set plus its
// lifecycle state. Only Owner is fixed at construction; the access fields
// are filled in while provisioning runs, after the session is already
// visible in the registry, so they sit behind the same mutex as the
// lifecycle state. Timer callbacks, gateway handlers and the duplicate
// create path all touch a session from different goroutines.
type Session struct {
	// Owner is the stable external identity of the requesting user.
	// It is the registry key; one live session per owner.
	Owner string

	mu sync.Mutex

	// resourceID is the deterministic name shared by every cluster object
	// belonging to this session (workspace-<owner>)
	resourceID string
	// credential is the random secret generated at creation, embedded in
	// the mounted config and the access URL
	credential string
	// url is the access link handed to the owner
	url string
	// createdAt is when the workspace started, used for age reporting
	createdAt time.Time

	state     State
	expiresAt time.Time
}

// New returns a session in the Provisioning state for the given owner.
func New(owner string) *Session {
	return &Session{
		Owner: owner,
		state: StateProvisioning,
	}
}

// SetAccessInfo fills in the provisioning results. Called once per session,
// before it leaves the Provisioning state.
func (s *Session) SetAccessInfo(resourceID, credential, url string, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resourceID = resourceID
	s.credential = credential
	s.url = url
	s.createdAt = createdAt
}

// SetCreatedAt replaces the session's start time, once the actual start is
// known.
func (s *Session) SetCreatedAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createdAt = t
}

// ResourceID returns the cluster resource name, or "" while provisioning.
func (s *Session) ResourceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resourceID
}

// Credential returns the session secret, or "" while provisioning.
func (s *Session) Credential() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credential
}

// URL returns the owner's access link, or "" while provisioning.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// CreatedAt returns when the workspace started.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// Access returns the access link and expiry in one consistent read. ready
// is false while the session has not finished provisioning, in which case
// url and expiresAt are not meaningful yet.
func (s *Session) Access() (url string, expiresAt time.Time, ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ready = s.state == StateRunning || s.state == StateWarnPending || s.state == StateExtending
	return s.url, s.expiresAt, ready
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState moves the session to the given state.
func (s *Session) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// ExpiresAt returns the absolute time the session is scheduled to end
// absent extension.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// SetExpiresAt sets the absolute expiry time.
func (s *Session) SetExpiresAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiresAt = t
}

// Extend pushes the expiry out by increment and returns the new expiry.
func (s *Session) Extend(increment time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiresAt = s.expiresAt.Add(increment)
	return s.expiresAt
}

// Age reports how long the session has been alive as of now.
func (s *Session) Age(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.createdAt)
}

// Summary is a read-only snapshot of a session, used by the administrative
// listing. It carries no mutable references.
type Summary struct {
	Owner      string    `json:"owner"`
	ResourceID string    `json:"resourceId"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Summarize returns a point-in-time snapshot of the session.
func (s *Session) Summarize() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		Owner:      s.Owner,
		ResourceID: s.resourceID,
		State:      s.state,
		CreatedAt:  s.createdAt,
		ExpiresAt:  s.expiresAt,
	}
}
