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

// Package workspace ties the registry, provisioner and expiry scheduler
// together into the session lifecycle orchestrator the front-end talks to.
package workspace

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/osucyber/workspaced/internal/expiry"
	"github.com/osucyber/workspaced/internal/provision"
	"github.com/osucyber/workspaced/internal/session"
)

// Config carries the lifecycle timings.
type Config struct {
	// SessionTTL is the initial lifetime granted to a new session
	SessionTTL time.Duration
	// WarnOffset is the lead time before expiry at which the owner is
	// warned and offered an extension
	WarnOffset time.Duration
	// ExtensionIncrement is added to the expiry per extend action
	ExtensionIncrement time.Duration
	// ReadinessAttempts bounds the readiness poll
	ReadinessAttempts int
	// ReadinessInterval is the fixed delay between readiness polls
	ReadinessInterval time.Duration
	// TeardownTimeout bounds a single teardown pass
	TeardownTimeout time.Duration
}

// CreateResult is what a create request hands back to the front-end.
type CreateResult struct {
	// URL is the owner's access link
	URL string
	// ExpiresAt is the session's current expiry
	ExpiresAt time.Time
	// AlreadyExists is set when the owner already had a live session and
	// its info was returned instead of provisioning a new one
	AlreadyExists bool
	// Provisioning is set alongside AlreadyExists when the existing
	// session has not produced its access info yet; URL and ExpiresAt are
	// empty in that case
	Provisioning bool
}

// Orchestrator owns the session lifecycle end to end: the single-flight
// create path, action dispatch into the expiry state machine, and the
// teardown callback that destroys cluster resources and releases the
// registry lease.
type Orchestrator struct {
	registry    *session.Registry
	provisioner *provision.Manager
	scheduler   *expiry.Scheduler
	cfg         Config
	logger      logr.Logger
}

// New wires an orchestrator. The expiry scheduler is created here so its
// teardown callback can reach back into the provisioner.
func New(registry *session.Registry, provisioner *provision.Manager, notifier expiry.Notifier, cfg Config) *Orchestrator {
	o := &Orchestrator{
		registry:    registry,
		provisioner: provisioner,
		cfg:         cfg,
		logger:      log.Log.WithName("workspace"),
	}
	o.scheduler = expiry.NewScheduler(registry, notifier, o.teardownSession, cfg.WarnOffset, cfg.ExtensionIncrement)
	return o
}

// Create provisions a workspace for the owner, waits for it to become
// ready and starts the TTL countdown. A second create while a session is
// live is not an error: the existing session's access info is returned
// unchanged, or a Provisioning result if the first create has not finished
// yet.
//
// Provisioning and readiness failures both surface as errors, and in both
// cases no cluster resources survive the failed attempt.
func (o *Orchestrator) Create(ctx context.Context, owner string) (*CreateResult, error) {
	sess, err := o.registry.TryAcquire(owner)
	if err != nil {
		if ae, ok := session.AsAlreadyExists(err); ok {
			url, expiresAt, ready := ae.Existing.Access()
			if !ready {
				return &CreateResult{AlreadyExists: true, Provisioning: true}, nil
			}
			return &CreateResult{
				URL:           url,
				ExpiresAt:     expiresAt,
				AlreadyExists: true,
			}, nil
		}
		return nil, err
	}

	now := time.Now()
	expiresAt := now.Add(o.cfg.SessionTTL)

	result, err := o.provisioner.Provision(ctx, owner, expiresAt)
	if err != nil {
		o.registry.Release(owner)
		return nil, fmt.Errorf("failed to provision workspace: %w", err)
	}

	sess.SetAccessInfo(result.ResourceID, result.Credential, result.URL, now)
	sess.SetExpiresAt(expiresAt)

	ready, err := o.provisioner.WaitUntilReady(ctx, result.ResourceID, o.cfg.ReadinessAttempts, o.cfg.ReadinessInterval)
	if err != nil {
		// The set was fully created; roll it back before reporting.
		if report := o.provisioner.Teardown(ctx, result.ResourceID); !report.OK() {
			o.logger.Error(report.Err(), "rollback after readiness failure incomplete", "owner", owner)
		}
		o.registry.Release(owner)
		return nil, fmt.Errorf("workspace never became ready: %w", err)
	}
	if !ready.StartedAt.IsZero() {
		sess.SetCreatedAt(ready.StartedAt)
	}

	o.scheduler.Track(sess)
	o.logger.Info("workspace created", "owner", owner, "resource", result.ResourceID, "expiresAt", expiresAt)

	return &CreateResult{URL: result.URL, ExpiresAt: expiresAt}, nil
}

// HandleAction dispatches an extend/end decision for the owner. Stale
// actions are no-ops.
func (o *Orchestrator) HandleAction(owner string, action expiry.Action) {
	o.scheduler.HandleAction(owner, action)
}

// Sessions returns read-only summaries of all live sessions.
func (o *Orchestrator) Sessions() []session.Summary {
	return o.registry.Snapshot()
}

// AdoptRecord describes a session reconstructed from cluster object
// metadata after a process restart.
type AdoptRecord struct {
	Owner      string
	ResourceID string
	Credential string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Adopt re-enters a reconstructed session into the state machine. Sessions
// already past their expiry plus the warn grace are run straight down;
// everything else resumes its countdown as if the restart never happened.
func (o *Orchestrator) Adopt(rec AdoptRecord) error {
	sess, err := o.registry.TryAcquire(rec.Owner)
	if err != nil {
		return fmt.Errorf("failed to adopt session for %s: %w", rec.Owner, err)
	}

	sess.SetAccessInfo(rec.ResourceID, rec.Credential,
		o.provisioner.AccessURL(rec.Owner, rec.Credential), rec.CreatedAt)
	sess.SetExpiresAt(rec.ExpiresAt)

	if time.Now().After(rec.ExpiresAt.Add(o.cfg.WarnOffset)) {
		o.logger.Info("adopted session already expired, terminating", "owner", rec.Owner)
		o.scheduler.Terminate(rec.Owner)
		return nil
	}

	o.scheduler.Track(sess)
	o.logger.Info("adopted session", "owner", rec.Owner, "expiresAt", rec.ExpiresAt)
	return nil
}

// ActiveTimers reports the number of armed expiry timers, one per live
// session.
func (o *Orchestrator) ActiveTimers() int {
	return o.scheduler.ActiveTimers()
}

// Shutdown cancels all expiry timers, best effort. In-flight API calls are
// not aborted; anything left behind is swept on the next startup.
func (o *Orchestrator) Shutdown() {
	o.scheduler.Shutdown()
}

func (o *Orchestrator) teardownSession(owner, resourceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TeardownTimeout)
	defer cancel()

	if report := o.provisioner.Teardown(ctx, resourceID); !report.OK() {
		o.logger.Error(report.Err(), "teardown incomplete, leftovers swept on next startup",
			"owner", owner, "resource", resourceID)
	}
}
