/*
Copyright (c) 2025 The Workspaced Authors

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

package expiry

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/osucyber/workspaced/internal/session"
)

// Action is a user decision on a session nearing expiry.
type Action int

const (
	// ActionExtend pushes the expiry out by the configured increment
	ActionExtend Action = iota
	// ActionEnd terminates the session immediately
	ActionEnd
)

// String returns the wire identifier for the action.
func (a Action) String() string {
	switch a {
	case ActionExtend:
		return "extend"
	case ActionEnd:
		return "end"
	default:
		return "unknown"
	}
}

// ParseAction maps a wire identifier to an Action.
func ParseAction(s string) (Action, bool) {
	switch s {
	case "extend":
		return ActionExtend, true
	case "end":
		return ActionEnd, true
	default:
		return 0, false
	}
}

// Notifier delivers lifecycle messages to the session owner. Delivery
// failures are logged by the scheduler and never affect session state or
// timers.
type Notifier interface {
	// Warn tells the owner their workspace is about to expire, offering
	// the extend and end actions alongside the access link
	Warn(ctx context.Context, owner string, expiresAt time.Time, url string) error
	// Extended confirms an extension and the new expiry
	Extended(ctx context.Context, owner string, expiresAt time.Time) error
	// Farewell reports the final session age after teardown
	Farewell(ctx context.Context, owner string, age time.Duration) error
}

// TeardownFunc destroys the session's cluster resources. It must not panic;
// errors are handled (logged) by the implementation itself.
type TeardownFunc func(owner, resourceID string)

// Scheduler drives the per-session expiry state machine:
//
//	Running -> WarnPending            warn timer fires, end timer armed
//	WarnPending -> Running            extend action, expiry pushed out
//	WarnPending -> Terminating        end timer fires or end action
//	Terminating -> Terminated         teardown done, registry released
//
// Each live session holds exactly one active timer at any time: arming a
// timer always replaces (stops) the previous one. All state transitions are
// serialized under the scheduler mutex; network side effects (notification,
// teardown) run after it is released.
type Scheduler struct {
	registry   *session.Registry
	notifier   Notifier
	teardown   TeardownFunc
	warnOffset time.Duration
	extension  time.Duration
	logger     logr.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewScheduler creates a scheduler. warnOffset is the lead time before
// expiry at which the owner is warned, extension the increment applied per
// extend action.
func NewScheduler(registry *session.Registry, notifier Notifier, teardown TeardownFunc, warnOffset, extension time.Duration) *Scheduler {
	return &Scheduler{
		registry:   registry,
		notifier:   notifier,
		teardown:   teardown,
		warnOffset: warnOffset,
		extension:  extension,
		logger:     log.Log.WithName("expiry"),
		timers:     make(map[string]*time.Timer),
	}
}

// Track moves a freshly provisioned (or readopted) session into Running and
// arms its warn timer against the session's expiry. The timer fires
// immediately if the warn point is already in the past.
func (s *Scheduler) Track(sess *session.Session) {
	owner := sess.Owner

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	sess.SetState(session.StateRunning)
	s.armLocked(owner, time.Until(sess.ExpiresAt().Add(-s.warnOffset)), func() {
		s.onWarn(owner)
	})
}

// HandleAction dispatches an extend or end decision for the owner. Actions
// for sessions not in WarnPending (unknown owner included) are no-ops, not
// errors: the button may simply have been pressed after the session ended.
func (s *Scheduler) HandleAction(owner string, action Action) {
	switch action {
	case ActionExtend:
		s.extend(owner)
	case ActionEnd:
		s.endFromWarn(owner)
	}
}

// Terminate ends the owner's session regardless of its current state. The
// reconciler uses this for leftovers that are already past their grace
// window.
func (s *Scheduler) Terminate(owner string) {
	s.mu.Lock()
	sess, ok := s.registry.Get(owner)
	if !ok || isTerminal(sess.State()) {
		s.mu.Unlock()
		return
	}
	s.beginTerminationLocked(owner, sess)
	s.mu.Unlock()

	s.finishTermination(owner, sess)
}

// ActiveTimers returns the number of armed timers. Exactly one per live
// session.
func (s *Scheduler) ActiveTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Shutdown cancels every outstanding timer, best effort. Teardown of still
// running workspaces is left to the next process's reconciliation sweep.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for owner, timer := range s.timers {
		timer.Stop()
		delete(s.timers, owner)
	}
}

// armLocked replaces the owner's active timer with a new one firing after d.
// Caller holds s.mu. Negative delays are clamped so overdue transitions fire
// immediately rather than never.
func (s *Scheduler) armLocked(owner string, d time.Duration, fn func()) {
	if timer, ok := s.timers[owner]; ok {
		timer.Stop()
	}
	if d < 0 {
		d = 0
	}
	s.timers[owner] = time.AfterFunc(d, fn)
}

// disarmLocked stops and forgets the owner's timer. Caller holds s.mu.
func (s *Scheduler) disarmLocked(owner string) {
	if timer, ok := s.timers[owner]; ok {
		timer.Stop()
		delete(s.timers, owner)
	}
}

func isTerminal(st session.State) bool {
	return st == session.StateTerminating || st == session.StateTerminated
}

// onWarn fires at expiresAt - warnOffset: notify the owner with the
// extend/end choice and arm the end timer.
func (s *Scheduler) onWarn(owner string) {
	s.mu.Lock()
	sess, ok := s.registry.Get(owner)
	if !ok || s.closed || sess.State() != session.StateRunning {
		s.mu.Unlock()
		return
	}
	sess.SetState(session.StateWarnPending)
	s.armLocked(owner, s.warnOffset, func() {
		s.onEndTimer(owner)
	})
	expiresAt := sess.ExpiresAt()
	url := sess.URL()
	s.mu.Unlock()

	if err := s.notifier.Warn(context.Background(), owner, expiresAt, url); err != nil {
		s.logger.Error(err, "warn notification failed", "owner", owner)
	}
}

// extend handles the extend action: cancel the end timer, push the expiry
// out and re-arm the warn timer against the new expiry.
func (s *Scheduler) extend(owner string) {
	s.mu.Lock()
	sess, ok := s.registry.Get(owner)
	if !ok || s.closed || sess.State() != session.StateWarnPending {
		s.mu.Unlock()
		return
	}
	sess.SetState(session.StateExtending)
	newExpiry := sess.Extend(s.extension)
	s.armLocked(owner, time.Until(newExpiry.Add(-s.warnOffset)), func() {
		s.onWarn(owner)
	})
	sess.SetState(session.StateRunning)
	s.mu.Unlock()

	if err := s.notifier.Extended(context.Background(), owner, newExpiry); err != nil {
		s.logger.Error(err, "extension notification failed", "owner", owner)
	}
}

// endFromWarn handles the explicit end action, valid only while the warning
// is pending.
func (s *Scheduler) endFromWarn(owner string) {
	s.mu.Lock()
	sess, ok := s.registry.Get(owner)
	if !ok || s.closed || sess.State() != session.StateWarnPending {
		s.mu.Unlock()
		return
	}
	s.beginTerminationLocked(owner, sess)
	s.mu.Unlock()

	s.finishTermination(owner, sess)
}

// onEndTimer fires warnOffset after the warning if no action arrived.
func (s *Scheduler) onEndTimer(owner string) {
	s.mu.Lock()
	sess, ok := s.registry.Get(owner)
	if !ok || s.closed || isTerminal(sess.State()) {
		s.mu.Unlock()
		return
	}
	s.beginTerminationLocked(owner, sess)
	s.mu.Unlock()

	s.finishTermination(owner, sess)
}

// beginTerminationLocked cancels any outstanding timer and marks the
// session Terminating, closing the state machine to further actions.
// Caller holds s.mu.
func (s *Scheduler) beginTerminationLocked(owner string, sess *session.Session) {
	s.disarmLocked(owner)
	sess.SetState(session.StateTerminating)
}

// finishTermination runs the teardown, releases the registry lease and
// sends the final notification. Teardown failures never block the lease
// release; leftover objects are caught by the next reconciliation sweep.
func (s *Scheduler) finishTermination(owner string, sess *session.Session) {
	age := sess.Age(time.Now())

	s.teardown(owner, sess.ResourceID())

	sess.SetState(session.StateTerminated)
	s.registry.Release(owner)

	if err := s.notifier.Farewell(context.Background(), owner, age); err != nil {
		s.logger.Error(err, "farewell notification failed", "owner", owner)
	}
}
