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

// Package reconcile rebuilds in-memory session state from cluster objects
// after a process restart. Session metadata lives on the workspace pod
// (owner label, credential label, expires-at annotation), so the cluster
// API is the only store the sweep needs.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/osucyber/workspaced/internal/provision"
	"github.com/osucyber/workspaced/internal/workspace"
)

// Adopter re-enters a reconstructed session into the lifecycle machinery.
type Adopter interface {
	Adopt(rec workspace.AdoptRecord) error
}

// Sweeper performs the one-shot startup sweep. Pods carrying complete
// session metadata are adopted and resume their countdown; pods whose
// metadata cannot be reconstructed are torn down so nothing managed is
// left orphaned.
type Sweeper struct {
	client      client.Client
	provisioner *provision.Manager
	adopter     Adopter
	namespace   string
	logger      logr.Logger
}

// NewSweeper creates a startup sweeper over the given namespace.
func NewSweeper(c client.Client, provisioner *provision.Manager, adopter Adopter, namespace string) *Sweeper {
	return &Sweeper{
		client:      c,
		provisioner: provisioner,
		adopter:     adopter,
		namespace:   namespace,
		logger:      log.Log.WithName("reconcile"),
	}
}

// Run lists every managed workspace pod and either adopts or discards it.
// Per-pod failures are logged and skipped; only a failed list aborts the
// sweep, since without the list nothing can be reconstructed.
func (s *Sweeper) Run(ctx context.Context) error {
	pods := &corev1.PodList{}
	err := s.client.List(ctx, pods,
		client.InNamespace(s.namespace),
		client.MatchingLabels{provision.ManagedByLabel: provision.ManagedByValue})
	if err != nil {
		return fmt.Errorf("failed to list managed pods: %w", err)
	}

	adopted, discarded := 0, 0
	for i := range pods.Items {
		pod := &pods.Items[i]

		rec, err := recordFromPod(pod)
		if err != nil {
			s.logger.Info("discarding pod with unusable session metadata",
				"pod", pod.Name, "reason", err.Error())
			if report := s.provisioner.Teardown(ctx, pod.Name); !report.OK() {
				s.logger.Error(report.Err(), "failed to discard orphaned resource set", "pod", pod.Name)
			}
			discarded++
			continue
		}

		if err := s.adopter.Adopt(*rec); err != nil {
			s.logger.Error(err, "failed to adopt session", "pod", pod.Name, "owner", rec.Owner)
			continue
		}
		adopted++
	}

	s.logger.Info("startup sweep complete", "adopted", adopted, "discarded", discarded)
	return nil
}

// recordFromPod reconstructs a session record from pod metadata. The owner
// label and a parsable expires-at annotation are mandatory; a missing
// credential only breaks the stored access link, not the lifecycle, so it
// is tolerated.
func recordFromPod(pod *corev1.Pod) (*workspace.AdoptRecord, error) {
	owner := pod.Labels[provision.OwnerLabel]
	if owner == "" {
		return nil, errors.New("missing owner label")
	}

	raw := pod.Annotations[provision.ExpiresAtAnnotation]
	if raw == "" {
		return nil, errors.New("missing expires-at annotation")
	}
	expiresAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("unparsable expires-at annotation %q: %w", raw, err)
	}

	createdAt := pod.CreationTimestamp.Time
	if pod.Status.StartTime != nil {
		createdAt = pod.Status.StartTime.Time
	}

	return &workspace.AdoptRecord{
		Owner:      owner,
		ResourceID: pod.Name,
		Credential: pod.Labels[provision.CredentialLabel],
		CreatedAt:  createdAt,
		ExpiresAt:  expiresAt,
	}, nil
}
