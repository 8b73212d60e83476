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

package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
)

var (
	// ErrReadinessTimeout is returned when the workspace pod never reached
	// the Running phase within the attempt budget
	ErrReadinessTimeout = errors.New("workspace did not become ready in time")

	// ErrWorkspaceFailed is returned when the workspace pod reached a
	// terminal phase while we were waiting for it to start
	ErrWorkspaceFailed = errors.New("workspace pod failed to start")
)

// ReadyInfo describes a workspace pod observed in the Running phase.
type ReadyInfo struct {
	// StartedAt is the pod's reported start time, used later for age
	// reporting
	StartedAt time.Time
}

// WaitUntilReady polls the session's pod at a fixed interval until it reports
// the Running phase. The wait is bounded: after maxAttempts polls with no
// running phase it fails with ErrReadinessTimeout. A pod observed in a
// Failed or Succeeded phase fails fast with ErrWorkspaceFailed instead of
// burning the remaining attempts.
func (m *Manager) WaitUntilReady(ctx context.Context, resourceID string, maxAttempts int, interval time.Duration) (*ReadyInfo, error) {
	key := types.NamespacedName{Name: resourceID, Namespace: m.cfg.Namespace}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var pod corev1.Pod
		if err := m.client.Get(ctx, key, &pod); err != nil {
			return nil, fmt.Errorf("failed to poll pod %s: %w", resourceID, err)
		}

		switch pod.Status.Phase {
		case corev1.PodRunning:
			info := &ReadyInfo{StartedAt: pod.CreationTimestamp.Time}
			if pod.Status.StartTime != nil {
				info.StartedAt = pod.Status.StartTime.Time
			}
			return info, nil
		case corev1.PodFailed, corev1.PodSucceeded:
			return nil, fmt.Errorf("%w: pod %s is %s", ErrWorkspaceFailed, resourceID, pod.Status.Phase)
		}

		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}

	return nil, fmt.Errorf("%w: pod %s after %d attempts", ErrReadinessTimeout, resourceID, maxAttempts)
}
