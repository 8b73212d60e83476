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
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"
)

func testConfig() Config {
	return Config{
		Namespace:  "workspaces",
		Image:      "ghcr.io/osucyber/vs-workspace:latest",
		Hostname:   "cyberlab",
		BaseDomain: "workspaces.osucyber.club",
	}
}

func newScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))
	return scheme
}

func TestManager_Provision_creates_full_resource_set(t *testing.T) {
	scheme := newScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).Build()
	m := NewManager(c, testConfig())

	expiresAt := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	result, err := m.Provision(context.Background(), "1096539", expiresAt)
	require.NoError(t, err)

	assert.Equal(t, "workspace-1096539", result.ResourceID)
	assert.NotEmpty(t, result.Credential)
	assert.Equal(t,
		fmt.Sprintf("https://workspaces.osucyber.club/1096539/?tkn=%s", result.Credential),
		result.URL)

	key := types.NamespacedName{Name: "workspace-1096539", Namespace: "workspaces"}
	ctx := context.Background()

	var cm corev1.ConfigMap
	require.NoError(t, c.Get(ctx, key, &cm))
	assert.Contains(t, cm.Data["config.yaml"], "bind-addr: 0.0.0.0:8080")
	assert.Contains(t, cm.Data["config.yaml"], "auth: password")
	assert.Contains(t, cm.Data["config.yaml"], result.Credential)

	var svc corev1.Service
	require.NoError(t, c.Get(ctx, key, &svc))
	assert.Equal(t, "1096539", svc.Spec.Selector[OwnerLabel])

	var ing networkingv1.Ingress
	require.NoError(t, c.Get(ctx, key, &ing))
	require.Len(t, ing.Spec.Rules, 1)
	require.Len(t, ing.Spec.Rules[0].HTTP.Paths, 1)
	assert.Equal(t, "/1096539", ing.Spec.Rules[0].HTTP.Paths[0].Path)
	assert.Equal(t, "workspace-1096539", ing.Spec.Rules[0].HTTP.Paths[0].Backend.Service.Name)

	var pod corev1.Pod
	require.NoError(t, c.Get(ctx, key, &pod))
	assert.Equal(t, "1096539", pod.Labels[OwnerLabel])
	assert.Equal(t, ManagedByValue, pod.Labels[ManagedByLabel])
	assert.Equal(t, result.Credential, pod.Labels[CredentialLabel])
	assert.Equal(t, "2025-06-01T14:00:00Z", pod.Annotations[ExpiresAtAnnotation])
	require.Len(t, pod.Spec.Containers, 1)
	assert.Equal(t, "ghcr.io/osucyber/vs-workspace:latest", pod.Spec.Containers[0].Image)
}

func TestManager_Provision_rolls_back_partial_set_on_failure(t *testing.T) {
	scheme := newScheme(t)

	// Fail the pod creation, the last saga step, so the config map, service
	// and ingress exist at the moment of failure.
	c := fake.NewClientBuilder().
		WithScheme(scheme).
		WithInterceptorFuncs(interceptor.Funcs{
			Create: func(ctx context.Context, cl client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
				if _, ok := obj.(*corev1.Pod); ok {
					return fmt.Errorf("admission webhook rejected pod")
				}
				return cl.Create(ctx, obj, opts...)
			},
		}).
		Build()
	m := NewManager(c, testConfig())

	_, err := m.Provision(context.Background(), "1096539", time.Now().Add(time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admission webhook rejected pod")

	ctx := context.Background()
	key := types.NamespacedName{Name: "workspace-1096539", Namespace: "workspaces"}
	assert.Error(t, c.Get(ctx, key, &corev1.ConfigMap{}), "config map should be rolled back")
	assert.Error(t, c.Get(ctx, key, &corev1.Service{}), "service should be rolled back")
	assert.Error(t, c.Get(ctx, key, &networkingv1.Ingress{}), "ingress should be rolled back")
}

func TestManager_Teardown_is_idempotent(t *testing.T) {
	scheme := newScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).Build()
	m := NewManager(c, testConfig())

	_, err := m.Provision(context.Background(), "1096539", time.Now().Add(time.Hour))
	require.NoError(t, err)

	report := m.Teardown(context.Background(), "workspace-1096539")
	assert.True(t, report.OK())
	assert.NoError(t, report.Err())

	// Second teardown finds nothing; already-gone is success.
	report = m.Teardown(context.Background(), "workspace-1096539")
	assert.True(t, report.OK())

	var pods corev1.PodList
	require.NoError(t, c.List(context.Background(), &pods, client.InNamespace("workspaces")))
	assert.Empty(t, pods.Items)
}

func TestManager_Teardown_collects_failures_without_aborting(t *testing.T) {
	scheme := newScheme(t)
	c := fake.NewClientBuilder().
		WithScheme(scheme).
		WithInterceptorFuncs(interceptor.Funcs{
			Delete: func(ctx context.Context, cl client.WithWatch, obj client.Object, opts ...client.DeleteOption) error {
				if _, ok := obj.(*corev1.Service); ok {
					return fmt.Errorf("api server unavailable")
				}
				return cl.Delete(ctx, obj, opts...)
			},
		}).
		Build()
	m := NewManager(c, testConfig())

	_, err := m.Provision(context.Background(), "1096539", time.Now().Add(time.Hour))
	require.NoError(t, err)

	report := m.Teardown(context.Background(), "workspace-1096539")
	assert.False(t, report.OK())
	require.Contains(t, report.Failures, "service")
	require.Error(t, report.Err())
	assert.True(t, strings.Contains(report.Err().Error(), "api server unavailable"))

	// Every other member must still have been deleted.
	ctx := context.Background()
	key := types.NamespacedName{Name: "workspace-1096539", Namespace: "workspaces"}
	assert.Error(t, c.Get(ctx, key, &corev1.Pod{}))
	assert.Error(t, c.Get(ctx, key, &networkingv1.Ingress{}))
	assert.Error(t, c.Get(ctx, key, &corev1.ConfigMap{}))
}

func TestManager_Provision_generates_fresh_credential_each_cycle(t *testing.T) {
	scheme := newScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).Build()
	m := NewManager(c, testConfig())

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		result, err := m.Provision(context.Background(), "1096539", time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, seen[result.Credential], "credential reused on cycle %d", i)
		seen[result.Credential] = true

		report := m.Teardown(context.Background(), result.ResourceID)
		require.True(t, report.OK())
	}
}
