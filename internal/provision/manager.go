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

// Package provision creates and destroys the cluster resource set backing a
// workspace session: config map, service, ingress and pod, all sharing one
// deterministic name.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	// OwnerLabel carries the owner identity on every session object
	OwnerLabel = "workspace.osucyber.club/owner"

	// ManagedByLabel marks objects created by this system; the reconciler's
	// startup sweep lists by it
	ManagedByLabel = "workspace.osucyber.club/managed-by"

	// CredentialLabel carries the session credential for later discovery
	CredentialLabel = "workspace.osucyber.club/credential"

	// ExpiresAtAnnotation records the absolute expiry on the pod so a
	// restarted process can rebuild scheduler state instead of deleting
	// still-valid sessions
	ExpiresAtAnnotation = "workspace.osucyber.club/expires-at"

	// ManagedByValue is the value of ManagedByLabel on objects we own
	ManagedByValue = "workspaced"

	// WorkspacePort is the port the workspace container listens on
	WorkspacePort = 8080

	usernsAnnotation = "io.kubernetes.cri-o.userns-mode"
	usernsMode       = "auto:size=65536"

	rewriteTargetAnnotation = "nginx.ingress.kubernetes.io/rewrite-target"
)

// Config carries the cluster-facing settings for provisioning.
type Config struct {
	// Namespace is the single namespace all session objects live in
	Namespace string
	// Image is the workspace container image
	Image string
	// Hostname is the hostname set inside the workspace pod
	Hostname string
	// BaseDomain is the public domain access URLs are built on
	BaseDomain string
}

// Result is what a successful Provision hands back to the orchestrator.
type Result struct {
	ResourceID string
	Credential string
	URL        string
}

// Manager provisions and tears down the four-object resource set for one
// session. No other component may create or delete objects under a session's
// resource name.
type Manager struct {
	client client.Client
	cfg    Config
}

// NewManager creates a new provisioning manager.
func NewManager(c client.Client, cfg Config) *Manager {
	return &Manager{
		client: c,
		cfg:    cfg,
	}
}

// ResourceName returns the deterministic name shared by every cluster object
// belonging to the owner's session. Name uniqueness inside the namespace is
// the platform-level guard against duplicate sessions.
func ResourceName(owner string) string {
	return fmt.Sprintf("workspace-%s", owner)
}

// AccessURL builds the owner's workspace link, credential included.
func (m *Manager) AccessURL(owner, credential string) string {
	return fmt.Sprintf("https://%s/%s/?tkn=%s", m.cfg.BaseDomain, owner, credential)
}

// Provision creates the full resource set for the owner: config map first,
// then service, ingress and pod. The resource set is a saga: if any creation
// step fails, every member created so far is deleted in reverse order before
// the error is surfaced, so a failed create never leaves partial state
// behind.
func (m *Manager) Provision(ctx context.Context, owner string, expiresAt time.Time) (*Result, error) {
	resourceID := ResourceName(owner)
	credential := uuid.NewString()

	objects := []client.Object{
		m.buildConfigMap(resourceID, owner, credential),
		m.buildService(resourceID, owner),
		m.buildIngress(resourceID, owner),
		m.buildPod(resourceID, owner, credential, expiresAt),
	}

	var created []client.Object
	for _, obj := range objects {
		if err := m.client.Create(ctx, obj); err != nil {
			m.rollback(ctx, created)
			return nil, fmt.Errorf("failed to create %s %s: %w",
				obj.GetObjectKind().GroupVersionKind().Kind, resourceID, err)
		}
		created = append(created, obj)
	}

	return &Result{
		ResourceID: resourceID,
		Credential: credential,
		URL:        m.AccessURL(owner, credential),
	}, nil
}

// rollback deletes partially created members in reverse creation order.
// Failures here are logged only; the original creation error is what the
// caller sees.
func (m *Manager) rollback(ctx context.Context, created []client.Object) {
	logger := log.FromContext(ctx)
	for i := len(created) - 1; i >= 0; i-- {
		obj := created[i]
		if err := m.client.Delete(ctx, obj); err != nil && !apierrors.IsNotFound(err) {
			logger.Error(err, "rollback delete failed",
				"name", obj.GetName(), "kind", obj.GetObjectKind().GroupVersionKind().Kind)
		}
	}
}

// TeardownReport collects the outcome of deleting a session's resource set.
// Already-gone members count as success.
type TeardownReport struct {
	// Failures maps member kind to the deletion error, for members whose
	// deletion genuinely failed
	Failures map[string]error
}

// OK reports whether every member was deleted (or already gone).
func (r *TeardownReport) OK() bool {
	return len(r.Failures) == 0
}

// Err joins all member failures into one error, or nil if none.
func (r *TeardownReport) Err() error {
	if r.OK() {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for kind, err := range r.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", kind, err))
	}
	return errors.Join(errs...)
}

// Teardown deletes all four members of the resource set by name. Each
// deletion tolerates NotFound as success, and a failed deletion never stops
// the remaining ones; failures are collected in the report.
func (m *Manager) Teardown(ctx context.Context, resourceID string) *TeardownReport {
	meta := metav1.ObjectMeta{Name: resourceID, Namespace: m.cfg.Namespace}

	members := []struct {
		kind string
		obj  client.Object
	}{
		{"pod", &corev1.Pod{ObjectMeta: meta}},
		{"ingress", &networkingv1.Ingress{ObjectMeta: meta}},
		{"service", &corev1.Service{ObjectMeta: meta}},
		{"configmap", &corev1.ConfigMap{ObjectMeta: meta}},
	}

	report := &TeardownReport{Failures: make(map[string]error)}
	for _, member := range members {
		if err := m.client.Delete(ctx, member.obj); err != nil && !apierrors.IsNotFound(err) {
			report.Failures[member.kind] = err
		}
	}
	return report
}

func (m *Manager) sessionLabels(owner string) map[string]string {
	return map[string]string{
		OwnerLabel:     owner,
		ManagedByLabel: ManagedByValue,
	}
}

// buildConfigMap holds the workspace server settings mounted into the pod:
// bind address, auth mode and the session credential.
func (m *Manager) buildConfigMap(resourceID, owner, credential string) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		TypeMeta: metav1.TypeMeta{Kind: "ConfigMap", APIVersion: "v1"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      resourceID,
			Namespace: m.cfg.Namespace,
			Labels:    m.sessionLabels(owner),
		},
		Data: map[string]string{
			"config.yaml": fmt.Sprintf("bind-addr: 0.0.0.0:%d\nauth: password\npassword: %s\n", WorkspacePort, credential),
		},
	}
}

func (m *Manager) buildService(resourceID, owner string) *corev1.Service {
	return &corev1.Service{
		TypeMeta: metav1.TypeMeta{Kind: "Service", APIVersion: "v1"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      resourceID,
			Namespace: m.cfg.Namespace,
			Labels:    m.sessionLabels(owner),
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{OwnerLabel: owner},
			Ports: []corev1.ServicePort{
				{
					Name: "http",
					Port: WorkspacePort,
				},
			},
		},
	}
}

// buildIngress routes /<owner> on the base domain to the session's service,
// rewriting to the service root so the workspace server sees clean paths.
func (m *Manager) buildIngress(resourceID, owner string) *networkingv1.Ingress {
	pathType := networkingv1.PathTypePrefix
	return &networkingv1.Ingress{
		TypeMeta: metav1.TypeMeta{Kind: "Ingress", APIVersion: "networking.k8s.io/v1"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      resourceID,
			Namespace: m.cfg.Namespace,
			Labels:    m.sessionLabels(owner),
			Annotations: map[string]string{
				rewriteTargetAnnotation: "/",
			},
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{
				{
					Host: m.cfg.BaseDomain,
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path:     fmt.Sprintf("/%s", owner),
									PathType: &pathType,
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: resourceID,
											Port: networkingv1.ServiceBackendPort{
												Number: WorkspacePort,
											},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

func (m *Manager) buildPod(resourceID, owner, credential string, expiresAt time.Time) *corev1.Pod {
	labels := m.sessionLabels(owner)
	labels[CredentialLabel] = credential

	runtimeClass := "sysbox-runc"

	return &corev1.Pod{
		TypeMeta: metav1.TypeMeta{Kind: "Pod", APIVersion: "v1"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      resourceID,
			Namespace: m.cfg.Namespace,
			Labels:    labels,
			Annotations: map[string]string{
				usernsAnnotation:    usernsMode,
				ExpiresAtAnnotation: expiresAt.UTC().Format(time.RFC3339),
			},
		},
		Spec: corev1.PodSpec{
			RuntimeClassName: &runtimeClass,
			Hostname:         m.cfg.Hostname,
			Volumes: []corev1.Volume{
				{
					Name: "workspace-config",
					VolumeSource: corev1.VolumeSource{
						ConfigMap: &corev1.ConfigMapVolumeSource{
							LocalObjectReference: corev1.LocalObjectReference{Name: resourceID},
						},
					},
				},
			},
			Containers: []corev1.Container{
				{
					Name:            "workspace",
					Image:           m.cfg.Image,
					ImagePullPolicy: corev1.PullAlways,
					VolumeMounts: []corev1.VolumeMount{
						{
							Name:      "workspace-config",
							MountPath: "/home/coder/.config/code-server",
						},
					},
					Ports: []corev1.ContainerPort{
						{Name: "http", ContainerPort: WorkspacePort},
					},
					Resources: corev1.ResourceRequirements{
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse("10m"),
							corev1.ResourceMemory: resource.MustParse("128Mi"),
						},
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse("500m"),
							corev1.ResourceMemory: resource.MustParse("768Mi"),
						},
					},
				},
			},
		},
	}
}
