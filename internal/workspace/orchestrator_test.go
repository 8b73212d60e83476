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

package workspace

import (
	"context"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/osucyber/workspaced/internal/expiry"
	"github.com/osucyber/workspaced/internal/provision"
	"github.com/osucyber/workspaced/internal/session"
)

// spyNotifier records chat deliveries without any transport.
type spyNotifier struct {
	mu        sync.Mutex
	warns     int
	extends   int
	farewells int
	lastURL   string
}

func (n *spyNotifier) Warn(_ context.Context, _ string, _ time.Time, url string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warns++
	n.lastURL = url
	return nil
}

func (n *spyNotifier) Extended(_ context.Context, _ string, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.extends++
	return nil
}

func (n *spyNotifier) Farewell(_ context.Context, _ string, _ time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.farewells++
	return nil
}

func (n *spyNotifier) counts() (warns, extends, farewells int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.warns, n.extends, n.farewells
}

// babysit marks every managed pod Running so readiness polls succeed, the
// way the kubelet would on a real cluster. Stops when ctx is done.
func babysit(ctx context.Context, c client.Client) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
			pods := &corev1.PodList{}
			if err := c.List(ctx, pods, client.MatchingLabels{
				provision.ManagedByLabel: provision.ManagedByValue,
			}); err != nil {
				continue
			}
			for i := range pods.Items {
				pod := &pods.Items[i]
				if pod.Status.Phase == corev1.PodRunning {
					continue
				}
				pod.Status.Phase = corev1.PodRunning
				now := pod.CreationTimestamp
				pod.Status.StartTime = &now
				_ = c.Status().Update(ctx, pod)
			}
		}
	}()
}

var _ = Describe("Orchestrator", func() {
	const (
		owner    = "1096539"
		timeout  = time.Second * 5
		interval = time.Millisecond * 10
	)

	var (
		ctx        context.Context
		cancel     context.CancelFunc
		k8s        client.Client
		registry   *session.Registry
		notifier   *spyNotifier
		orch       *Orchestrator
		podKey     types.NamespacedName
		lifecycles Config
	)

	newScheme := func() *runtime.Scheme {
		scheme := runtime.NewScheme()
		Expect(clientgoscheme.AddToScheme(scheme)).To(Succeed())
		return scheme
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		k8s = fake.NewClientBuilder().WithScheme(newScheme()).Build()
		registry = session.NewRegistry()
		notifier = &spyNotifier{}
		lifecycles = Config{
			SessionTTL:         200 * time.Millisecond,
			WarnOffset:         100 * time.Millisecond,
			ExtensionIncrement: 150 * time.Millisecond,
			ReadinessAttempts:  100,
			ReadinessInterval:  5 * time.Millisecond,
			TeardownTimeout:    time.Second,
		}
		provisioner := provision.NewManager(k8s, provision.Config{
			Namespace:  "workspaces",
			Image:      "ghcr.io/osucyber/vs-workspace:latest",
			Hostname:   "cyberlab",
			BaseDomain: "workspaces.osucyber.club",
		})
		orch = New(registry, provisioner, notifier, lifecycles)
		podKey = types.NamespacedName{Name: provision.ResourceName(owner), Namespace: "workspaces"}
	})

	AfterEach(func() {
		orch.Shutdown()
		cancel()
	})

	Describe("Scenario: Creating a workspace", func() {
		It("provisions the resource set and hands back the access link", func() {
			babysit(ctx, k8s)

			result, err := orch.Create(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.AlreadyExists).To(BeFalse())
			Expect(result.URL).To(HavePrefix("https://workspaces.osucyber.club/" + owner + "/"))
			Expect(result.ExpiresAt).To(BeTemporally(">", time.Now()))

			pod := &corev1.Pod{}
			Expect(k8s.Get(ctx, podKey, pod)).To(Succeed())
			Expect(k8s.Get(ctx, podKey, &corev1.Service{})).To(Succeed())
			Expect(k8s.Get(ctx, podKey, &corev1.ConfigMap{})).To(Succeed())
			Expect(pod.Labels).To(HaveKeyWithValue(provision.OwnerLabel, owner))

			Expect(orch.ActiveTimers()).To(Equal(1))
		})

		It("returns the existing session instead of provisioning twice", func() {
			babysit(ctx, k8s)

			first, err := orch.Create(ctx, owner)
			Expect(err).NotTo(HaveOccurred())

			second, err := orch.Create(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.AlreadyExists).To(BeTrue())
			Expect(second.URL).To(Equal(first.URL))
			Expect(orch.Sessions()).To(HaveLen(1))
		})

		It("never hands out empty access info under concurrent creates", func() {
			babysit(ctx, k8s)

			const callers = 8
			results := make([]*CreateResult, callers)
			errs := make([]error, callers)

			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i], errs[i] = orch.Create(ctx, owner)
				}(i)
			}
			wg.Wait()

			provisioned := 0
			for i := 0; i < callers; i++ {
				Expect(errs[i]).NotTo(HaveOccurred())
				result := results[i]
				if !result.AlreadyExists {
					provisioned++
					Expect(result.URL).NotTo(BeEmpty())
					continue
				}
				// A duplicate either sees the finished session's real URL
				// or is told provisioning is still in flight, never an
				// empty URL presented as usable.
				if result.Provisioning {
					Expect(result.URL).To(BeEmpty())
				} else {
					Expect(result.URL).NotTo(BeEmpty())
				}
			}
			Expect(provisioned).To(Equal(1), "exactly one caller may provision")
			Expect(orch.Sessions()).To(HaveLen(1))

			pods := &corev1.PodList{}
			Expect(k8s.List(ctx, pods, client.InNamespace("workspaces"))).To(Succeed())
			Expect(pods.Items).To(HaveLen(1))
		})

		It("reports a still-provisioning duplicate without access info", func() {
			// No babysitter: the first create stays parked in its readiness
			// poll while the duplicate arrives.
			done := make(chan struct{})
			go func() {
				defer close(done)
				_, _ = orch.Create(ctx, owner)
			}()

			Eventually(func() int {
				return len(orch.Sessions())
			}, timeout, interval).Should(Equal(1))

			result, err := orch.Create(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.AlreadyExists).To(BeTrue())
			Expect(result.Provisioning).To(BeTrue())
			Expect(result.URL).To(BeEmpty())

			cancel()
			Eventually(done, timeout).Should(BeClosed())
		})

		It("rolls back everything when the pod never becomes ready", func() {
			// No babysitter: the pod stays Pending past the poll budget.
			lifecycles.ReadinessAttempts = 3
			provisioner := provision.NewManager(k8s, provision.Config{
				Namespace:  "workspaces",
				Image:      "ghcr.io/osucyber/vs-workspace:latest",
				Hostname:   "cyberlab",
				BaseDomain: "workspaces.osucyber.club",
			})
			orch = New(registry, provisioner, notifier, lifecycles)

			_, err := orch.Create(ctx, owner)
			Expect(err).To(HaveOccurred())
			Expect(strings.Contains(err.Error(), "never became ready")).To(BeTrue())

			pods := &corev1.PodList{}
			Expect(k8s.List(ctx, pods, client.InNamespace("workspaces"))).To(Succeed())
			Expect(pods.Items).To(BeEmpty())
			Expect(orch.Sessions()).To(BeEmpty())
		})
	})

	Describe("Scenario: Expiry and the end action", func() {
		It("warns, ends on request and destroys the resource set", func() {
			babysit(ctx, k8s)

			_, err := orch.Create(ctx, owner)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() int {
				warns, _, _ := notifier.counts()
				return warns
			}, timeout, interval).Should(BeNumerically(">=", 1))

			orch.HandleAction(owner, expiry.ActionEnd)

			Eventually(func() []session.Summary {
				return orch.Sessions()
			}, timeout, interval).Should(BeEmpty())

			Eventually(func() bool {
				err := k8s.Get(ctx, podKey, &corev1.Pod{})
				return err != nil
			}, timeout, interval).Should(BeTrue())

			_, _, farewells := notifier.counts()
			Expect(farewells).To(Equal(1))
		})

		It("extends on request and keeps the session running", func() {
			babysit(ctx, k8s)

			result, err := orch.Create(ctx, owner)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() int {
				warns, _, _ := notifier.counts()
				return warns
			}, timeout, interval).Should(BeNumerically(">=", 1))

			orch.HandleAction(owner, expiry.ActionExtend)

			Eventually(func() int {
				_, extends, _ := notifier.counts()
				return extends
			}, timeout, interval).Should(Equal(1))

			sess, ok := registry.Get(owner)
			Expect(ok).To(BeTrue())
			Expect(sess.ExpiresAt()).To(BeTemporally(">", result.ExpiresAt))
			Expect(orch.ActiveTimers()).To(Equal(1))
		})
	})

	Describe("Scenario: Adopting sessions after a restart", func() {
		It("resumes the countdown for a still-valid session", func() {
			rec := AdoptRecord{
				Owner:      owner,
				ResourceID: provision.ResourceName(owner),
				Credential: "adopted-credential",
				CreatedAt:  time.Now().Add(-time.Minute),
				ExpiresAt:  time.Now().Add(time.Hour),
			}
			Expect(orch.Adopt(rec)).To(Succeed())

			summaries := orch.Sessions()
			Expect(summaries).To(HaveLen(1))
			Expect(summaries[0].Owner).To(Equal(owner))
			Expect(orch.ActiveTimers()).To(Equal(1))

			sess, ok := registry.Get(owner)
			Expect(ok).To(BeTrue())
			Expect(sess.URL()).To(ContainSubstring("adopted-credential"))
		})

		It("runs down a session whose grace period already elapsed", func() {
			babysit(ctx, k8s)

			// Leftover pod from the previous process.
			_, err := provision.NewManager(k8s, provision.Config{
				Namespace:  "workspaces",
				Image:      "ghcr.io/osucyber/vs-workspace:latest",
				Hostname:   "cyberlab",
				BaseDomain: "workspaces.osucyber.club",
			}).Provision(ctx, owner, time.Now().Add(-time.Hour))
			Expect(err).NotTo(HaveOccurred())

			rec := AdoptRecord{
				Owner:      owner,
				ResourceID: provision.ResourceName(owner),
				Credential: "stale-credential",
				CreatedAt:  time.Now().Add(-2 * time.Hour),
				ExpiresAt:  time.Now().Add(-time.Hour),
			}
			Expect(orch.Adopt(rec)).To(Succeed())

			Eventually(func() []session.Summary {
				return orch.Sessions()
			}, timeout, interval).Should(BeEmpty())

			Eventually(func() bool {
				err := k8s.Get(ctx, podKey, &corev1.Pod{})
				return err != nil
			}, timeout, interval).Should(BeTrue())
		})

		It("rejects adopting an owner that already has a session", func() {
			rec := AdoptRecord{
				Owner:      owner,
				ResourceID: provision.ResourceName(owner),
				ExpiresAt:  time.Now().Add(time.Hour),
			}
			Expect(orch.Adopt(rec)).To(Succeed())
			Expect(orch.Adopt(rec)).NotTo(Succeed())
		})
	})
})
