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

// Command workspaced runs the session lifecycle orchestrator: it sweeps the
// cluster for surviving workspaces, then serves create commands and
// extend/end interactions until signalled to stop.
package main

import (
	"flag"
	"os"

	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/osucyber/workspaced/internal/config"
	"github.com/osucyber/workspaced/internal/gateway"
	"github.com/osucyber/workspaced/internal/notify"
	"github.com/osucyber/workspaced/internal/provision"
	"github.com/osucyber/workspaced/internal/reconcile"
	"github.com/osucyber/workspaced/internal/session"
	"github.com/osucyber/workspaced/internal/workspace"
)

func main() {
	opts := zap.Options{}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	logger := ctrl.Log.WithName("main")

	cfg, err := config.Load()
	if err != nil {
		logger.Error(err, "failed to load configuration")
		os.Exit(1)
	}

	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		logger.Error(err, "failed to build scheme")
		os.Exit(1)
	}

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		logger.Error(err, "failed to load kubeconfig")
		os.Exit(1)
	}
	k8s, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		logger.Error(err, "failed to create cluster client")
		os.Exit(1)
	}

	provisioner := provision.NewManager(k8s, provision.Config{
		Namespace:  cfg.Namespace,
		Image:      cfg.Image,
		Hostname:   cfg.Hostname,
		BaseDomain: cfg.BaseDomain,
	})

	registry := session.NewRegistry()
	notifier := notify.NewClient(cfg.NotifyEndpoint, cfg.NotifyTimeout)

	orch := workspace.New(registry, provisioner, notifier, workspace.Config{
		SessionTTL:         cfg.SessionTTL,
		WarnOffset:         cfg.WarnOffset,
		ExtensionIncrement: cfg.ExtensionIncrement,
		ReadinessAttempts:  cfg.ReadinessAttempts,
		ReadinessInterval:  cfg.ReadinessInterval,
		TeardownTimeout:    cfg.TeardownTimeout,
	})
	defer orch.Shutdown()

	ctx := ctrl.SetupSignalHandler()

	// Rebuild session state from whatever survived the last process before
	// accepting new work.
	sweeper := reconcile.NewSweeper(k8s, provisioner, orch, cfg.Namespace)
	if err := sweeper.Run(ctx); err != nil {
		logger.Error(err, "startup sweep failed")
		os.Exit(1)
	}

	server := gateway.NewServer(cfg.ListenAddr, cfg.ListenPort, orch, cfg.GatewaySecret)
	if err := server.Start(ctx); err != nil {
		logger.Error(err, "gateway server failed")
		os.Exit(1)
	}
}
