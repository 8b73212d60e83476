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

// Package session defines the workspace session model and the in-memory
// registry that enforces the one-live-session-per-owner invariant.
//
// The registry is deliberately volatile: a process restart empties it, and
// the reconcile package rebuilds it from cluster object metadata before any
// new create request is accepted.
package session
