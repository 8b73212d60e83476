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

// Package gateway provides the HTTP front door for workspaced.
//
// This package implements an HTTP server that receives commands and
// interaction callbacks from the chat front-end and translates them into
// session lifecycle operations.
//
// Key features:
//   - Validates request signatures using HMAC-SHA256
//   - Handles workspace create commands
//   - Handles extend/end interaction callbacks
//   - Provides per-owner rate limiting
//   - Session listing and health check endpoints
//
// Request Security:
//
// All command and interaction requests must include a valid
// X-Workspaced-Signature-256 header containing an HMAC-SHA256 signature of
// the request body computed with the shared secret. The session listing
// carries no body, so it requires the shared secret as a bearer token
// instead. Requests failing either check are rejected with HTTP 401.
//
// Endpoints:
//
//   - POST /commands: creates a workspace for the requesting owner
//   - POST /interactions: applies an extend or end decision
//   - GET /sessions: lists live sessions (bearer auth)
//   - GET /healthz: liveness probe
//
// Rate Limiting:
//
// Requests are rate-limited per owner using refill-rate token buckets;
// idle owners' buckets are pruned. Requests exceeding the limit receive
// HTTP 429 Too Many Requests.
package gateway
