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

// Package expiry drives the bounded lifetime of workspace sessions.
//
// Every tracked session carries exactly one armed timer. While Running, the
// timer fires at expiresAt minus the warn offset and the owner is notified
// with extend/end options plus the access link; the end timer is then armed
// one warn offset out. An extend action cancels the end timer, pushes the
// expiry out by the configured increment and re-arms the warn timer. An end
// action, or the end timer firing, tears the workspace down, releases the
// registry lease and reports the final session age.
//
// Actions are dispatched by owner identity, never by per-session closures,
// so an event arriving after the session died is a harmless no-op.
//
// Timer state is volatile. On restart the reconcile package rebuilds it from
// the expiry annotations the provisioner stamps onto each workspace pod.
package expiry
