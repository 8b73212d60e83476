// MIT License
//
// Copyright (c) 2025 The Workspaced Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package notify delivers session lifecycle messages to owners through the
// chat platform's message webhook. Delivery is retried with exponential
// backoff on transient failures; a message that ultimately cannot be
// delivered is the caller's problem to log, never to act on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const defaultMaxTries = 4

// Message is the wire format posted to the chat relay. Actions carry the
// identifiers the relay renders as buttons; a later action event echoes one
// of them back together with the owner.
type Message struct {
	Owner   string   `json:"owner"`
	Text    string   `json:"text"`
	URL     string   `json:"url,omitempty"`
	Actions []string `json:"actions,omitempty"`
}

// Client posts lifecycle messages to a single relay endpoint. It implements
// the scheduler's Notifier contract.
type Client struct {
	endpoint string
	http     *http.Client
	maxTries uint
}

// NewClient creates a notifier client for the given relay endpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		maxTries: defaultMaxTries,
	}
}

// Warn tells the owner their workspace is about to be deleted, offering the
// extend and end buttons plus the access link.
func (c *Client) Warn(ctx context.Context, owner string, expiresAt time.Time, url string) error {
	return c.deliver(ctx, Message{
		Owner:   owner,
		Text:    fmt.Sprintf("Your workspace will be deleted <t:%d:R>", expiresAt.Unix()),
		URL:     url,
		Actions: []string{"extend", "end"},
	})
}

// Extended confirms an extension and the new expiry.
func (c *Client) Extended(ctx context.Context, owner string, expiresAt time.Time) error {
	return c.deliver(ctx, Message{
		Owner: owner,
		Text:  fmt.Sprintf("Extending the workspace until <t:%d:t>", expiresAt.Unix()),
	})
}

// Farewell reports the final session age, formatted HH:MM.
func (c *Client) Farewell(ctx context.Context, owner string, age time.Duration) error {
	return c.deliver(ctx, Message{
		Owner: owner,
		Text:  fmt.Sprintf("Your workspace lasted `%s`", formatAge(age)),
	})
}

func formatAge(age time.Duration) string {
	if age < 0 {
		age = 0
	}
	hours := int(age.Hours())
	minutes := int(age.Minutes()) % 60
	return fmt.Sprintf("%02d:%02d", hours, minutes)
}

// statusError marks a non-2xx relay response; 429 and 5xx are worth
// retrying, anything else is permanent.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("relay returned status %d", e.code)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

// deliver posts the message, retrying transient failures with exponential
// backoff until the attempt budget runs out.
func (c *Client) deliver(ctx context.Context, msg Message) error {
	operation := func() (struct{}, error) {
		err := c.post(ctx, msg)
		if err == nil {
			return struct{}{}, nil
		}
		if se, ok := err.(*statusError); ok && !se.retryable() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		return fmt.Errorf("failed to deliver message to %s: %w", msg.Owner, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}
