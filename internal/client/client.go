// Package client is the HTTP client used by journal sync and the operator
// CLI to talk to a running daemon.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pvieira/mercurio/internal/api"
	"github.com/pvieira/mercurio/internal/journal"
)

// Client talks to a daemon's HTTP surface. It implements journal.Submitter.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the daemon at base (e.g. "http://127.0.0.1:7420").
func New(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Submit replays a journal entry as a command. A 4xx response becomes a
// *journal.ConflictError (terminal); 5xx responses and network failures are
// returned as plain errors so the caller retries.
func (c *Client) Submit(ctx context.Context, key, kind, target string, payload json.RawMessage) (string, error) {
	req := api.CommandRequest{
		IdempotencyKey: key,
		Kind:           kind,
		Target:         target,
		Payload:        payload,
	}
	var resp api.CommandResponse
	if err := c.post(ctx, "/v1/commands", req, &resp); err != nil {
		return "", err
	}
	return resp.OutcomeID, nil
}

// History pulls messages after the given sequence.
func (c *Client) History(ctx context.Context, conversationID string, after int64, limit int) ([]api.Message, error) {
	u := fmt.Sprintf("/v1/conversations/%s/messages?after=%d&limit=%d",
		url.PathEscape(conversationID), after, limit)
	var resp api.MessagesResponse
	if err := c.get(ctx, u, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Transition moves an order to a target state.
func (c *Client) Transition(ctx context.Context, orderID, actorID, to string) (*api.Order, error) {
	req := api.TransitionRequest{ActorID: actorID, To: to}
	var resp api.Order
	if err := c.post(ctx, "/v1/orders/"+url.PathEscape(orderID)+"/transition", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat announces the identity as reachable.
func (c *Client) Heartbeat(ctx context.Context, identity string) error {
	return c.post(ctx, "/v1/heartbeat", api.HeartbeatRequest{Identity: identity}, nil)
}

// Presence reports where an identity is currently reachable.
func (c *Client) Presence(ctx context.Context, identity string) (*api.PresenceResponse, error) {
	var resp api.PresenceResponse
	if err := c.get(ctx, "/v1/presence/"+url.PathEscape(identity), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ack confirms processing of a delivered message.
func (c *Client) Ack(ctx context.Context, conversationID string, seq int64, recipientID string) error {
	req := api.AckRequest{ConversationID: conversationID, Seq: seq, RecipientID: recipientID}
	return c.post(ctx, "/v1/acks", req, nil)
}

// DeadLetters lists dead-lettered retry jobs.
func (c *Client) DeadLetters(ctx context.Context) ([]api.Job, error) {
	var resp api.JobsResponse
	if err := c.get(ctx, "/admin/deadletter", &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// RetryDeadLetter puts a dead job back in the retry queue.
func (c *Client) RetryDeadLetter(ctx context.Context, id string) error {
	return c.post(ctx, "/admin/deadletter/"+url.PathEscape(id)+"/retry", nil, nil)
}

// DiscardDeadLetter drops a dead job permanently.
func (c *Client) DiscardDeadLetter(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/admin/deadletter/"+url.PathEscape(id), nil, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	var apiErr api.ErrorResponse
	detail := ""
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil {
		detail = apiErr.Detail
		if detail == "" {
			detail = apiErr.Error
		}
	}

	// 4xx means the daemon classified and rejected the command: retrying
	// the same input cannot help. 5xx and 503 in particular are transient.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &journal.ConflictError{Detail: detail}
	}
	if detail == "" {
		return fmt.Errorf("server error: status %d", resp.StatusCode)
	}
	return fmt.Errorf("server error: status %d: %s", resp.StatusCode, detail)
}
