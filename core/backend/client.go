// Package backend implements the HTTP client the worker uses to invoke the
// synchronous agent-execution backend's message-create endpoint.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/taskbridge/taskbridge/core/infra/logging"
)

// Client calls the backend's message-create endpoint, blocking or streaming.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	requestTimeout time.Duration
}

// New builds a Client. connectTimeout bounds TCP+TLS handshake via the
// transport's dial timeout; requestTimeout is advisory only (see
// SendMessage) and is not applied as an http.Client.Timeout, so long-running
// backend calls are never forcibly cancelled by this client.
func New(baseURL string, connectTimeout, requestTimeout time.Duration) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}
	return &Client{
		baseURL:        baseURL,
		httpClient:     &http.Client{Transport: transport},
		requestTimeout: requestTimeout,
	}
}

func (c *Client) endpoint(conversationID string) string {
	return c.baseURL + "/conversations/" + conversationID + "/messages"
}

func newRequest(ctx context.Context, method, url string, body []byte, req SendMessageRequest) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-User-Id", req.UserID)
	if req.UserRole != "" {
		httpReq.Header.Set("X-User-Role", req.UserRole)
	}
	return httpReq, nil
}

// SendMessage performs the blocking message-create call. requestTimeout is
// advisory per the backend contract: it is never used to cancel the
// in-flight request, only to log a warning if the call runs long.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*Reply, error) {
	body, err := json.Marshal(wireRequest{Payload: wirePayload{
		Type:        "text",
		Text:        req.Text,
		RawUserText: req.RawUserText,
		Attachments: req.Attachments,
		Metadata:    req.Metadata,
	}})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := newRequest(ctx, http.MethodPost, c.endpoint(req.ConversationID), body, req)
	if err != nil {
		return nil, err
	}

	stopWarn := c.warnIfSlow(req.ConversationID)
	resp, err := c.httpClient.Do(httpReq)
	stopWarn()
	if err != nil {
		return nil, fmt.Errorf("backend request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("backend returned status %d", resp.StatusCode)
	}

	var reply Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return &reply, nil
}

// SendMessageStream performs the streaming message-create call. The backend
// responds with one JSON object per line (NDJSON); each line is decoded into
// a StreamEvent and delivered on the returned channel, which is closed when
// the response body is exhausted or ctx is cancelled.
func (c *Client) SendMessageStream(ctx context.Context, req SendMessageRequest) (<-chan StreamEvent, error) {
	body, err := json.Marshal(wireRequest{Payload: wirePayload{
		Type:        "text",
		Text:        req.Text,
		RawUserText: req.RawUserText,
		Attachments: req.Attachments,
		Metadata:    req.Metadata,
		Stream:      true,
	}})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := newRequest(ctx, http.MethodPost, c.endpoint(req.ConversationID), body, req)
	if err != nil {
		return nil, err
	}

	stopWarn := c.warnIfSlow(req.ConversationID)
	resp, err := c.httpClient.Do(httpReq)
	stopWarn()
	if err != nil {
		return nil, fmt.Errorf("backend request: %w", err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("backend returned status %d", resp.StatusCode)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var evt StreamEvent
			if err := json.Unmarshal(line, &evt); err != nil {
				logging.Warn("backend", "malformed stream event", "conversation_id", req.ConversationID, "error", err)
				continue
			}
			select {
			case events <- evt:
			case <-ctx.Done():
				return
			}
			if evt.Final {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logging.Warn("backend", "stream read error", "conversation_id", req.ConversationID, "error", err)
		}
	}()
	return events, nil
}

// warnIfSlow starts a timer that logs a warning if the request outlives the
// advisory requestTimeout; the returned stop function must be called once
// the call completes, successfully or not.
func (c *Client) warnIfSlow(conversationID string) func() {
	if c.requestTimeout <= 0 {
		return func() {}
	}
	timer := time.AfterFunc(c.requestTimeout, func() {
		logging.Warn("backend", "message-create exceeded advisory timeout", "conversation_id", conversationID, "timeout", c.requestTimeout)
	})
	return func() { timer.Stop() }
}
