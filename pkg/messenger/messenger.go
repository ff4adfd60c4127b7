// Package messenger is the outbound delivery client. The campaign scheduler
// consumes it through the Sender interface; the HTTP implementation talks to
// the message provider's REST API with per-call timeouts, client-side rate
// limiting, and retry on transient failures.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
)

// SendRequest is one outbound message.
type SendRequest struct {
	Channel   model.Channel `json:"channel"`
	Recipient string        `json:"recipient"`
	Subject   string        `json:"subject,omitempty"`
	Body      string        `json:"body"`
	// RequestID deduplicates on the provider side. Assigned if empty.
	RequestID string `json:"request_id"`
}

// SendResult is the provider's answer. Success false with a nil error is a
// definitive rejection of this message (bad recipient, policy block); it is
// an item outcome, not a client failure.
type SendResult struct {
	Success           bool   `json:"success"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Detail            string `json:"detail,omitempty"`
}

// Sender sends one message. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
}

// Option configures the client.
type Option func(*httpSender)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *httpSender) { s.http = hc }
}

// WithRateLimit caps outbound sends per second.
func WithRateLimit(perSecond float64) Option {
	return func(s *httpSender) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *httpSender) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRetry sets the retry policy for transient provider failures.
func WithRetry(b resilience.Backoff) Option {
	return func(s *httpSender) { s.backoff = b }
}

// WithBreaker guards calls with a circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(s *httpSender) { s.breaker = b }
}

type httpSender struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	backoff resilience.Backoff
	breaker *resilience.Breaker
}

// NewHTTP creates a Sender against the provider's REST API.
func NewHTTP(baseURL, apiKey string, opts ...Option) Sender {
	s := &httpSender{
		baseURL: baseURL,
		apiKey:  apiKey,
		timeout: 15 * time.Second,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type providerResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Detail    string `json:"detail"`
}

func (s *httpSender) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if req.Recipient == "" {
		return nil, eris.New("messenger: empty recipient")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "messenger: rate limit wait")
		}
	}
	if s.breaker != nil {
		if err := s.breaker.Allow(); err != nil {
			return nil, err
		}
	}

	res, err := resilience.RetryVal(ctx, s.backoff, "messenger.send", func(ctx context.Context) (*SendResult, error) {
		return s.doSend(ctx, req)
	})
	if s.breaker != nil {
		s.breaker.Record(err)
	}
	return res, err
}

func (s *httpSender) doSend(ctx context.Context, req SendRequest) (*SendResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "messenger: marshal request")
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, s.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "messenger: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	httpReq.Header.Set("Idempotency-Key", req.RequestID)

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return nil, resilience.MarkTransient(eris.Wrap(err, "messenger: send request"), 0)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.MarkTransient(eris.Wrap(err, "messenger: read response"), 0)
	}

	if resilience.TransientStatus(resp.StatusCode) {
		return nil, resilience.MarkTransient(
			eris.Errorf("messenger: provider status %d: %s", resp.StatusCode, string(respBody)),
			resp.StatusCode,
		)
	}

	// Remaining 4xx are definitive rejections of this message.
	if resp.StatusCode >= 400 {
		var pr providerResponse
		_ = json.Unmarshal(respBody, &pr)
		detail := pr.Detail
		if detail == "" {
			detail = string(respBody)
		}
		return &SendResult{Success: false, Detail: detail}, nil
	}

	var pr providerResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return nil, eris.Wrap(err, "messenger: unmarshal response")
	}
	return &SendResult{Success: true, ProviderMessageID: pr.MessageID, Detail: pr.Detail}, nil
}
