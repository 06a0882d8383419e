package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aleister1102/vulnerax/internal/config"
	"github.com/aleister1102/vulnerax/internal/httpclient"
	"github.com/aleister1102/vulnerax/internal/models"
	"github.com/rs/zerolog"
)

// Client talks to the external scanning agent. Each call is exactly one HTTP attempt.
type Client struct {
	http     *httpclient.HTTPClient
	endpoint string
	version  string
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewClient builds a Client from the agent section of the configuration.
// Every call is bounded by cfg.Timeout() on top of the caller's context.
func NewClient(cfg config.AgentConfig, logger zerolog.Logger) (*Client, error) {
	httpClient, err := httpclient.NewHTTPClientBuilder(logger).
		WithTimeout(0).
		WithUserAgent(cfg.UserAgent).
		WithInsecureSkipVerify(cfg.InsecureSkipVerify).
		WithMaxContentSize(cfg.MaxResponseBytes).
		WithHTTP2(cfg.EnableHTTP2).
		Build()
	if err != nil {
		return nil, fmt.Errorf("agent: build http client: %w", err)
	}

	version := cfg.ContractVersion
	if version == "" {
		version = ContractVersion
	}

	return &Client{
		http:     httpClient,
		endpoint: cfg.Endpoint,
		version:  version,
		timeout:  cfg.Timeout(),
		logger:   logger.With().Str("component", "AgentClient").Logger(),
	}, nil
}

// Endpoint returns the agent URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Scan sends instruction to the agent and parses its reply into Findings.
// Transport problems come back as *TransportError, unreadable replies wrap ErrMalformedReply.
func (c *Client) Scan(ctx context.Context, instruction, idempotencyKey string) (models.Findings, error) {
	body, err := EncodeRequest(instruction)
	if err != nil {
		return models.Findings{}, fmt.Errorf("agent: encode request: %w", err)
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	resp, err := c.post(ctx, &httpclient.HTTPRequest{
		URL:  c.endpoint,
		Body: bytes.NewReader(body),
		Headers: map[string]string{
			HeaderContract:       c.version,
			HeaderIdempotencyKey: idempotencyKey,
		},
	})
	if err != nil {
		return models.Findings{}, err
	}
	if !resp.IsSuccess() {
		c.logger.Warn().Int("status", resp.StatusCode).Str("endpoint", c.endpoint).Msg("Agent returned non-success status")
		return models.Findings{}, &TransportError{
			Message: fmt.Sprintf("agent returned status %d", resp.StatusCode),
			Err:     httpclient.NewHTTPErrorWithURL(resp.StatusCode, string(resp.Body), c.endpoint),
		}
	}

	findings, err := ParseReply(resp.Body)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Agent reply rejected")
		return models.Findings{}, err
	}
	return findings, nil
}

// Forward relays a raw JSON body to the agent and returns the agent's JSON verbatim.
// Both the request and the reply must be valid JSON.
func (c *Client) Forward(ctx context.Context, body []byte) (json.RawMessage, error) {
	if !json.Valid(body) {
		return nil, errors.New("request body is not valid JSON")
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	resp, err := c.post(ctx, &httpclient.HTTPRequest{
		URL:     c.endpoint,
		Body:    bytes.NewReader(body),
		Headers: map[string]string{HeaderContract: c.version},
	})
	if err != nil {
		return nil, err
	}

	if !json.Valid(resp.Body) {
		return nil, fmt.Errorf("agent returned invalid JSON (status %d)", resp.StatusCode)
	}
	if !resp.IsSuccess() {
		c.logger.Debug().Int("status", resp.StatusCode).Msg("Relaying non-success agent reply")
	}
	return json.RawMessage(resp.Body), nil
}

// withDeadline bounds ctx by the configured agent timeout.
func (c *Client) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// post performs the single HTTP attempt. A reply that arrives after the
// deadline is reported as a timeout like one that never arrived.
func (c *Client) post(ctx context.Context, req *httpclient.HTTPRequest) (*httpclient.HTTPResponse, error) {
	req.Context = ctx
	resp, err := c.http.PostJSON(req)
	if err != nil {
		return nil, newTransportError(err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &TransportError{Message: models.TimeoutMessage, Err: ctx.Err()}
	}
	return resp, nil
}

// TransportError reports an unreachable agent, a non-success status, or an expired deadline.
type TransportError struct {
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	return e.Message
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the deadline expired before the agent answered.
func (e *TransportError) Timeout() bool {
	return e.Message == models.TimeoutMessage
}

func newTransportError(err error) *TransportError {
	if httpclient.IsTimeout(err) {
		return &TransportError{Message: models.TimeoutMessage, Err: err}
	}
	return &TransportError{Message: err.Error(), Err: err}
}

// FailureReason maps an error returned by Scan onto the reason recorded on a failed scan.
func FailureReason(err error) models.FailureReason {
	var transportErr *TransportError
	switch {
	case errors.As(err, &transportErr):
		return models.TransportFailure(transportErr.Message)
	case errors.Is(err, ErrMalformedReply):
		return models.MalformedAgentResponse(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return models.TransportFailure(models.TimeoutMessage)
	default:
		return models.TransportFailure(err.Error())
	}
}
