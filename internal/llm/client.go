package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mkurata/saiten/internal/model"
)

// Client is the grading engine for one LLM configuration: it builds the
// prompt, sends it through the provider adapter and validates the verdict.
// A Client is immutable; to switch backends, build a new one. Safe for
// concurrent use.
type Client struct {
	cfg      model.LLMConfig
	provider provider
	http     *http.Client
}

// NewClient creates a grading client for the given configuration.
func NewClient(cfg model.LLMConfig) (*Client, error) {
	p, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:      cfg,
		provider: p,
		http:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Config returns the configuration snapshot this client was built with.
// Callers that need the model name for attribution use this instead of
// reaching into the client.
func (c *Client) Config() model.LLMConfig { return c.cfg }

// Grade runs one full grading cycle for a (question, answer) pair. Any
// failure - transport, timeout, empty or unparsable response, invalid
// verdict - is returned as a *GradingError wrapping the cause. There are
// no retries here; retry policy belongs to the caller.
func (c *Client) Grade(ctx context.Context, q model.Question, a model.Answer) (*GradingResponse, error) {
	resp, err := c.grade(ctx, q, a)
	if err != nil {
		return nil, &GradingError{StudentID: a.StudentID, QuestionNumber: q.Number, Err: err}
	}
	return resp, nil
}

func (c *Client) grade(ctx context.Context, q model.Question, a model.Answer) (*GradingResponse, error) {
	prompt := BuildPrompt(q, a)

	req, err := c.provider.buildRequest(prompt, c.cfg)
	if err != nil {
		return nil, err
	}

	raw, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	slog.Debug("LLM response", "raw", raw)

	resp, err := parseGradingResponse(raw, q.MaxScore)
	if err != nil {
		return nil, err
	}
	for _, w := range resp.Warnings {
		slog.Warn("grading warning",
			"student_id", a.StudentID,
			"question", q.Number,
			"warning", w,
		)
	}
	return resp, nil
}

// send posts a built request and returns the extracted text payload.
func (c *Client) send(ctx context.Context, req *request) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.url, bytes.NewReader(req.body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header = req.header

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return "", &TimeoutError{Err: err}
		}
		return "", &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	return c.provider.parseResponse(resp.StatusCode, body)
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// TestConnection checks whether the configured backend is reachable by
// listing its models. Failures are logged, not returned: the caller only
// needs a yes/no for the settings screen.
func (c *Client) TestConnection(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("LLM connection test failed", "endpoint", c.cfg.Endpoint, "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Models lists the model ids available on an OpenAI-compatible backend.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{StatusCode: resp.StatusCode}
	}

	var list openai.ModelsList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode models response: %w", err)
	}

	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
