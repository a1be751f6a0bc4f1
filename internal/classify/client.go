// Package classify attaches LLM verdicts to raw service requests.
//
// A batch is submitted as one system prompt plus one user message per
// request; the model answers with a positional list of verdicts. Rate limits
// walk a configured model fallback chain, and invalid image URLs trigger a
// single image-stripped retry on the same model.
package classify

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"

	"github.com/civiclens/backend/internal/open311"
)

//go:embed prompt.txt
var batchPrompt string

// ErrModelsExhausted means every model in the fallback chain rate-limited.
var ErrModelsExhausted = errors.New("classify: model fallback chain exhausted")

// chatCompleter is the slice of *openai.Client this package needs. Tests
// inject a fake; cmd wiring passes the real client.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client classifies batches of raw requests.
type Client struct {
	api          chatCompleter
	models       []string
	pollInterval time.Duration

	// retry knobs, overridden in tests
	retryInitial time.Duration
	maxRetries   uint64
}

// NewClient builds a classifier over the OpenAI API. models is the ordered
// fallback chain; pollInterval is the inter-chunk throttle.
func NewClient(apiKey string, models []string, pollInterval time.Duration) *Client {
	return newClient(openai.NewClient(apiKey), models, pollInterval)
}

func newClient(api chatCompleter, models []string, pollInterval time.Duration) *Client {
	return &Client{
		api:          api,
		models:       models,
		pollInterval: pollInterval,
		retryInitial: time.Second,
		maxRetries:   5,
	}
}

// ClassifyBatch returns exactly one verdict per input request, in input
// order. Transient failures are retried with exponential backoff and full
// jitter around the whole fallback chain.
func (c *Client) ClassifyBatch(ctx context.Context, requests []open311.RawRequest) ([]Verdict, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	input, err := c.buildInput(requests, true)
	if err != nil {
		return nil, err
	}

	var verdicts []Verdict
	operation := func() error {
		out, err := c.tryChain(ctx, input, len(requests))
		if err != nil {
			if isTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		verdicts = out
		return nil
	}

	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.retryInitial),
		backoff.WithRandomizationFactor(1),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		slog.Warn("classify retrying after transient error", "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return verdicts, nil
}

// ClassifyBatchInChunks splits the input into contiguous chunks of
// chunkSize (default 5), classifies each, and concatenates the verdicts in
// order, sleeping pollInterval between chunks as a crude throttle.
func (c *Client) ClassifyBatchInChunks(ctx context.Context, requests []open311.RawRequest, chunkSize int) ([]Verdict, error) {
	if chunkSize <= 0 {
		chunkSize = 5
	}

	out := make([]Verdict, 0, len(requests))
	for i := 0; i < len(requests); i += chunkSize {
		end := i + chunkSize
		if end > len(requests) {
			end = len(requests)
		}
		verdicts, err := c.ClassifyBatch(ctx, requests[i:end])
		if err != nil {
			return nil, err
		}
		out = append(out, verdicts...)

		if err := sleepCtx(ctx, c.pollInterval); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// tryChain walks the model fallback chain once.
func (c *Client) tryChain(ctx context.Context, input []openai.ChatCompletionMessage, want int) ([]Verdict, error) {
	var lastErr error
	for i, model := range c.models {
		if i > 0 {
			slog.Info("classify falling back to next model", "model", model)
		}

		out, err := c.callModel(ctx, model, input, want)
		if err == nil {
			return out, nil
		}

		if isBadImage(err) {
			// One image-stripped retry on the same model. The images stay
			// stripped for the rest of the chain; they were the problem.
			slog.Warn("classify retrying without image parts", "model", model, "error", err)
			input = stripImages(input)
			out, err = c.callModel(ctx, model, input, want)
			if err == nil {
				return out, nil
			}
		}

		if isRateLimit(err) {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: %v", ErrModelsExhausted, lastErr)
}

func (c *Client) callModel(ctx context.Context, model string, input []openai.ChatCompletionMessage, want int) ([]Verdict, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: input,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "batch_verdict",
				Schema: verdictSchema,
				Strict: true,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("classify: model %s returned no choices", model)
	}

	var parsed batchVerdict
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		return nil, fmt.Errorf("classify: model %s returned unparseable verdicts: %w", model, err)
	}
	if len(parsed.Requests) != want {
		return nil, fmt.Errorf("classify: model %s returned %d verdicts for %d requests", model, len(parsed.Requests), want)
	}
	return parsed.Requests, nil
}

// buildInput assembles the system prompt plus one user message per request.
// Each user message carries the request as compact JSON; when withImages is
// set and the request has an https media_url, an image part at low detail is
// appended.
func (c *Client) buildInput(requests []open311.RawRequest, withImages bool) ([]openai.ChatCompletionMessage, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(requests)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: batchPrompt,
	})

	for _, req := range requests {
		text, err := compactJSON(req)
		if err != nil {
			return nil, fmt.Errorf("classify: encode request: %w", err)
		}

		parts := []openai.ChatMessagePart{{
			Type: openai.ChatMessagePartTypeText,
			Text: text,
		}}
		if url, ok := req["media_url"].(string); withImages && ok && strings.HasPrefix(url, "https") {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    url,
					Detail: openai.ImageURLDetailLow,
				},
			})
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:         openai.ChatMessageRoleUser,
			MultiContent: parts,
		})
	}
	return messages, nil
}

// stripImages drops image parts from every user message. The image part, if
// present, is always the second content part.
func stripImages(input []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(input))
	for i, msg := range input {
		if msg.Role != openai.ChatMessageRoleUser || len(msg.MultiContent) < 2 {
			out[i] = msg
			continue
		}
		stripped := msg
		stripped.MultiContent = msg.MultiContent[:1]
		out[i] = stripped
	}
	return out
}

// compactJSON marshals without indentation or HTML escaping, preserving
// unicode as-is.
func compactJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func isRateLimit(err error) bool {
	var apiErr *openai.APIError
	return errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests
}

func isBadImage(err error) bool {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) || apiErr.Param == nil {
		return false
	}
	code, _ := apiErr.Code.(string)
	return *apiErr.Param == "url" && code == "invalid_value"
}

// isTransient reports whether the outer backoff should retry. Structured API
// errors below 500 are the caller's problem; everything else (connection
// resets, timeouts, 5xx) is worth another try.
func isTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	if errors.Is(err, ErrModelsExhausted) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
