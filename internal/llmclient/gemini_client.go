// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/omegabot/omega/api/schemas"
	"github.com/omegabot/omega/internal/config"
)

// GeminiClient implements schemas.LLMClient on the Google GenAI SDK.
type GeminiClient struct {
	client *genai.Client
	model  string
	config config.LLMModelConfig
	logger *zap.Logger

	// newBackOff builds the retry schedule for one Generate call.
	newBackOff func() backoff.BackOff
}

// NewGeminiClient initializes the client.
func NewGeminiClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("Gemini model name is required")
	}

	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout},
	}
	if cfg.Endpoint != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiClient{
		client: client,
		model:  cfg.Model,
		config: cfg,
		logger: logger.Named("llm_client.gemini"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 2 * time.Minute
			b.MaxInterval = 30 * time.Second
			return b
		},
	}, nil
}

// Generate sends the prompts to Gemini and returns the text of the first
// candidate. Transient API failures are retried with exponential backoff.
func (c *GeminiClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(req.UserPrompt, genai.RoleUser)}
	genCfg := c.buildConfig(req)

	var text string
	operation := func() error {
		start := time.Now()
		resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, genCfg)
		if err != nil {
			return c.classify(err)
		}
		if len(resp.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}

		candidate := resp.Candidates[0]
		out := resp.Text()
		if out == "" {
			if candidate.FinishReason == genai.FinishReasonSafety || candidate.FinishReason == genai.FinishReasonBlocklist {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("gemini API returned empty content (reason: %s)", candidate.FinishReason)
		}

		fields := []zap.Field{zap.Duration("duration", time.Since(start)), zap.String("model", c.model)}
		if u := resp.UsageMetadata; u != nil {
			fields = append(fields,
				zap.Int32("prompt_tokens", u.PromptTokenCount),
				zap.Int32("completion_tokens", u.CandidatesTokenCount),
				zap.Int32("total_tokens", u.TotalTokenCount),
			)
		}
		c.logger.Info("LLM generation complete.", fields...)
		text = out
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return "", err
	}
	return text, nil
}

// Close releases client resources. The GenAI client holds none.
func (c *GeminiClient) Close() error { return nil }

func (c *GeminiClient) buildConfig(req schemas.GenerationRequest) *genai.GenerateContentConfig {
	temperature := float32(req.Options.Temperature)
	if temperature == 0 {
		temperature = c.config.Temperature
	}
	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temperature),
	}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	maxTokens := req.Options.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = c.config.MaxTokens
	}
	if maxTokens > 0 {
		genCfg.MaxOutputTokens = int32(maxTokens)
	}
	if req.Options.ForceJSONFormat {
		genCfg.ResponseMIMEType = "application/json"
	}
	return genCfg
}

// classify marks client errors permanent and leaves rate limits, server
// errors and transport failures retryable.
func (c *GeminiClient) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		c.logger.Warn("Gemini API returned error status.", zap.Int("status", apiErr.Code), zap.String("message", apiErr.Message))
		wrapped := fmt.Errorf("gemini API error: status %d: %s", apiErr.Code, apiErr.Message)
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return wrapped
		default:
			return backoff.Permanent(wrapped)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
	return fmt.Errorf("failed to call gemini API: %w", err)
}
