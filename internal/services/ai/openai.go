package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gpt-tgbot-go/internal/config"
	"github.com/gpt-tgbot-go/internal/middleware"
	"github.com/gpt-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
)

// Completer issues single chat-completion exchanges on behalf of one credential.
type Completer interface {
	// ChatCompletion sends one request and returns either the first generated
	// response text or a human-readable error string. It never returns an
	// error: every failure mode becomes presentable text. ok reports whether
	// the reply is an actual model response rather than error text.
	ChatCompletion(ctx context.Context, messages []models.Message, params *models.ModelParams) (reply string, ok bool)
}

// Replies returned in place of a model response. Shown to the user verbatim.
const (
	replyNoAPIKey  = "API key is not set. Use /setapi to set your OpenAI API key."
	replyNoChoices = "The AI service returned no response."
)

// Factory builds credential-bound clients for one configured endpoint.
type Factory struct {
	cfg     *config.OpenAIConfig
	metrics *middleware.Metrics
	logger  *logrus.Logger
}

// NewFactory creates a client factory for the configured completion endpoint.
func NewFactory(cfg *config.OpenAIConfig, metrics *middleware.Metrics, logger *logrus.Logger) *Factory {
	return &Factory{cfg: cfg, metrics: metrics, logger: logger}
}

// ClientFor returns a completion client bound to the given credential.
func (f *Factory) ClientFor(apiKey string) Completer {
	return f.newClient(apiKey)
}

// Validate performs a lightweight authenticated call to check a candidate
// credential. Any transport or authentication failure yields false.
func (f *Factory) Validate(ctx context.Context, apiKey string) bool {
	return f.newClient(apiKey).validateKey(ctx)
}

func (f *Factory) newClient(apiKey string) *Client {
	return &Client{
		apiKey:          apiKey,
		baseURL:         strings.TrimSuffix(f.cfg.BaseURL, "/"),
		validateTimeout: f.cfg.ValidateTimeout,
		httpClient: &http.Client{
			Timeout: f.cfg.RequestTimeout,
		},
		metrics: f.metrics,
		logger:  f.logger,
	}
}

// Client talks to one OpenAI-compatible endpoint with a fixed credential.
type Client struct {
	apiKey          string
	baseURL         string
	validateTimeout time.Duration
	httpClient      *http.Client
	metrics         *middleware.Metrics
	logger          *logrus.Logger
}

type completionRequest struct {
	Model            string           `json:"model"`
	Messages         []models.Message `json:"messages"`
	Temperature      float64          `json:"temperature"`
	MaxTokens        int              `json:"max_tokens"`
	TopP             float64          `json:"top_p"`
	FrequencyPenalty float64          `json:"frequency_penalty"`
	PresencePenalty  float64          `json:"presence_penalty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// validateKey lists models to verify the credential works.
func (c *Client) validateKey(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, c.validateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		c.logger.WithError(err).Error("Failed to create validation request")
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WithError(err).Warn("API key validation request failed")
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		c.logger.WithField("status", resp.StatusCode).Warn("API key rejected")
		return false
	}
	return true
}

// ChatCompletion implements Completer. One request, no retries, no streaming.
func (c *Client) ChatCompletion(ctx context.Context, messages []models.Message, params *models.ModelParams) (string, bool) {
	if c.apiKey == "" {
		return replyNoAPIKey, false
	}

	p := models.DefaultParams()
	if params != nil {
		p = *params
	}

	start := time.Now()
	reply, status := c.complete(ctx, messages, p)
	c.metrics.RecordCompletionRequest(p.Model, status, time.Since(start))
	return reply, status == "success"
}

func (c *Client) complete(ctx context.Context, messages []models.Message, p models.ModelParams) (reply, status string) {
	body, err := json.Marshal(completionRequest{
		Model:            p.Model,
		Messages:         messages,
		Temperature:      p.Temperature,
		MaxTokens:        p.MaxTokens,
		TopP:             p.TopP,
		FrequencyPenalty: p.FrequencyPenalty,
		PresencePenalty:  p.PresencePenalty,
	})
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal completion request")
		return fmt.Sprintf("Unexpected error while preparing the request: %v", err), "error"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		c.logger.WithError(err).Error("Failed to create completion request")
		return fmt.Sprintf("Unexpected error while preparing the request: %v", err), "error"
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.WithFields(logrus.Fields{
		"model":    p.Model,
		"messages": len(messages),
	}).Debug("Sending completion request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WithError(err).Error("Completion request failed")
		return fmt.Sprintf("OpenAI API error: %v", err), "transport_error"
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.WithError(err).Error("Failed to read completion response")
		return fmt.Sprintf("OpenAI API error: %v", err), "transport_error"
	}

	var result completionResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		c.logger.WithError(err).WithField("status", resp.StatusCode).Error("Failed to parse completion response")
		return fmt.Sprintf("Unexpected error while processing the response: %v", err), "error"
	}

	if result.Error.Message != "" {
		c.logger.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"error":  result.Error.Message,
		}).Error("Completion API returned an error")
		return fmt.Sprintf("OpenAI API error: %s", result.Error.Message), "transport_error"
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   string(raw),
		}).Error("Completion request failed")
		return fmt.Sprintf("OpenAI API error: status %d", resp.StatusCode), "transport_error"
	}

	if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
		c.logger.Warn("Completion response contained no choices")
		return replyNoChoices, "empty"
	}

	return result.Choices[0].Message.Content, "success"
}
