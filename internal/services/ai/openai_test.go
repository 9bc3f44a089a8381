package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gpt-tgbot-go/internal/config"
	"github.com/gpt-tgbot-go/internal/middleware"
	"github.com/gpt-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
)

// Prometheus collectors register globally, so the package shares one instance.
var testMetrics = middleware.NewMetrics()

func newTestFactory(baseURL string) *Factory {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return NewFactory(&config.OpenAIConfig{
		BaseURL:         baseURL,
		RequestTimeout:  5 * time.Second,
		ValidateTimeout: 2 * time.Second,
	}, testMetrics, log)
}

func TestValidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %q, want /models", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	f := newTestFactory(srv.URL)
	ctx := context.Background()

	if !f.Validate(ctx, "sk-good") {
		t.Error("expected valid key to pass validation")
	}
	if f.Validate(ctx, "sk-bad") {
		t.Error("expected rejected key to fail validation")
	}
}

func TestValidateTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	f := newTestFactory(srv.URL)
	if f.Validate(context.Background(), "sk-any") {
		t.Error("expected validation to fail when the endpoint is unreachable")
	}
}

func TestChatCompletionSuccess(t *testing.T) {
	var got completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"the answer"}}]}`)
	}))
	defer srv.Close()

	f := newTestFactory(srv.URL)
	params := models.DefaultParams()
	params.Temperature = 0.2
	params.MaxTokens = 50

	reply, ok := f.ClientFor("sk-test").ChatCompletion(context.Background(), []models.Message{
		{Role: models.RoleUser, Content: "question"},
	}, &params)

	if !ok {
		t.Fatal("expected a successful completion")
	}
	if reply != "the answer" {
		t.Errorf("reply = %q, want %q", reply, "the answer")
	}
	if got.Model != params.Model || got.Temperature != 0.2 || got.MaxTokens != 50 {
		t.Errorf("request params not forwarded: %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "question" {
		t.Errorf("messages not forwarded: %+v", got.Messages)
	}
}

func TestChatCompletionWithoutKey(t *testing.T) {
	f := newTestFactory("http://127.0.0.1:0")

	reply, ok := f.ClientFor("").ChatCompletion(context.Background(), nil, nil)
	if ok {
		t.Error("missing key must not report success")
	}
	if reply != replyNoAPIKey {
		t.Errorf("reply = %q, want the missing-key text", reply)
	}
}

func TestChatCompletionAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limit reached"}}`)
	}))
	defer srv.Close()

	f := newTestFactory(srv.URL)
	reply, ok := f.ClientFor("sk-test").ChatCompletion(context.Background(), nil, nil)
	if ok {
		t.Error("API error must not report success")
	}
	if reply != "OpenAI API error: rate limit reached" {
		t.Errorf("reply = %q", reply)
	}
}

func TestChatCompletionEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	f := newTestFactory(srv.URL)
	reply, ok := f.ClientFor("sk-test").ChatCompletion(context.Background(), nil, nil)
	if ok {
		t.Error("empty choices must not report success")
	}
	if reply != replyNoChoices {
		t.Errorf("reply = %q, want the no-choices text", reply)
	}
}

func TestChatCompletionTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	f := newTestFactory(srv.URL)
	reply, ok := f.ClientFor("sk-test").ChatCompletion(context.Background(), nil, nil)
	if ok {
		t.Error("transport failure must not report success")
	}
	if reply == "" {
		t.Error("expected a presentable error string")
	}
}
