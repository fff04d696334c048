package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dotsetgreg/chatrelay/pkg/config"
)

func TestCreateProvider_OpenRouter_DefaultSelection(t *testing.T) {
	var seenAuth, seenPath, seenTitle string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenPath = r.URL.Path
		seenTitle = r.Header.Get("X-Title")
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if got := req["model"]; got != "openai/gpt-4o" {
			t.Errorf("expected model openai/gpt-4o, got %v", got)
		}
		if _, ok := req["stream"]; ok {
			t.Errorf("non-streamed request must not set stream")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.OpenRouter.APIKey = "or-key"
	cfg.Providers.OpenRouter.APIBase = server.URL
	cfg.Agent.Provider = ""

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	resp, err := provider.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, ResolveModel(cfg, provider), nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("expected response content ok, got %q", resp.Content)
	}
	if seenAuth != "Bearer or-key" {
		t.Fatalf("expected openrouter auth bearer, got %q", seenAuth)
	}
	if seenPath != "/chat/completions" {
		t.Fatalf("expected /chat/completions path, got %q", seenPath)
	}
	if seenTitle != "chatrelay" {
		t.Fatalf("expected X-Title header from bot name, got %q", seenTitle)
	}
}

func TestComplete_ConcatenatesChoicesInIndexOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if got := req["max_tokens"]; got != float64(1000) {
			t.Errorf("expected max_tokens 1000, got %v", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [
				{"index": 1, "message": {"content": " world"}, "finish_reason": "stop"},
				{"index": 0, "message": {"content": "hello"}, "finish_reason": "stop"}
			],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	resp, err := p.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, "gpt-4", map[string]interface{}{"max_tokens": 1000})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "hello world" {
		t.Fatalf("expected concatenated content, got %q", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Fatalf("expected usage total 15, got %+v", resp.Usage)
	}
}

func TestComplete_ProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	_, err := p.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, "gpt-4", nil)
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if !perr.IsRateLimited() || perr.Type != "rate_limit_error" || perr.Message != "slow down" {
		t.Fatalf("unexpected provider error: %+v", perr)
	}
}

func TestStream_YieldsDeltasAndUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["stream"] != true {
			t.Errorf("expected stream=true, got %v", req["stream"])
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("expected SSE accept header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"model":"gpt-4","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
			`{"choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	stream, err := p.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, "gpt-4", nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer stream.Close()

	var texts []string
	for {
		d, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		texts = append(texts, d.Text)
	}
	if got := strings.Join(texts, "|"); got != "|Hel|lo" {
		t.Fatalf("unexpected deltas %q", got)
	}
	if u := stream.Usage(); u == nil || u.TotalTokens != 7 {
		t.Fatalf("expected usage total 7, got %+v", u)
	}
	if stream.Model() != "gpt-4" {
		t.Fatalf("expected model from first chunk, got %q", stream.Model())
	}
	if _, err := stream.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF after completion, got %v", err)
	}
}

func TestStream_ErrorChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"par\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"type\":\"server_error\",\"message\":\"upstream died\"}}\n\n")
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	stream, err := p.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, "gpt-4", nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if d, err := stream.Next(); err != nil || d.Text != "par" {
		t.Fatalf("expected first delta, got %+v %v", d, err)
	}
	_, err = stream.Next()
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Message != "upstream died" {
		t.Fatalf("expected stream provider error, got %v", err)
	}
}

func TestStream_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"a\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	p := newTestProvider(t, server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := p.Stream(ctx, []Message{{Role: "user", Content: "hi"}}, "gpt-4", nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if _, err := stream.Next(); err != nil {
		t.Fatalf("first delta: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := stream.Next(); err == nil || err == io.EOF {
		t.Fatalf("expected a read error after cancellation, got %v", err)
	}
}

func TestOpenAICredential_RejectsMultipleCredentialSources(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token.txt")
	if err := os.WriteFile(tokenFile, []byte("from-file"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Agent.Provider = ProviderOpenAI
	cfg.Providers.OpenAI.APIKey = "api-key-wins"
	cfg.Providers.OpenAI.OAuthAccessToken = "oauth-inline"
	cfg.Providers.OpenAI.OAuthTokenFile = tokenFile

	cred, err := openAICredential(cfg)
	if err == nil {
		t.Fatalf("expected multi-credential configuration error")
	}
	if cred.mode != "" || cred.value != "" {
		t.Fatalf("expected empty credential on error, got %+v", cred)
	}
	want := "multiple OpenAI credential sources configured (providers.openai.api_key, providers.openai.oauth_access_token, providers.openai.oauth_token_file)"
	if !strings.Contains(err.Error(), want) {
		t.Fatalf("expected error containing %q, got %v", want, err)
	}
}

func TestProviderCredentialStatus(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.Provider = ProviderOpenAI
	name, configured, mode, err := ProviderCredentialStatus(cfg)
	if err != nil || name != ProviderOpenAI || configured || mode != "" {
		t.Fatalf("unconfigured openai: name=%q configured=%v mode=%q err=%v", name, configured, mode, err)
	}

	cfg.Providers.OpenAI.OAuthAccessToken = "inline"
	if _, configured, mode, _ = ProviderCredentialStatus(cfg); !configured || mode != authModeOAuthToken {
		t.Fatalf("expected oauth_access_token mode, got configured=%v mode=%q", configured, mode)
	}

	cfg.Agent.Provider = ""
	cfg.Providers.OpenRouter.APIKey = "or-key"
	if name, configured, mode, _ = ProviderCredentialStatus(cfg); name != ProviderOpenRouter || !configured || mode != authModeAPIKey {
		t.Fatalf("expected openrouter api_key, got name=%q configured=%v mode=%q", name, configured, mode)
	}
}

func TestValidateProviderConfig_MissingTokenFile(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.Provider = ProviderOpenAI
	cfg.Providers.OpenAI.OAuthTokenFile = filepath.Join(t.TempDir(), "absent.json")

	err := ValidateProviderConfig(cfg)
	if err == nil || !strings.Contains(err.Error(), "providers.openai.oauth_token_file not accessible") {
		t.Fatalf("expected token file error, got %v", err)
	}
}

func TestCreateProvider_AppliesAgentDefaults(t *testing.T) {
	var bodies []map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		bodies = append(bodies, req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.OpenRouter.APIKey = "or-key"
	cfg.Providers.OpenRouter.APIBase = server.URL
	cfg.Agent.Temperature = 0.25
	cfg.Agent.MaxCompletionTokens = 256

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	msgs := []Message{{Role: "user", Content: "hi"}}
	if _, err := provider.Complete(context.Background(), msgs, "", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := provider.Complete(context.Background(), msgs, "", map[string]interface{}{"max_tokens": 64, "temperature": 0.9}); err != nil {
		t.Fatalf("complete with options: %v", err)
	}

	if len(bodies) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(bodies))
	}
	if bodies[0]["temperature"] != 0.25 || bodies[0]["max_tokens"] != float64(256) {
		t.Fatalf("expected agent defaults, got temperature=%v max_tokens=%v", bodies[0]["temperature"], bodies[0]["max_tokens"])
	}
	if bodies[1]["temperature"] != 0.9 || bodies[1]["max_tokens"] != float64(64) {
		t.Fatalf("expected request options to win, got temperature=%v max_tokens=%v", bodies[1]["temperature"], bodies[1]["max_tokens"])
	}
}

func TestStream_UsageRequestFollowsProvider(t *testing.T) {
	cases := []struct {
		provider string
		key      string
		want     string
	}{
		{provider: ProviderOpenRouter, key: "usage", want: "include"},
		{provider: ProviderOpenAI, key: "stream_options", want: "include_usage"},
	}
	for _, tc := range cases {
		t.Run(tc.provider, func(t *testing.T) {
			var req map[string]interface{}
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewDecoder(r.Body).Decode(&req)
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprint(w, "data: [DONE]\n\n")
			}))
			defer server.Close()

			cfg := config.DefaultConfig()
			cfg.Agent.Provider = tc.provider
			cfg.Providers.OpenRouter.APIKey = "or-key"
			cfg.Providers.OpenRouter.APIBase = server.URL
			cfg.Providers.OpenAI.APIKey = "sk"
			cfg.Providers.OpenAI.APIBase = server.URL

			provider, err := CreateProvider(cfg)
			if err != nil {
				t.Fatalf("create provider: %v", err)
			}
			stream, err := provider.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, "", nil)
			if err != nil {
				t.Fatalf("stream: %v", err)
			}
			if _, err := stream.Next(); err != io.EOF {
				t.Fatalf("expected io.EOF, got %v", err)
			}
			got, ok := req[tc.key].(map[string]interface{})
			if !ok || got[tc.want] != true {
				t.Fatalf("expected %s.%s=true, got %v", tc.key, tc.want, req[tc.key])
			}
		})
	}
}

func TestStream_ClosedWithoutCompletionIsTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"half a\"}}]}\n\n")
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	stream, err := p.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, "gpt-4", nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if d, err := stream.Next(); err != nil || d.Text != "half a" {
		t.Fatalf("expected first delta, got %+v %v", d, err)
	}
	if _, err := stream.Next(); !errors.Is(err, ErrStreamTruncated) {
		t.Fatalf("expected ErrStreamTruncated, got %v", err)
	}
}

func TestStream_FinishReasonWithoutDoneCompletes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"done\"},\"finish_reason\":\"stop\"}]}\n\n")
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	stream, err := p.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, "gpt-4", nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if d, err := stream.Next(); err != nil || d.FinishReason != "stop" {
		t.Fatalf("expected final delta, got %+v %v", d, err)
	}
	if _, err := stream.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestCreateProvider_OpenAI_HeadersAndTokenFile(t *testing.T) {
	var seenAuth, seenOrg string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenOrg = r.Header.Get("OpenAI-Organization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	tokenFile := filepath.Join(t.TempDir(), "token.txt")
	if err := os.WriteFile(tokenFile, []byte("oauth-token-from-file"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Agent.Provider = ProviderOpenAI
	cfg.Providers.OpenAI.APIBase = server.URL
	cfg.Providers.OpenAI.OAuthTokenFile = tokenFile
	cfg.Providers.OpenAI.Organization = "org_123"

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	if _, err := provider.Complete(context.Background(), []Message{{Role: "user", Content: "hello"}}, "", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if seenAuth != "Bearer oauth-token-from-file" {
		t.Fatalf("expected oauth bearer from file, got %q", seenAuth)
	}
	if seenOrg != "org_123" {
		t.Fatalf("expected OpenAI-Organization header, got %q", seenOrg)
	}
}

func TestCreateProvider_UnsupportedProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.Provider = "does-not-exist"

	if _, err := CreateProvider(cfg); err == nil {
		t.Fatalf("expected unsupported provider error")
	}
}

func TestValidateProviderConfig_MissingCredentials(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.Provider = ProviderOpenAI

	if err := ValidateProviderConfig(cfg); err == nil {
		t.Fatalf("expected missing credentials error for openai")
	}
}

func newTestProvider(t *testing.T, apiBase string) *chatCompletionsProvider {
	t.Helper()
	ep := endpoint{name: ProviderOpenAI, apiBase: apiBase, defaultModel: "gpt-4"}
	p, err := newChatCompletionsProvider(ep, NewAPIKeyAuth(NewStaticTokenSource("sk", "test")), requestDefaults{})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}
