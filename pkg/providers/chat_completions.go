package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const defaultHTTPTimeout = 300 * time.Second

type chatCompletionsProvider struct {
	providerName string
	apiBase      string
	defaultModel string
	auth         AuthStrategy
	httpClient   *http.Client
	extraHeaders map[string]string
	usage        usageStyle
	defaults     requestDefaults
}

func newChatCompletionsProvider(ep endpoint, auth AuthStrategy, defaults requestDefaults) (*chatCompletionsProvider, error) {
	providerName := strings.TrimSpace(strings.ToLower(ep.name))
	if providerName == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	apiBase := strings.TrimRight(strings.TrimSpace(ep.apiBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("%s API base not configured", providerName)
	}
	if auth == nil {
		return nil, fmt.Errorf("%s auth is not configured", providerName)
	}

	client := &http.Client{Timeout: defaultHTTPTimeout}
	if proxy := strings.TrimSpace(ep.proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse %s proxy: %w", providerName, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	cleanHeaders := map[string]string{}
	for k, v := range ep.headers {
		name := strings.TrimSpace(k)
		value := strings.TrimSpace(v)
		if name == "" || value == "" {
			continue
		}
		cleanHeaders[name] = value
	}

	return &chatCompletionsProvider{
		providerName: providerName,
		apiBase:      apiBase,
		defaultModel: strings.TrimSpace(ep.defaultModel),
		auth:         auth,
		httpClient:   client,
		extraHeaders: cleanHeaders,
		usage:        ep.usage,
		defaults:     defaults,
	}, nil
}

func (p *chatCompletionsProvider) GetDefaultModel() string {
	if p == nil {
		return ""
	}
	return p.defaultModel
}

func (p *chatCompletionsProvider) Complete(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error) {
	if p == nil {
		return nil, fmt.Errorf("provider not initialized")
	}

	resp, err := p.post(ctx, p.requestBody(messages, model, options, false), false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", p.providerName, err)
	}

	result, err := parseChatCompletionsResponse(body)
	if err != nil {
		return nil, fmt.Errorf("parse %s response: %w", p.providerName, err)
	}
	return result, nil
}

// Stream submits a streamed request. The returned stream owns the response
// body; callers must drain it to io.EOF or Close it.
func (p *chatCompletionsProvider) Stream(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*DeltaStream, error) {
	if p == nil {
		return nil, fmt.Errorf("provider not initialized")
	}

	resp, err := p.post(ctx, p.requestBody(messages, model, options, true), true)
	if err != nil {
		return nil, err
	}
	return newChatCompletionsStream(p.providerName, resp.Body), nil
}

func (p *chatCompletionsProvider) requestBody(messages []Message, model string, options map[string]interface{}, stream bool) map[string]interface{} {
	model = strings.TrimSpace(model)
	if model == "" {
		model = p.GetDefaultModel()
	}

	requestBody := map[string]interface{}{
		"model":    model,
		"messages": messages,
	}
	if maxTokens, ok := optionAsInt(options, "max_tokens"); ok {
		requestBody["max_tokens"] = maxTokens
	} else if p.defaults.maxTokens > 0 {
		requestBody["max_tokens"] = p.defaults.maxTokens
	}
	if temperature, ok := optionAsFloat(options, "temperature"); ok {
		requestBody["temperature"] = temperature
	} else if p.defaults.temperature != nil {
		requestBody["temperature"] = *p.defaults.temperature
	}
	if n, ok := optionAsInt(options, "n"); ok && n > 1 {
		requestBody["n"] = n
	}
	if stream {
		requestBody["stream"] = true
		switch p.usage {
		case usageAccounting:
			requestBody["usage"] = map[string]interface{}{"include": true}
		default:
			requestBody["stream_options"] = map[string]interface{}{"include_usage": true}
		}
	}
	return requestBody
}

// post sends the request and returns the response with an unread body. On
// error the body is already closed.
func (p *chatCompletionsProvider) post(ctx context.Context, requestBody map[string]interface{}, stream bool) (*http.Response, error) {
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", p.providerName, err)
	}

	endpoint := p.apiBase + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", p.providerName, err)
	}

	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if err := p.auth.Apply(ctx, req); err != nil {
		return nil, fmt.Errorf("apply %s auth: %w", p.providerName, err)
	}
	for name, value := range p.extraHeaders {
		req.Header.Set(name, value)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send %s request: %w", p.providerName, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		return nil, readProviderError(p.providerName, resp)
	}
	return resp, nil
}

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content interface{} `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *UsageInfo `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func newChatCompletionsStream(providerName string, body io.ReadCloser) *DeltaStream {
	scanner := newSSEScanner(body)
	var pending []Delta
	// finished is set by [DONE] or by a choice reporting finish_reason. A
	// body that closes before either is a truncated reply.
	finished := false

	stream := NewDeltaStream(nil, body)
	stream.next = func() (Delta, error) {
		for {
			if len(pending) > 0 {
				d := pending[0]
				pending = pending[1:]
				return d, nil
			}

			if !scanner.Next() {
				if err := scanner.Err(); err != nil {
					return Delta{}, fmt.Errorf("read %s stream: %w", providerName, err)
				}
				if !finished {
					return Delta{}, fmt.Errorf("%s: %w", providerName, ErrStreamTruncated)
				}
				return Delta{}, io.EOF
			}

			event := scanner.Event()
			if strings.TrimSpace(event.Data) == "[DONE]" {
				finished = true
				return Delta{}, io.EOF
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(event.Data), &chunk); err != nil {
				return Delta{}, fmt.Errorf("parse %s stream chunk: %w", providerName, err)
			}
			if chunk.Error != nil && strings.TrimSpace(chunk.Error.Message) != "" {
				return Delta{}, &ProviderError{
					Provider:   providerName,
					StatusCode: http.StatusOK,
					Type:       chunk.Error.Type,
					Message:    augmentProviderError(providerName, chunk.Error.Message),
				}
			}
			if chunk.Model != "" && stream.model == "" {
				stream.model = chunk.Model
			}
			if chunk.Usage != nil {
				stream.SetUsage(*chunk.Usage)
			}
			for _, choice := range chunk.Choices {
				d := Delta{ChoiceIndex: choice.Index, Text: flattenMessageContent(choice.Delta.Content)}
				if choice.FinishReason != nil && *choice.FinishReason != "" {
					d.FinishReason = *choice.FinishReason
					finished = true
				}
				pending = append(pending, d)
			}
		}
	}
	return stream
}

func optionAsInt(opts map[string]interface{}, key string) (int, bool) {
	if len(opts) == 0 {
		return 0, false
	}
	v, ok := opts[key]
	if !ok || v == nil {
		return 0, false
	}
	switch vv := v.(type) {
	case int:
		return vv, true
	case int32:
		return int(vv), true
	case int64:
		return int(vv), true
	case float32:
		return int(vv), true
	case float64:
		return int(vv), true
	default:
		return 0, false
	}
}

func optionAsFloat(opts map[string]interface{}, key string) (float64, bool) {
	if len(opts) == 0 {
		return 0, false
	}
	v, ok := opts[key]
	if !ok || v == nil {
		return 0, false
	}
	switch vv := v.(type) {
	case float64:
		return vv, true
	case float32:
		return float64(vv), true
	case int:
		return float64(vv), true
	case int64:
		return float64(vv), true
	default:
		return 0, false
	}
}

func parseChatCompletionsResponse(body []byte) (*LLMResponse, error) {
	var apiResponse struct {
		Model   string `json:"model"`
		Choices []struct {
			Index   int `json:"index"`
			Message struct {
				Content interface{} `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *UsageInfo `json:"usage"`
	}

	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, err
	}

	result := &LLMResponse{Model: apiResponse.Model, Usage: apiResponse.Usage, FinishReason: "stop"}
	if len(apiResponse.Choices) == 0 {
		return result, nil
	}

	choices := make([]Choice, 0, len(apiResponse.Choices))
	for _, c := range apiResponse.Choices {
		choices = append(choices, Choice{
			Index:        c.Index,
			Content:      flattenMessageContent(c.Message.Content),
			FinishReason: c.FinishReason,
		})
	}
	sort.SliceStable(choices, func(i, j int) bool { return choices[i].Index < choices[j].Index })

	var content strings.Builder
	for _, c := range choices {
		content.WriteString(c.Content)
	}
	result.Choices = choices
	result.Content = content.String()
	result.FinishReason = choices[0].FinishReason
	return result, nil
}

func flattenMessageContent(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				parts = append(parts, text)
				continue
			}
			if content, ok := m["content"].(string); ok {
				parts = append(parts, content)
			}
		}
		return strings.Join(parts, "")
	default:
		return ""
	}
}
