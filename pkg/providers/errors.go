package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrStreamTruncated means the event stream closed before [DONE] or a
// finish_reason, so the reply may be cut off.
var ErrStreamTruncated = errors.New("stream ended before the reply was complete")

// ProviderError is a non-2xx answer from the completion service.
type ProviderError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s API request failed: status=%d type=%s error=%s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s API request failed: status=%d error=%s", e.Provider, e.StatusCode, e.Message)
}

func (e *ProviderError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

func readProviderError(providerName string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	errType, msg := extractAPIError(body)
	return &ProviderError{
		Provider:   providerName,
		StatusCode: resp.StatusCode,
		Type:       errType,
		Message:    augmentProviderError(providerName, msg),
	}
}

func extractAPIError(body []byte) (string, string) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "", "empty response body"
	}

	var payload struct {
		Error struct {
			Message string      `json:"message"`
			Type    string      `json:"type"`
			Code    interface{} `json:"code"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			return payload.Error.Type, msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return "", msg
		}
	}

	if len(trimmed) > 2000 {
		return "", trimmed[:2000] + "..."
	}
	return "", trimmed
}
