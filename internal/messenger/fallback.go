// internal/messenger/fallback.go
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// FallbackSender is the secondary delivery path used when the primary channel
// rejects a send for policy reasons. The actual automation tool lives outside
// this service; we only talk to it.
type FallbackSender interface {
	// IsLoggedIn reports whether the fallback is authenticated and usable.
	IsLoggedIn(ctx context.Context) bool
	// SendMessage delivers text (and optionally one media file) to a
	// recipient identified by external id or display name.
	SendMessage(ctx context.Context, recipient, text, mediaPath string) error
}

// HTTPFallback bridges to the browser-automation sidecar over HTTP.
type HTTPFallback struct {
	baseURL string
	http    *http.Client
}

func NewHTTPFallback(baseURL string, timeout time.Duration) *HTTPFallback {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFallback{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFallback) IsLoggedIn(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	var status struct {
		LoggedIn bool `json:"logged_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false
	}
	return status.LoggedIn
}

func (f *HTTPFallback) SendMessage(ctx context.Context, recipient, text, mediaPath string) error {
	payload, err := json.Marshal(map[string]string{
		"recipient":  recipient,
		"message":    text,
		"media_path": mediaPath,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/send", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode fallback response: %w", err)
	}
	if !result.Success {
		if result.Error == "" {
			result.Error = "unspecified failure"
		}
		return fmt.Errorf("fallback send failed: %s", result.Error)
	}
	return nil
}
