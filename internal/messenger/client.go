// internal/messenger/client.go
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ClientConfig configures the Graph API client. Error codes are
// channel-policy specific and therefore injected, never hardcoded.
type ClientConfig struct {
	BaseURL          string
	Timeout          time.Duration
	RatePerSec       int
	UnavailableCodes []int
	PolicyCodes      []int
}

// Client talks to the Messenger Send API for one or more pages.
type Client struct {
	baseURL     string
	http        *http.Client
	limiter     *rate.Limiter
	unavailable map[int]bool
	policy      map[int]bool
	log         zerolog.Logger
}

func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		http:        &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Limit(rps), rps),
		unavailable: codeSet(cfg.UnavailableCodes),
		policy:      codeSet(cfg.PolicyCodes),
		log:         log,
	}
}

func codeSet(codes []int) map[int]bool {
	m := make(map[int]bool, len(codes))
	for _, c := range codes {
		m[c] = true
	}
	return m
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
}

type apiResponse struct {
	MessageID    string    `json:"message_id"`
	AttachmentID string    `json:"attachment_id"`
	Error        *apiError `json:"error"`
}

// SendText delivers a text message under the given policy tag.
func (c *Client) SendText(ctx context.Context, pageID, token, recipientID, text, tag string) error {
	payload := map[string]interface{}{
		"recipient":      map[string]string{"id": recipientID},
		"messaging_type": "MESSAGE_TAG",
		"tag":            tag,
		"message":        map[string]string{"text": text},
	}
	_, err := c.post(ctx, pageID+"/messages", token, payload)
	return err
}

// SendAttachmentURL delivers one remote media URL as an attachment message.
func (c *Client) SendAttachmentURL(ctx context.Context, pageID, token, recipientID, mediaURL, tag string) error {
	payload := map[string]interface{}{
		"recipient":      map[string]string{"id": recipientID},
		"messaging_type": "MESSAGE_TAG",
		"tag":            tag,
		"message": map[string]interface{}{
			"attachment": map[string]interface{}{
				"type": attachmentType(mediaURL),
				"payload": map[string]interface{}{
					"url":         mediaURL,
					"is_reusable": true,
				},
			},
		},
	}
	_, err := c.post(ctx, pageID+"/messages", token, payload)
	return err
}

// SendLocalAttachment uploads a local media file and delivers it by
// attachment id.
func (c *Client) SendLocalAttachment(ctx context.Context, pageID, token, recipientID, path, tag string) error {
	attachmentID, err := c.uploadAttachment(ctx, pageID, token, path)
	if err != nil {
		return err
	}
	payload := map[string]interface{}{
		"recipient":      map[string]string{"id": recipientID},
		"messaging_type": "MESSAGE_TAG",
		"tag":            tag,
		"message": map[string]interface{}{
			"attachment": map[string]interface{}{
				"type": attachmentType(path),
				"payload": map[string]interface{}{
					"attachment_id": attachmentID,
				},
			},
		},
	}
	_, err = c.post(ctx, pageID+"/messages", token, payload)
	return err
}

func (c *Client) uploadAttachment(ctx context.Context, pageID, token, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &SendError{Kind: FailureOther, Message: fmt.Sprintf("open media %s: %v", path, err)}
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	msg := fmt.Sprintf(`{"attachment":{"type":"%s","payload":{"is_reusable":true}}}`, attachmentType(path))
	if err := mw.WriteField("message", msg); err != nil {
		return "", &SendError{Kind: FailureOther, Message: err.Error()}
	}
	fw, err := mw.CreateFormFile("filedata", filepath.Base(path))
	if err != nil {
		return "", &SendError{Kind: FailureOther, Message: err.Error()}
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", &SendError{Kind: FailureOther, Message: err.Error()}
	}
	mw.Close()

	if err := c.limiter.Wait(ctx); err != nil {
		return "", &SendError{Kind: FailureOther, Message: err.Error()}
	}
	url := fmt.Sprintf("%s/%s/message_attachments?access_token=%s", c.baseURL, pageID, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", &SendError{Kind: FailureOther, Message: err.Error()}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	return resp.AttachmentID, nil
}

func (c *Client) post(ctx context.Context, path, token string, payload interface{}) (*apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &SendError{Kind: FailureOther, Message: err.Error()}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &SendError{Kind: FailureOther, Message: err.Error()}
	}
	url := fmt.Sprintf("%s/%s?access_token=%s", c.baseURL, path, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &SendError{Kind: FailureOther, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*apiResponse, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &SendError{Kind: FailureOther, Message: err.Error()}
	}
	defer resp.Body.Close()

	var parsed apiResponse
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &SendError{Kind: FailureOther, Message: err.Error()}
	}
	if err := json.Unmarshal(raw, &parsed); err != nil && resp.StatusCode >= 400 {
		return nil, &SendError{Kind: FailureOther, Message: fmt.Sprintf("http %d: %s", resp.StatusCode, truncate(raw, 200))}
	}
	if parsed.Error != nil {
		return nil, c.classifyAPIError(parsed.Error)
	}
	if resp.StatusCode >= 400 {
		return nil, &SendError{Kind: FailureOther, Message: fmt.Sprintf("http %d", resp.StatusCode)}
	}
	return &parsed, nil
}

func (c *Client) classifyAPIError(e *apiError) *SendError {
	kind := FailureOther
	switch {
	case c.unavailable[e.Code] || c.unavailable[e.Subcode]:
		kind = FailureUnavailable
	case c.policy[e.Code] || c.policy[e.Subcode]:
		kind = FailureOutsideWindow
	}
	return &SendError{Kind: kind, Code: e.Code, Subcode: e.Subcode, Message: e.Message}
}

func attachmentType(ref string) string {
	switch strings.ToLower(filepath.Ext(strings.SplitN(ref, "?", 2)[0])) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return "image"
	case ".mp4", ".mov", ".avi":
		return "video"
	case ".mp3", ".wav", ".ogg":
		return "audio"
	default:
		return "file"
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
