// Package transcribe provides the client for the voice transcription
// sidecar. The sidecar accepts raw audio bytes and returns the spoken
// text; the relay treats the result as a plain user turn.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client calls the transcription sidecar over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a transcription client. timeout bounds a single
// transcription call; zero selects one minute.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:5000"
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// result is the sidecar's response body. Exactly one field is set.
type result struct {
	Transcription string `json:"transcription"`
	Error         string `json:"error"`
}

// Transcribe converts voice-message audio into text. contentType tells
// the sidecar what it is decoding (e.g., "audio/ogg"). Failures are
// returned as errors; the caller maps them to the user-visible apology.
func (c *Client) Transcribe(ctx context.Context, audio []byte, contentType string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("empty audio payload")
	}
	if contentType == "" {
		contentType = "audio/ogg"
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/transcribe", bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var res result
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		if res.Error != "" {
			return "", fmt.Errorf("transcription failed: %s", res.Error)
		}
		return "", fmt.Errorf("transcription failed: status %d", resp.StatusCode)
	}

	if res.Transcription == "" {
		return "", fmt.Errorf("transcription returned empty text")
	}
	return res.Transcription, nil
}
