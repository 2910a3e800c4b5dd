package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RESTClient performs one-shot synthesis requests against the provider's
// REST endpoint, for callers that want a complete audio clip rather than a
// live stream.
type RESTClient struct {
	apiKey     string
	speakURL   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRESTClient creates a REST synthesis client.
func NewRESTClient(cfg Config) *RESTClient {
	cfg.applyDefaults()
	return &RESTClient{
		apiKey:   cfg.APIKey,
		speakURL: cfg.SpeakRESTURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: cfg.Logger,
	}
}

// Speak synthesizes text into a complete audio clip using the given voice
// model. Returns the raw audio bytes as produced by the provider.
func (r *RESTClient) Speak(ctx context.Context, text, model string) ([]byte, error) {
	endpoint, err := url.Parse(r.speakURL)
	if err != nil {
		return nil, fmt.Errorf("invalid synthesis URL %q: %w", r.speakURL, err)
	}
	q := endpoint.Query()
	q.Set("model", model)
	endpoint.RawQuery = q.Encode()

	jsonBody, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint.String(), bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+r.apiKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read synthesis response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("synthesis failed: %s (body: %s)", resp.Status, trimBody(body))
	}

	r.logger.Debug("synthesized audio clip", "model", model, "bytes", len(body))
	return body, nil
}

// trimBody keeps provider error bodies readable in logs and wrapped errors.
func trimBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
