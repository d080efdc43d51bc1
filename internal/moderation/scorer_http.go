package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPScorer queries an external model inference service.
//
// Contract:
//
//	POST {base}/classify/text  {"text": "..."}      -> {"scores": {"toxic": 0.93, ...}}
//	POST {base}/classify/image <raw image bytes>    -> {"scores": {"nsfw": 0.87}}
//
// Inference failures propagate to the caller; the retry/fallback policy
// lives with the session engine, not here.
type HTTPScorer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPScorer creates a scorer for the inference service at baseURL.
func NewHTTPScorer(baseURL string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type scoreResponse struct {
	Scores map[string]float64 `json:"scores"`
}

// ScoreText scores normalized text.
func (s *HTTPScorer) ScoreText(ctx context.Context, text string) (map[string]float64, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("moderation: marshal text request: %w", err)
	}
	return s.post(ctx, s.baseURL+"/classify/text", "application/json", bytes.NewReader(body))
}

// ScoreImage scores raw image bytes.
func (s *HTTPScorer) ScoreImage(ctx context.Context, image []byte) (map[string]float64, error) {
	return s.post(ctx, s.baseURL+"/classify/image", "application/octet-stream", bytes.NewReader(image))
}

func (s *HTTPScorer) post(ctx context.Context, url, contentType string, body io.Reader) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("moderation: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("moderation: inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("moderation: inference service returned %s", resp.Status)
	}

	var decoded scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("moderation: decode scores: %w", err)
	}
	return decoded.Scores, nil
}
