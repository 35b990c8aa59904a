package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Result is the outcome of scoring one piece of content. Category is
// the highest-scoring label and drives the strike weight.
type Result struct {
	Labels   map[string]float64 `json:"labels"`
	MaxScore float64            `json:"max_score"`
	Category string             `json:"-"`
}

// Scorer is the external toxicity-scoring capability. Implementations
// must honour ctx deadlines; the engine bounds every call.
type Scorer interface {
	Score(ctx context.Context, content string) (*Result, error)
}

// HTTPScorer calls a JSON scoring endpoint:
// POST {"content": "..."} -> {"labels": {"spam": 0.1, ...}, "max_score": 0.1}.
type HTTPScorer struct {
	endpoint string
	client   *http.Client
}

func NewHTTPScorer(endpoint string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPScorer) Score(ctx context.Context, content string) (*Result, error) {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scoring call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scoring call: unexpected status %d", resp.StatusCode)
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("scoring response: %w", err)
	}
	res.finalize()
	return &res, nil
}

// finalize derives Category and MaxScore from the label map when the
// endpoint omits them.
func (r *Result) finalize() {
	for label, score := range r.Labels {
		if score > r.MaxScore || (score == r.MaxScore && r.Category == "") {
			r.MaxScore = score
			r.Category = label
		}
	}
}
