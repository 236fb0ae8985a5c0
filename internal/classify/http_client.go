package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spec-kit/caseflow/internal/domain"
	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

// HTTPClassifier calls a classification service:
// POST {"text": "..."} -> {"category","priority","sentiment","urgency","confidence"}.
type HTTPClassifier struct {
	url        string
	httpClient *http.Client
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Category   string  `json:"category"`
	Priority   string  `json:"priority"`
	Sentiment  string  `json:"sentiment"`
	Urgency    string  `json:"urgency"`
	Confidence float64 `json:"confidence"`
}

// NewHTTPClassifier builds a client with the given per-request timeout.
func NewHTTPClassifier(url string, timeout time.Duration) *HTTPClassifier {
	return &HTTPClassifier{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClassifier) Classify(ctx context.Context, text string) (domain.Classification, error) {
	payload, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return domain.Classification{}, fmt.Errorf("marshal classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return domain.Classification{}, fmt.Errorf("create classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Classification{}, apperrors.NewExternalDependency("classifier", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Classification{}, apperrors.NewExternalDependency("classifier",
			fmt.Errorf("classifier returned status %d", resp.StatusCode))
	}

	var body classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.Classification{}, apperrors.NewExternalDependency("classifier", fmt.Errorf("decode response: %w", err))
	}
	priority, err := domain.ParseCasePriority(body.Priority)
	if err != nil {
		return domain.Classification{}, apperrors.NewExternalDependency("classifier", err)
	}
	if body.Category == "" {
		body.Category = "general"
	}
	return domain.Classification{
		Category:   body.Category,
		Priority:   priority,
		Sentiment:  body.Sentiment,
		Urgency:    body.Urgency,
		Confidence: body.Confidence,
		Source:     domain.ClassificationModel,
	}, nil
}
