package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

// WebhookSender posts messages as JSON to a relay endpoint that performs
// the actual delivery.
type WebhookSender struct {
	url        string
	token      string
	httpClient *http.Client
}

func NewWebhookSender(url, token string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		url:        url,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSender) Name() string { return "webhook" }

type webhookResponse struct {
	MessageID string `json:"message_id"`
}

// Send treats 2xx as accepted. Other 4xx answers except 408 and 429 are
// permanent and reported as validation errors so the queue stops retrying.
func (s *WebhookSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal dispatch message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.ID)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Receipt{}, apperrors.NewExternalDependency("dispatch webhook", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		return Receipt{}, apperrors.NewValidationError("dispatch webhook rejected message", map[string]any{
			"status": resp.StatusCode,
			"body":   string(body),
		})
	default:
		return Receipt{}, apperrors.NewExternalDependency("dispatch webhook",
			fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}

	receipt := Receipt{ProviderMessageID: msg.MessageID, SentAt: time.Now().UTC()}
	var decoded webhookResponse
	if len(body) > 0 && json.Unmarshal(body, &decoded) == nil && decoded.MessageID != "" {
		receipt.ProviderMessageID = decoded.MessageID
	}
	return receipt, nil
}
