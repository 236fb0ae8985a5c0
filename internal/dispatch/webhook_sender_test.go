package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

func TestWebhookSenderPostsMessage(t *testing.T) {
	var got Message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "d1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message_id":"relay-42@mail.example.com"}`))
	}))
	defer server.Close()

	sender := NewWebhookSender(server.URL, "secret", time.Second)
	receipt, err := sender.Send(context.Background(), Message{
		ID: "d1", MessageID: "m1@example.com", CaseNumber: "CS-20261016-0001",
		Recipient: "customer@x.com", Subject: "[CS-20261016-0001] Leaking tap",
	})
	require.NoError(t, err)
	assert.Equal(t, "relay-42@mail.example.com", receipt.ProviderMessageID)
	assert.Equal(t, "customer@x.com", got.Recipient)
	assert.Equal(t, "CS-20261016-0001", got.CaseNumber)
}

func TestWebhookSenderFallsBackToOwnMessageID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	receipt, err := NewWebhookSender(server.URL, "", time.Second).Send(context.Background(), Message{ID: "d1", MessageID: "m1@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "m1@example.com", receipt.ProviderMessageID)
}

func TestWebhookSenderClassifiesFailures(t *testing.T) {
	status := http.StatusBadRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()
	sender := NewWebhookSender(server.URL, "", time.Second)

	_, err := sender.Send(context.Background(), Message{ID: "d1"})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	status = http.StatusTooManyRequests
	_, err = sender.Send(context.Background(), Message{ID: "d1"})
	assert.True(t, errors.Is(err, apperrors.ErrExternalDependency))

	status = http.StatusServiceUnavailable
	_, err = sender.Send(context.Background(), Message{ID: "d1"})
	assert.True(t, errors.Is(err, apperrors.ErrExternalDependency))
}
