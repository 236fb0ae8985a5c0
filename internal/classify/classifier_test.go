package classify

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

	"github.com/spec-kit/caseflow/internal/domain"
	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

func TestKeywordClassifierIsDeterministic(t *testing.T) {
	classifier := NewKeywordClassifier()
	text := "Urgent: the kitchen tap is leaking and I am frustrated"

	first, err := classifier.Classify(context.Background(), text)
	require.NoError(t, err)
	second, err := classifier.Classify(context.Background(), text)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "maintenance", first.Category)
	assert.Equal(t, domain.CasePriorityHigh, first.Priority)
	assert.Equal(t, "negative", first.Sentiment)
	assert.LessOrEqual(t, first.Confidence, MaxFallbackConfidence)
}

func TestKeywordClassifierDefaults(t *testing.T) {
	result, err := NewKeywordClassifier().Classify(context.Background(), "hello there")
	require.NoError(t, err)
	assert.Equal(t, "general", result.Category)
	assert.Equal(t, domain.CasePriorityMedium, result.Priority)
	assert.Equal(t, domain.ClassificationFallback, result.Source)
}

type failingClassifier struct{}

func (failingClassifier) Classify(context.Context, string) (domain.Classification, error) {
	return domain.Classification{}, apperrors.NewExternalDependency("classifier", errors.New("connection refused"))
}

type fixedClassifier struct{ result domain.Classification }

func (f fixedClassifier) Classify(context.Context, string) (domain.Classification, error) {
	return f.result, nil
}

func TestWithFallbackUsesKeywordsOnFailure(t *testing.T) {
	classifier := WithFallback(failingClassifier{}, nil, nil, nil)

	result, err := classifier.Classify(context.Background(), "Leaking tap")
	require.NoError(t, err)
	assert.Equal(t, domain.ClassificationFallback, result.Source)
	assert.LessOrEqual(t, result.Confidence, MaxFallbackConfidence)
	assert.Equal(t, "maintenance", result.Category)
}

func TestWithFallbackPrefersPrimary(t *testing.T) {
	primary := fixedClassifier{result: domain.Classification{Category: "billing", Priority: domain.CasePriorityLow, Confidence: 0.93}}
	classifier := WithFallback(primary, nil, nil, nil)

	result, err := classifier.Classify(context.Background(), "refund please")
	require.NoError(t, err)
	assert.Equal(t, domain.ClassificationModel, result.Source)
	assert.Equal(t, 0.93, result.Confidence)
}

func TestHTTPClassifier(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req classifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "boiler broken", req.Text)
		_ = json.NewEncoder(w).Encode(classifyResponse{
			Category: "maintenance", Priority: "high", Sentiment: "negative", Urgency: "high", Confidence: 0.88,
		})
	}))
	defer server.Close()

	result, err := NewHTTPClassifier(server.URL, time.Second).Classify(context.Background(), "boiler broken")
	require.NoError(t, err)
	assert.Equal(t, domain.CasePriorityHigh, result.Priority)
	assert.Equal(t, 0.88, result.Confidence)
}

func TestHTTPClassifierErrorsAreExternal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewHTTPClassifier(server.URL, time.Second).Classify(context.Background(), "x")
	assert.True(t, errors.Is(err, apperrors.ErrExternalDependency))
}
