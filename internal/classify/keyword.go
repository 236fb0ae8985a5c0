package classify

import (
	"context"
	"strings"

	"github.com/spec-kit/caseflow/internal/domain"
)

type keywordRule struct {
	category string
	words    []string
}

var categoryRules = []keywordRule{
	{category: "billing", words: []string{"invoice", "refund", "charge", "payment", "billing", "receipt"}},
	{category: "maintenance", words: []string{"leak", "tap", "pipe", "boiler", "heating", "repair", "broken"}},
	{category: "delivery", words: []string{"delivery", "shipment", "tracking", "parcel", "courier"}},
	{category: "account", words: []string{"password", "login", "account", "sign in", "locked out"}},
	{category: "technical", words: []string{"error", "crash", "bug", "outage", "not working", "down"}},
}

var (
	criticalWords = []string{"emergency", "flood", "gas leak", "fire", "outage", "security breach"}
	highWords     = []string{"urgent", "asap", "immediately", "as soon as possible", "critical"}
	lowWords      = []string{"no rush", "whenever", "question", "feedback", "suggestion"}
	negativeWords = []string{"angry", "unacceptable", "terrible", "disappointed", "frustrated", "worst"}
	positiveWords = []string{"thank", "great", "appreciate", "happy", "excellent"}
)

// KeywordClassifier is a deterministic table-driven classifier.
type KeywordClassifier struct{}

// NewKeywordClassifier constructs the fallback classifier.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

// Classify never fails.
func (KeywordClassifier) Classify(_ context.Context, text string) (domain.Classification, error) {
	lower := strings.ToLower(text)
	result := domain.Classification{
		Category:   "general",
		Priority:   domain.CasePriorityMedium,
		Sentiment:  "neutral",
		Urgency:    "normal",
		Confidence: 0.3,
		Source:     domain.ClassificationFallback,
	}

	for _, rule := range categoryRules {
		if containsAny(lower, rule.words) {
			result.Category = rule.category
			result.Confidence = MaxFallbackConfidence
			break
		}
	}

	switch {
	case containsAny(lower, criticalWords):
		result.Priority = domain.CasePriorityCritical
		result.Urgency = "high"
	case containsAny(lower, highWords):
		result.Priority = domain.CasePriorityHigh
		result.Urgency = "high"
	case containsAny(lower, lowWords):
		result.Priority = domain.CasePriorityLow
		result.Urgency = "low"
	}

	switch {
	case containsAny(lower, negativeWords):
		result.Sentiment = "negative"
	case containsAny(lower, positiveWords):
		result.Sentiment = "positive"
	}
	return result, nil
}

func containsAny(text string, words []string) bool {
	for _, word := range words {
		if strings.Contains(text, word) {
			return true
		}
	}
	return false
}
