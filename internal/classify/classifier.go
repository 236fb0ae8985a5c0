// Package classify turns message text into a category, priority, sentiment
// and urgency. The model lives elsewhere; this package holds the port, an
// HTTP client for it and a deterministic keyword fallback.
package classify

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/caseflow/internal/domain"
	"github.com/spec-kit/caseflow/internal/observability"
)

// MaxFallbackConfidence caps what the keyword classifier may claim.
const MaxFallbackConfidence = 0.5

// Classifier labels message text.
type Classifier interface {
	Classify(ctx context.Context, text string) (domain.Classification, error)
}

type fallbackClassifier struct {
	primary  Classifier
	fallback Classifier
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// WithFallback answers from primary and falls back on any primary error. A
// nil primary always uses the fallback.
func WithFallback(primary, fallback Classifier, logger *zap.Logger, metrics *observability.Metrics) Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fallback == nil {
		fallback = NewKeywordClassifier()
	}
	return &fallbackClassifier{
		primary:  primary,
		fallback: fallback,
		logger:   logger.Named("classifier"),
		metrics:  metrics,
	}
}

func (c *fallbackClassifier) Classify(ctx context.Context, text string) (domain.Classification, error) {
	if c.primary != nil {
		result, err := c.primary.Classify(ctx, text)
		if err == nil {
			result.Source = domain.ClassificationModel
			c.metrics.RecordClassification(string(domain.ClassificationModel))
			return result, nil
		}
		c.logger.Warn("classifier unavailable; using keyword fallback", zap.Error(err))
	}

	result, err := c.fallback.Classify(ctx, text)
	if err != nil {
		return domain.Classification{}, err
	}
	result.Source = domain.ClassificationFallback
	if result.Confidence > MaxFallbackConfidence {
		result.Confidence = MaxFallbackConfidence
	}
	c.metrics.RecordClassification(string(domain.ClassificationFallback))
	return result, nil
}
