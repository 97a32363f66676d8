package engine

import (
	"context"
	"log/slog"

	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

// Fallback classification constants.
const (
	FallbackConfidence = 0.5
	FallbackSeverity   = models.SeverityHigh
	FallbackAction     = models.ActionManualFix
)

// maxRootCauseLen bounds fallback root causes built from raw log messages.
const maxRootCauseLen = 500

// Analyzer is the natural-language classification collaborator.
type Analyzer interface {
	AnalyzeLogs(ctx context.Context, window []models.LogEvent, serviceName string) (models.Classification, error)
}

// Candidate is a classification plus where it came from.
type Candidate struct {
	models.Classification
	Source string
}

// Classifier turns a flushed batch into an incident candidate.
type Classifier struct {
	analyzer Analyzer
	logger   *slog.Logger
}

// NewClassifier wraps analyzer. A nil analyzer always uses the fallback.
func NewClassifier(analyzer Analyzer, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{analyzer: analyzer, logger: logger}
}

// Classify asks the analyzer first and accepts its answer when confidence
// reaches threshold. Otherwise it falls back to the first error-level trigger.
// ok is false only when the batch is empty.
func (c *Classifier) Classify(ctx context.Context, logContext []models.LogEvent, triggers []models.LogEvent, serviceName string, threshold float64) (Candidate, bool) {
	if len(triggers) == 0 {
		return Candidate{}, false
	}

	if c.analyzer != nil {
		result, err := c.analyzer.AnalyzeLogs(ctx, logContext, serviceName)
		switch {
		case err != nil:
			c.logger.Warn("analysis failed, using fallback classification",
				slog.String("service", serviceName), slog.Any("error", err))
		case result.Confidence < threshold:
			c.logger.Info("analysis below confidence threshold, using fallback classification",
				slog.String("service", serviceName),
				slog.Float64("confidence", result.Confidence),
				slog.Float64("threshold", threshold))
		default:
			metrics.ObserveClassification(metrics.SourceAnalysis)
			return Candidate{Classification: result, Source: metrics.SourceAnalysis}, true
		}
	}

	metrics.ObserveClassification(metrics.SourceFallback)
	return Candidate{Classification: Fallback(triggers), Source: metrics.SourceFallback}, true
}

// Fallback picks the first error or fatal trigger, or the first trigger when
// none carries an error level.
func Fallback(triggers []models.LogEvent) models.Classification {
	pick := triggers[0]
	for _, ev := range triggers {
		if ev.Level == models.LevelError || ev.Level == models.LevelFatal {
			pick = ev
			break
		}
	}
	return models.Classification{
		Severity:          FallbackSeverity,
		Confidence:        FallbackConfidence,
		RootCause:         utils.Truncate(pick.Message, maxRootCauseLen),
		RecommendedAction: FallbackAction,
		Reasoning:         "pattern match on " + string(pick.Level) + " log line",
	}
}
