package engine

import (
	"regexp"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

var triggerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(error|exception|fatal|crash(ed)?|panic)\b`),
	regexp.MustCompile(`(?i)(out of memory|\boom\b|oomkilled|memory limit exceeded|heap space)`),
	regexp.MustCompile(`(?i)(connection refused|econnrefused)`),
	regexp.MustCompile(`(?i)(timed? ?out|timeout|deadline exceeded|etimedout)`),
	regexp.MustCompile(`(?i)\b(http|status|code)[ :=/]*5\d{2}\b|\b5\d{2} (internal server error|bad gateway|service unavailable|gateway timeout)`),
}

// IsTrigger reports whether ev should be batched for classification.
func IsTrigger(ev models.LogEvent) bool {
	switch ev.Level {
	case models.LevelError, models.LevelFatal, models.LevelCritical:
		return true
	}
	for _, re := range triggerPatterns {
		if re.MatchString(ev.Message) {
			return true
		}
	}
	return false
}
