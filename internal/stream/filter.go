package stream

import (
	"strings"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// SelfFilter recognises log lines emitted by this process so they are never
// analysed as incidents.
type SelfFilter struct {
	ServiceID  string
	Signatures []string
}

// Excludes reports whether ev originated from this process.
func (f *SelfFilter) Excludes(ev models.LogEvent) bool {
	if f == nil {
		return false
	}
	if f.ServiceID != "" && ev.ServiceID == f.ServiceID {
		return true
	}
	for _, sig := range f.Signatures {
		if sig != "" && strings.Contains(ev.Message, sig) {
			return true
		}
	}
	return false
}
