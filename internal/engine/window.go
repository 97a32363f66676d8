package engine

import "github.com/miradorstack/mirador-remediator/internal/models"

// DefaultWindowSize is the number of recent events kept per service.
const DefaultWindowSize = 20

// Window is a bounded, newest-first history of one service's log events.
type Window struct {
	size   int
	events []models.LogEvent
}

// NewWindow returns an empty window holding at most size events.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{size: size, events: make([]models.LogEvent, 0, size)}
}

// Append records ev as the newest entry, dropping the oldest beyond capacity.
func (w *Window) Append(ev models.LogEvent) {
	if len(w.events) < w.size {
		w.events = append(w.events, models.LogEvent{})
	}
	copy(w.events[1:], w.events[:len(w.events)-1])
	w.events[0] = ev
}

// Len returns the number of buffered events.
func (w *Window) Len() int { return len(w.events) }

// Snapshot returns a copy of the window, newest first.
func (w *Window) Snapshot() []models.LogEvent {
	return append([]models.LogEvent(nil), w.events...)
}

// mergeContext returns the window followed by any trigger not already in it.
func mergeContext(window, triggers []models.LogEvent) []models.LogEvent {
	out := make([]models.LogEvent, 0, len(window)+len(triggers))
	seen := make(map[string]struct{}, len(window)+len(triggers))
	for _, group := range [][]models.LogEvent{window, triggers} {
		for _, ev := range group {
			if ev.ID != "" {
				if _, dup := seen[ev.ID]; dup {
					continue
				}
				seen[ev.ID] = struct{}{}
			}
			out = append(out, ev)
		}
	}
	return out
}
