package worker

import (
	"slices"
	"strings"

	"torrentcore/internal/events"
)

// healthSet tracks degraded components. mark and clear report whether
// membership changed; detail updates alone do not count.
type healthSet struct {
	degraded map[string]string
}

func newHealthSet() *healthSet {
	return &healthSet{degraded: make(map[string]string)}
}

func (h *healthSet) mark(component, detail string) bool {
	_, existed := h.degraded[component]
	h.degraded[component] = detail
	return !existed
}

func (h *healthSet) clear(component string) bool {
	if _, ok := h.degraded[component]; !ok {
		return false
	}
	delete(h.degraded, component)
	return true
}

func (h *healthSet) snapshot() []events.HealthComponent {
	out := make([]events.HealthComponent, 0, len(h.degraded))
	for name, detail := range h.degraded {
		out = append(out, events.HealthComponent{Name: name, Detail: detail})
	}
	slices.SortFunc(out, func(a, b events.HealthComponent) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}
