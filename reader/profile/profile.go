package profile

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Profile is what the reader has learned about the user across sessions.
type Profile struct {
	saveMu   sync.Mutex // serializes AddAndSave across sessions
	mu       sync.RWMutex
	name     string
	insights []string
}

// Snapshot is the persisted form of a Profile.
type Snapshot struct {
	Name     string   `json:"name"`
	Insights []string `json:"key_points"`
}

// New creates a profile from a persisted snapshot.
func New(s Snapshot) *Profile {
	p := &Profile{name: s.Name}
	for _, in := range s.Insights {
		p.AddInsight(in)
	}
	return p
}

// AddInsight records an insight unless the exact text is already present.
// It reports whether the insight was new.
func (p *Profile) AddInsight(insight string) bool {
	insight = strings.TrimSpace(insight)
	if insight == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.insights {
		if existing == insight {
			return false
		}
	}
	p.insights = append(p.insights, insight)
	return true
}

// AddAndSave records an insight and persists the resulting snapshot with save.
// Concurrent callers are serialized so a stale snapshot never overwrites a newer one.
// A save failure leaves the insight in memory.
func (p *Profile) AddAndSave(ctx context.Context, insight string, save func(context.Context, Snapshot) error) (bool, error) {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	if !p.AddInsight(insight) {
		return false, nil
	}
	if save == nil {
		return true, nil
	}
	return true, save(ctx, p.Snapshot())
}

// SetName sets the user's name.
func (p *Profile) SetName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = strings.TrimSpace(name)
}

// Snapshot returns a copy suitable for persistence.
func (p *Profile) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{Name: p.name, Insights: append([]string(nil), p.insights...)}
}

// Summary renders the profile for model context, or "" when nothing is known.
func (p *Profile) Summary() string {
	s := p.Snapshot()
	var parts []string
	if s.Name != "" {
		parts = append(parts, fmt.Sprintf("**Name**: %s", s.Name))
	}
	if len(s.Insights) > 0 {
		parts = append(parts, fmt.Sprintf("**Key Insights**: %s", strings.Join(s.Insights, ", ")))
	}
	return strings.Join(parts, "\n")
}
