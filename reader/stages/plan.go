package stages

import (
	"fmt"
	"strings"
)

// ContentAnalysis is the structural summary of a document that drives plan generation.
type ContentAnalysis struct {
	Sections       []string `json:"sections"`
	HasMath        bool     `json:"has_math"`
	HasCode        bool     `json:"has_code"`
	IsMultiSection bool     `json:"is_multi_section"`
}

// Plan is the ordered reading plan generated for one document.
type Plan struct {
	Title    string          `json:"title"`
	Analysis ContentAnalysis `json:"content_analysis"`
	Stages   []Definition    `json:"reading_plan"`
}

// Valid reports whether the plan has at least one stage with an id.
func (p *Plan) Valid() bool {
	if p == nil {
		return false
	}
	for _, s := range p.Stages {
		if strings.TrimSpace(s.ID) != "" {
			return true
		}
	}
	return false
}

// First returns the id of the first stage in the plan.
func (p *Plan) First() (string, bool) {
	if p == nil {
		return "", false
	}
	for _, s := range p.Stages {
		if id := strings.TrimSpace(s.ID); id != "" {
			return id, true
		}
	}
	return "", false
}

// Lookup finds the plan entry for id.
func (p *Plan) Lookup(id string) (Definition, bool) {
	if p == nil {
		return Definition{}, false
	}
	for _, s := range p.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return Definition{}, false
}

// Render lists the plan one stage per line as "- **id**: title - description".
func (p *Plan) Render() string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	for _, s := range p.Stages {
		if s.ID == "" {
			continue
		}
		title := s.Title
		if title == "" {
			title = DisplayName(s.ID)
		}
		fmt.Fprintf(&b, "- **%s**: %s - %s\n", s.ID, title, s.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Clone returns a deep copy.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := *p
	out.Analysis.Sections = append([]string(nil), p.Analysis.Sections...)
	out.Stages = make([]Definition, len(p.Stages))
	for i, s := range p.Stages {
		s.KeyTopics = append([]string(nil), s.KeyTopics...)
		s.Sections = append([]string(nil), s.Sections...)
		out.Stages[i] = s
	}
	return &out
}
