package stages

import (
	"strings"
	"unicode"
)

// EntryStage is where a session starts when no plan names a first stage.
const EntryStage = "quick_scan"

// Definition describes one analysis stage.
type Definition struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	KeyTopics     []string `json:"key_topics,omitempty"`
	Sections      []string `json:"sections,omitempty"`
	SupportsFocus bool     `json:"supports_focus,omitempty"`
	Instructions  string   `json:"-"`
}

// Vocabulary is the set of stage ids the reader knows instructions for.
// Ids outside the vocabulary are still valid stages; they just get generic instructions.
type Vocabulary struct {
	order []string
	defs  map[string]Definition
}

// NewVocabulary builds a vocabulary in the given order. Later duplicates replace earlier ones.
func NewVocabulary(defs ...Definition) *Vocabulary {
	v := &Vocabulary{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if _, seen := v.defs[d.ID]; !seen {
			v.order = append(v.order, d.ID)
		}
		v.defs[d.ID] = d
	}
	return v
}

// Lookup returns the definition for id.
func (v *Vocabulary) Lookup(id string) (Definition, bool) {
	d, ok := v.defs[id]
	return d, ok
}

// Definitions returns every definition in vocabulary order.
func (v *Vocabulary) Definitions() []Definition {
	out := make([]Definition, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.defs[id])
	}
	return out
}

var displayNames = map[string]string{
	"quick_scan":               "Quick Scan",
	"context_and_contribution": "Context & Contribution",
	"context_building":         "Context Building",
	"methodology":              "Methodology",
	"critical_analysis":        "Critical Analysis",
	"math_understanding":       "Math Understanding",
	"code_analysis":            "Code Analysis",
	"section_explorer":         "Section Explorer",
	"section_deep_dive":        "Section Deep Dive",
}

// DisplayName returns the human label for a stage id, e.g. "Quick Scan".
// Unknown ids are title-cased with underscores turned into spaces.
func DisplayName(id string) string {
	if name, ok := displayNames[id]; ok {
		return name
	}
	words := strings.Fields(strings.ReplaceAll(id, "_", " "))
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// DefaultVocabulary returns the stages a paper walkthrough is built from.
func DefaultVocabulary() *Vocabulary {
	return NewVocabulary(
		Definition{
			ID:          "quick_scan",
			Title:       DisplayName("quick_scan"),
			Description: "What the paper is about: title, abstract, headline result and key figures",
			Instructions: `Give a short orientation to the paper.
- State the problem and the proposed approach in two or three sentences.
- Name the main result with its headline number if there is one.
- Extract and show the single most informative figure (usually the architecture or the main result).
- Close by asking whether the reader has questions or wants to continue.`,
		},
		Definition{
			ID:          "context_and_contribution",
			Title:       DisplayName("context_and_contribution"),
			Description: "Why the work exists and what it achieved",
			Instructions: `Explain the background and the gap the paper addresses, then its contribution.
- Summarize the prior approaches and their limitation.
- List the contributions as the authors claim them.
- Cover the conclusion: what was achieved and what remains open.`,
		},
		Definition{
			ID:          "context_building",
			Title:       DisplayName("context_building"),
			Description: "Background the reader needs before the method",
			Instructions: `Build the background knowledge the paper assumes.
- Define the key terms in plain language.
- Use web_lookup for context the paper does not provide.
- Keep it brief and tied to what the method section will need.`,
		},
		Definition{
			ID:          "methodology",
			Title:       DisplayName("methodology"),
			Description: "How the method works, step by step",
			Instructions: `Walk through the method in the order data flows through it.
- Show the architecture or pipeline figure and explain each part next to it.
- Point out the design choices that differ from prior work.
- Describe the training or evaluation setup only as far as it explains the results.`,
		},
		Definition{
			ID:          "critical_analysis",
			Title:       DisplayName("critical_analysis"),
			Description: "Strengths, weaknesses and open questions",
			Instructions: `Assess the paper critically.
- Check whether the experiments support the claims.
- Note missing baselines, ablations or threats to validity.
- Suggest what a follow-up study should test.`,
		},
		Definition{
			ID:          "math_understanding",
			Title:       DisplayName("math_understanding"),
			Description: "The key equations and what each term means",
			Instructions: `Explain the central equations one at a time.
- Write each equation in LaTeX and define every symbol.
- Give the intuition behind it before any derivation.
- Use generate_aux_content when a visual helps.`,
		},
		Definition{
			ID:          "code_analysis",
			Title:       DisplayName("code_analysis"),
			Description: "Implementation details and available code",
			Instructions: `Connect the method to an implementation.
- Use web_lookup to find the official or popular repositories.
- Map the main components of the method to code structure.
- Show short pseudocode for the core loop.`,
		},
		Definition{
			ID:          "section_explorer",
			Title:       DisplayName("section_explorer"),
			Description: "Choose a section of the paper to explore",
			Instructions: `List the sections of the paper that are worth exploring with a one-line summary each.
Ask the reader which section to explore next.`,
		},
		Definition{
			ID:            "section_deep_dive",
			Title:         DisplayName("section_deep_dive"),
			Description:   "In-depth explanation of one selected section",
			SupportsFocus: true,
			Instructions: `Explain only the section being explored.
- Give an overview, then the main concepts, then the details.
- Show the figures from this section inline with the explanation.
- Do not repeat earlier stages or cover other sections.
- End by offering another section or the next stage of the plan.`,
		},
	)
}
