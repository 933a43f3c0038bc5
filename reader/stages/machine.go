package stages

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrUnknownMode  = errors.New("unknown mode")
	ErrMissingStage = errors.New("next_stage is required")
)

// Mode says whether a transition request answers a question or moves the reading on.
type Mode string

const (
	ModeQA         Mode = "qa"
	ModeTransition Mode = "transition"
)

const (
	qaAction         = "Answer the user's question directly. Use the current stage context but do not regenerate the full stage content."
	transitionAction = "You must now generate the full %s content. Do not just acknowledge the transition."
)

// Transition is a stage change requested by the model.
type Transition struct {
	Previous string
	Next     string
	Mode     Mode
	Reason   string
	Focus    string
}

// Outcome is what the model is told after a transition request.
type Outcome struct {
	Stage          string
	StageName      string
	Mode           Mode
	Changed        bool
	Focus          string
	ActionRequired string
	Instructions   string // only set for transitions
}

// State is the persisted position of a session in its reading.
type State struct {
	Current string `json:"current"`
	Focus   string `json:"focus,omitempty"`
	Plan    *Plan  `json:"plan,omitempty"`
}

// Machine tracks the current stage of one session.
type Machine struct {
	mu     sync.RWMutex
	vocab  *Vocabulary
	state  State
	logger zerolog.Logger
}

// NewMachine creates a machine with no current stage.
func NewMachine(vocab *Vocabulary, logger zerolog.Logger) *Machine {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	return &Machine{
		vocab:  vocab,
		logger: logger.With().Str("component", "stages").Logger(),
	}
}

// Vocabulary returns the machine's known stages.
func (m *Machine) Vocabulary() *Vocabulary { return m.vocab }

// Apply executes a transition request. qa never changes state.
func (m *Machine) Apply(t Transition) (Outcome, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(t.Mode))))
	if mode == "" {
		mode = ModeTransition
	}
	next := strings.TrimSpace(t.Next)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch mode {
	case ModeQA:
		current := m.state.Current
		if next != "" && next != current {
			m.logger.Warn().Str("current", current).Str("requested", next).Msg("qa request named a different stage; staying put")
		}
		return Outcome{
			Stage:          current,
			StageName:      DisplayName(current),
			Mode:           ModeQA,
			Focus:          m.state.Focus,
			ActionRequired: qaAction,
		}, nil

	case ModeTransition:
		if next == "" {
			return Outcome{}, ErrMissingStage
		}
		if t.Previous != "" && t.Previous != m.state.Current {
			m.logger.Debug().Str("current", m.state.Current).Str("previous", t.Previous).Msg("Transition names a stale previous stage")
		}

		changed := next != m.state.Current
		m.state.Current = next
		m.state.Focus = ""
		if focus := strings.TrimSpace(t.Focus); focus != "" && m.supportsFocus(next) {
			m.state.Focus = focus
		}

		m.logger.Info().Str("stage", next).Str("focus", m.state.Focus).Str("reason", t.Reason).Msg("Stage transition")

		name := DisplayName(next)
		action := fmt.Sprintf(transitionAction, name)
		if m.state.Focus != "" {
			action += " Focus on the section: " + m.state.Focus
		}
		return Outcome{
			Stage:          next,
			StageName:      name,
			Mode:           ModeTransition,
			Changed:        changed,
			Focus:          m.state.Focus,
			ActionRequired: action,
			Instructions:   m.instructions(next),
		}, nil

	default:
		return Outcome{}, fmt.Errorf("%w: %q (want %q or %q)", ErrUnknownMode, t.Mode, ModeQA, ModeTransition)
	}
}

// EnsureStarted sets the first plan stage, or the entry stage, when no stage is current.
// It returns the current stage.
func (m *Machine) EnsureStarted() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Current != "" {
		return m.state.Current
	}
	if first, ok := m.state.Plan.First(); ok {
		m.state.Current = first
	} else {
		m.state.Current = EntryStage
	}
	return m.state.Current
}

// Start forces the current stage, clearing focus.
func (m *Machine) Start(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Current = id
	m.state.Focus = ""
}

// SetPlan installs the reading plan. A nil plan falls back to the vocabulary.
func (m *Machine) SetPlan(p *Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Plan = p.Clone()
}

// Restore replaces the whole state, e.g. after loading a session.
func (m *Machine) Restore(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Plan = s.Plan.Clone()
	m.state = s
}

// State returns a copy of the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.state
	s.Plan = s.Plan.Clone()
	return s
}

// Current returns the current stage id, empty before start.
func (m *Machine) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Current
}

// Focus returns the section being explored, if any.
func (m *Machine) Focus() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Focus
}

// Instructions returns the guidance for the current stage.
func (m *Machine) Instructions() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.Current == "" {
		return ""
	}
	return m.instructions(m.state.Current)
}

// PlanListing renders the plan, or the vocabulary when there is no plan.
func (m *Machine) PlanListing() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.Plan.Valid() {
		return m.state.Plan.Render()
	}
	return (&Plan{Stages: m.vocab.Definitions()}).Render()
}

// supportsFocus is true for vocabulary stages that declare it and plan stages with sections.
func (m *Machine) supportsFocus(id string) bool {
	if d, ok := m.vocab.Lookup(id); ok && d.SupportsFocus {
		return true
	}
	if d, ok := m.state.Plan.Lookup(id); ok && (d.SupportsFocus || len(d.Sections) > 0) {
		return true
	}
	return false
}

func (m *Machine) instructions(id string) string {
	var b strings.Builder
	if d, ok := m.vocab.Lookup(id); ok && d.Instructions != "" {
		b.WriteString(d.Instructions)
	}

	if d, ok := m.state.Plan.Lookup(id); ok {
		if d.Description != "" {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "For this document: %s", d.Description)
		}
		if len(d.KeyTopics) > 0 {
			fmt.Fprintf(&b, "\nKey topics: %s", strings.Join(d.KeyTopics, ", "))
		}
		if len(d.Sections) > 0 {
			fmt.Fprintf(&b, "\nSections: %s", strings.Join(d.Sections, ", "))
		}
	}

	if b.Len() == 0 {
		fmt.Fprintf(&b, "Cover the %s of the document, then ask whether the reader has questions.", strings.ToLower(DisplayName(id)))
	}
	return b.String()
}
