package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
	"github.com/ZanzyTHEbar/paper-reader/reader/profile"
	"github.com/ZanzyTHEbar/paper-reader/reader/stages"
	"github.com/rs/zerolog"
)

const (
	UpdateProfileName   = "update_profile"
	TransitionStageName = "transition_stage"
	AuxContentName      = "generate_aux_content"
)

const (
	AnimationStart = "<<<ANIMATION_START>>>"
	AnimationEnd   = "<<<ANIMATION_END>>>"
)

// UpdateProfileSchema defines the JSON schema for update_profile parameters.
const UpdateProfileSchema = `{
  "type": "object",
  "properties": {
    "key_point": {
      "type": "string",
      "description": "A short insight about the user's interests or expertise, 3-10 words"
    }
  },
  "required": ["key_point"]
}`

// TransitionStageSchema defines the JSON schema for transition_stage parameters.
const TransitionStageSchema = `{
  "type": "object",
  "properties": {
    "previous_stage": {
      "type": "string",
      "description": "The stage the conversation is in now"
    },
    "next_stage": {
      "type": "string",
      "description": "The stage to move to; the current stage for qa"
    },
    "mode": {
      "type": "string",
      "description": "qa to answer a question in place, transition to move on"
    },
    "reason": {
      "type": "string",
      "description": "What in the user's message prompted this"
    },
    "focus": {
      "type": "string",
      "description": "Section to explore, for stages that explore one section"
    }
  },
  "required": ["next_stage"]
}`

// AuxContentSchema defines the JSON schema for generate_aux_content parameters.
const AuxContentSchema = `{
  "type": "object",
  "properties": {
    "concept": {
      "type": "string",
      "description": "The concept being illustrated"
    },
    "markup": {
      "type": "string",
      "description": "Self-contained HTML with inline CSS and JavaScript"
    },
    "explanation": {
      "type": "string",
      "description": "Text shown before the illustration"
    }
  },
  "required": ["concept", "markup"]
}`

// ProfileSaver persists the profile after it changes.
type ProfileSaver func(ctx context.Context, s profile.Snapshot) error

// UpdateProfileTool records insights about the user.
type UpdateProfileTool struct {
	profile *profile.Profile
	save    ProfileSaver
	logger  zerolog.Logger
}

// NewUpdateProfileTool creates the update_profile tool. save may be nil.
func NewUpdateProfileTool(p *profile.Profile, save ProfileSaver, logger zerolog.Logger) *UpdateProfileTool {
	return &UpdateProfileTool{profile: p, save: save, logger: logger}
}

func (t *UpdateProfileTool) Name() string   { return UpdateProfileName }
func (t *UpdateProfileTool) Schema() []byte { return []byte(UpdateProfileSchema) }

func (t *UpdateProfileTool) Description() string {
	return "Record a key insight about the user (interests, expertise, background) to personalize later explanations."
}

func (t *UpdateProfileTool) Invoke(ctx context.Context, args json.RawMessage) (map[string]any, error) {
	var params struct {
		KeyPoint string `json:"key_point"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(params.KeyPoint) == "" {
		return nil, errors.New("no key point provided")
	}

	added, err := t.profile.AddAndSave(ctx, params.KeyPoint, t.save)
	if err != nil {
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}
	if !added {
		return map[string]any{"message": "Key insight already recorded"}, nil
	}
	t.logger.Info().Str("key_point", params.KeyPoint).Msg("Profile insight recorded")
	return map[string]any{"message": "Key insight recorded"}, nil
}

// TransitionStageTool moves the reading between stages, or marks a question in place.
type TransitionStageTool struct {
	machine *stages.Machine
}

// NewTransitionStageTool creates the transition_stage tool.
func NewTransitionStageTool(machine *stages.Machine) *TransitionStageTool {
	return &TransitionStageTool{machine: machine}
}

func (t *TransitionStageTool) Name() string   { return TransitionStageName }
func (t *TransitionStageTool) Schema() []byte { return []byte(TransitionStageSchema) }

func (t *TransitionStageTool) Description() string {
	return "Call for every user message. Use mode qa with next_stage equal to the current stage to answer a question, or mode transition to move to another stage of the reading plan."
}

func (t *TransitionStageTool) Invoke(ctx context.Context, args json.RawMessage) (map[string]any, error) {
	var params struct {
		Previous string `json:"previous_stage"`
		Next     string `json:"next_stage"`
		Mode     string `json:"mode"`
		Reason   string `json:"reason"`
		Focus    string `json:"focus"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	out, err := t.machine.Apply(stages.Transition{
		Previous: params.Previous,
		Next:     params.Next,
		Mode:     stages.Mode(params.Mode),
		Reason:   params.Reason,
		Focus:    params.Focus,
	})
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"stage":           out.Stage,
		"stage_name":      out.StageName,
		"mode":            string(out.Mode),
		"action_required": out.ActionRequired,
	}
	if out.Mode == stages.ModeTransition {
		payload["instructions"] = out.Instructions
	}
	if out.Focus != "" {
		payload["focus"] = out.Focus
	}
	return payload, nil
}

// AuxContentTool wraps generated markup in the markers the reader UI renders.
type AuxContentTool struct{}

// NewAuxContentTool creates the generate_aux_content tool.
func NewAuxContentTool() *AuxContentTool { return &AuxContentTool{} }

func (t *AuxContentTool) Name() string   { return AuxContentName }
func (t *AuxContentTool) Schema() []byte { return []byte(AuxContentSchema) }

func (t *AuxContentTool) Description() string {
	return "Produce an interactive HTML illustration of a concept that is hard to explain with text or static figures."
}

func (t *AuxContentTool) Invoke(ctx context.Context, args json.RawMessage) (map[string]any, error) {
	var params struct {
		Concept     string `json:"concept"`
		Markup      string `json:"markup"`
		Explanation string `json:"explanation"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(params.Markup) == "" {
		return nil, errors.New("no markup provided")
	}

	content := fmt.Sprintf("%s\n\n%s\n%s\n%s", params.Explanation, AnimationStart, params.Markup, AnimationEnd)
	return map[string]any{
		"content":     content,
		"concept":     params.Concept,
		"instruction": "Include the content above in your response exactly as provided, markers included.",
	}, nil
}

var (
	_ ports.Tool = (*UpdateProfileTool)(nil)
	_ ports.Tool = (*TransitionStageTool)(nil)
	_ ports.Tool = (*AuxContentTool)(nil)
)
