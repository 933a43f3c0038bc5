package agent

import (
	"github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/tools"
)

const baseInstructions = `You are a senior researcher guiding a reader through a research paper, one stage at a time.

Ground every answer in the document. When the user asks a question inside the current stage, answer it
in place (transition_stage with mode "qa"). When they want to move on, call transition_stage with mode
"transition" and then produce the full content of the new stage.

Figures: show figures that are already extracted with display_figures. Only call extract_figures for
figures that are not listed yet. Use explain_figure for questions about what a figure shows.
Record durable facts about the user with update_profile. Use web_lookup for anything the document
cannot answer, such as later work or definitions from other fields.`

const summaryInstructions = `Open the session with a quick scan of the paper: what problem it tackles, the core idea,
the main results, and why they matter. Keep it conversational and under 400 words.
If a single figure captures the main idea, extract it and reference it in the summary.
End by offering the reading plan and asking where the reader wants to start.`

const summaryRequest = "Please provide a quick scan summary of this paper."

const planInstructions = `You are a paper structure analyzer. Read the paper and output ONLY a JSON object of this shape:

{
  "title": "paper title",
  "content_analysis": {
    "sections": ["Introduction", "Method", "..."],
    "has_math": true,
    "has_code": false,
    "is_multi_section": true
  },
  "reading_plan": [
    {
      "id": "stage_id",
      "title": "Stage title",
      "description": "What this stage covers for this paper",
      "key_topics": ["topic"],
      "sections": ["Section names this stage walks through"]
    }
  ]
}

Pick stage ids from this list where they fit, in reading order, and skip stages the paper gives no material for:
%s`

const planRequest = "Analyze this paper's structure and generate a reading plan. Output ONLY valid JSON."

// statusLabels maps tool names to the progress text shown while they run.
var statusLabels = map[string]string{
	tools.ExtractFiguresName:  "extracting figures",
	tools.DisplayFiguresName:  "displaying figures",
	tools.ExplainFigureName:   "analyzing figure details",
	tools.WebLookupName:       "searching the web",
	tools.UpdateProfileName:   "updating user profile",
	tools.TransitionStageName: "transitioning stage",
	tools.AuxContentName:      "generating animation",
}

// StatusLabel returns the progress text for a tool name or loop phase.
func StatusLabel(name string) string {
	if label, ok := statusLabels[name]; ok {
		return label
	}
	return name
}
