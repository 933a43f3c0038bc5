package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"sync"
	"testing"
	"time"

	internal "github.com/ZanzyTHEbar/paper-reader/reader"
	"github.com/ZanzyTHEbar/paper-reader/reader/config"
	"github.com/ZanzyTHEbar/paper-reader/reader/figures"
	"github.com/ZanzyTHEbar/paper-reader/reader/generation/harness"
	"github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
	"github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/tools"
	"github.com/ZanzyTHEbar/paper-reader/reader/profile"
	"github.com/ZanzyTHEbar/paper-reader/reader/stages"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider answers each call through fn and records every prompt.
type scriptedProvider struct {
	mu     sync.Mutex
	inputs []ports.PromptInput
	fn     func(ctx context.Context, call int, in ports.PromptInput) (ports.Completion, error)
}

func (p *scriptedProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	p.mu.Lock()
	p.inputs = append(p.inputs, in)
	call := len(p.inputs)
	p.mu.Unlock()
	return p.fn(ctx, call, in)
}

func (p *scriptedProvider) Inputs() []ports.PromptInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ports.PromptInput(nil), p.inputs...)
}

type pageRenderer struct {
	mu        sync.Mutex
	textCalls int
}

func (r *pageRenderer) PageCount(ctx context.Context, doc ports.DocumentRef) (int, error) {
	return 3, nil
}

func (r *pageRenderer) Render(ctx context.Context, doc ports.DocumentRef, page int, dpi float64) (image.Image, error) {
	if page < 1 || page > 3 {
		return nil, ports.ErrPageOutOfRange
	}
	img := image.NewRGBA(image.Rect(0, 0, 800, 1000))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	return img, nil
}

func (r *pageRenderer) Text(ctx context.Context, doc ports.DocumentRef, page int) (string, error) {
	r.mu.Lock()
	r.textCalls++
	r.mu.Unlock()
	return fmt.Sprintf("text of page %d", page), nil
}

type fixedVision struct{ response string }

func (v fixedVision) Analyze(ctx context.Context, prompt string, images []ports.ImagePart) (string, error) {
	return v.response, nil
}

type testSession struct {
	id         string
	language   string
	doc        ports.DocumentRef
	transcript []ports.PromptMessage
	profile    *profile.Profile
	machine    *stages.Machine
	catalog    *figures.Catalog
	extractor  *figures.Extractor
}

func (s *testSession) ID() string                        { return s.id }
func (s *testSession) Language() string                  { return s.language }
func (s *testSession) Document() ports.DocumentRef       { return s.doc }
func (s *testSession) Transcript() []ports.PromptMessage { return s.transcript }
func (s *testSession) Profile() *profile.Profile         { return s.profile }
func (s *testSession) Machine() *stages.Machine          { return s.machine }
func (s *testSession) Catalog() *figures.Catalog         { return s.catalog }
func (s *testSession) Extractor() tools.FigureExtractor  { return s.extractor }

const detectorResponse = `{"detections": [{"page": 1, "title": "Architecture", "type": "diagram", "bbox": [100, 100, 400, 1000]}]}`

func newTestSession(t *testing.T, renderer ports.PageRenderer) *testSession {
	t.Helper()
	doc := ports.DocumentRef{Path: "/papers/attention.pdf"}
	catalog := figures.NewCatalog(nil)
	return &testSession{
		id:       "s1",
		language: "en",
		doc:      doc,
		profile:  profile.New(profile.Snapshot{}),
		machine:  stages.NewMachine(stages.DefaultVocabulary(), zerolog.Nop()),
		catalog:  catalog,
		extractor: figures.NewExtractor(renderer, fixedVision{response: detectorResponse}, catalog, doc, figures.Options{
			OutputDir: t.TempDir(),
			PublicDir: "uploads/s1",
		}, zerolog.Nop()),
	}
}

func testPolicy() *harness.Policy {
	p := harness.DefaultPolicy()
	p.RetryCount = 0
	p.RetryBackoff = time.Millisecond
	p.ProviderTimeout = 5 * time.Second
	return p
}

func newTestOrchestrator(t *testing.T, provider ports.Provider, renderer ports.PageRenderer, cache ports.Cache) *StageOrchestrator {
	t.Helper()
	o, err := NewStageOrchestrator(Deps{
		Orchestrator: harness.NewHarnessOrchestrator(provider, nil, nil, nil, zerolog.Nop()),
		Policy:       testPolicy(),
		Renderer:     renderer,
		Cache:        cache,
		Config:       config.AgentConfig{Language: "en"},
	}, zerolog.Nop())
	require.NoError(t, err)
	return o
}

func text(s string) ports.Completion { return ports.Completion{Text: s} }

func toolCall(name, args string) ports.Completion {
	return ports.Completion{ToolCalls: []ports.ToolCall{{Name: name, Args: json.RawMessage(args)}}}
}

func toolNames(specs []ports.ToolSpec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

func TestNewStageOrchestrator_RequiresHarness(t *testing.T) {
	_, err := NewStageOrchestrator(Deps{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestBuildContext_SectionOrder(t *testing.T) {
	renderer := &pageRenderer{}
	sess := newTestSession(t, renderer)
	sess.language = "ko"
	sess.profile.SetName("Ada")
	sess.profile.AddInsight("works on robotics")
	sess.machine.Start("section_deep_dive")
	_, err := sess.machine.Apply(stages.Transition{Next: "section_deep_dive", Mode: stages.ModeTransition, Focus: "Experiments"})
	require.NoError(t, err)

	o := newTestOrchestrator(t, &scriptedProvider{}, renderer, adapters.NewLRUCache(8))
	system, snippets := o.BuildContext(context.Background(), sess)

	order := []string{
		"**Response Language**: Always respond in Korean.",
		"## User Profile\n**Name**: Ada\n**Key Insights**: works on robotics",
		"## Reading Plan for This Paper\n- **quick_scan**: Quick Scan - ",
		"## Current Stage: Section Deep Dive",
		"**Currently Exploring Section**: Experiments",
		"**Already Extracted Images:**\nNone yet",
	}
	last := -1
	for _, part := range order {
		idx := strings.Index(system, part)
		require.GreaterOrEqual(t, idx, 0, "missing %q", part)
		assert.Greater(t, idx, last, "%q out of order", part)
		last = idx
	}

	assert.Equal(t, []string{"Page 1:\ntext of page 1", "Page 2:\ntext of page 2", "Page 3:\ntext of page 3"}, snippets)

	// document text is cached per path
	_, again := o.BuildContext(context.Background(), sess)
	assert.Equal(t, snippets, again)
	assert.Equal(t, 3, renderer.textCalls)
}

func TestBuildContext_FigureListing(t *testing.T) {
	sess := newTestSession(t, &pageRenderer{})
	_, err := sess.extractor.Extract(context.Background(), []figures.Request{{Page: 1, Description: "architecture"}})
	require.NoError(t, err)

	o := newTestOrchestrator(t, &scriptedProvider{}, nil, nil)
	system, snippets := o.BuildContext(context.Background(), sess)
	assert.Nil(t, snippets)
	assert.Contains(t, system, "Image 0: Architecture (page 1) - uploads/s1/attention_page1_fig1_diagram.png")
	assert.Contains(t, system, "display_figures")
}

func TestRunTurn_PlainAnswerAndHistoryWindow(t *testing.T) {
	provider := &scriptedProvider{fn: func(ctx context.Context, call int, in ports.PromptInput) (ports.Completion, error) {
		return text("Attention replaces recurrence."), nil
	}}
	sess := newTestSession(t, &pageRenderer{})
	for i := 0; i < 25; i++ {
		role := ports.RoleUser
		if i%2 == 1 {
			role = ports.RoleAssistant
		}
		sess.transcript = append(sess.transcript, ports.PromptMessage{Role: role, Content: fmt.Sprintf("message %d", i)})
	}
	sess.transcript[24].Content = strings.Repeat("a", 1500) + strings.Repeat("b", 1500)

	var statuses []string
	o := newTestOrchestrator(t, provider, nil, nil)
	res, err := o.RunTurn(context.Background(), sess, "What replaces recurrence?", func(s string) { statuses = append(statuses, s) })
	require.NoError(t, err)

	assert.Equal(t, "Attention replaces recurrence.", res.Text)
	assert.Equal(t, []ports.PromptMessage{
		{Role: ports.RoleUser, Content: "What replaces recurrence?"},
		{Role: ports.RoleAssistant, Content: "Attention replaces recurrence."},
	}, res.Messages)
	assert.Equal(t, stages.EntryStage, res.Stage)
	assert.False(t, res.Exhausted)
	assert.Equal(t, []string{"thinking"}, statuses)

	inputs := provider.Inputs()
	require.Len(t, inputs, 1)
	msgs := inputs[0].Messages
	require.Len(t, msgs, internal.DefaultHistoryWindow+1)
	assert.Equal(t, "message 5", msgs[0].Content)
	assert.Equal(t, strings.Repeat("a", 1000)+harness.TruncationMarker+strings.Repeat("b", 1000), msgs[19].Content)
	assert.Equal(t, "What replaces recurrence?", msgs[20].Content)
	assert.Contains(t, toolNames(inputs[0].Tools), tools.TransitionStageName)
	assert.Contains(t, toolNames(inputs[0].Tools), tools.UpdateProfileName)
}

func TestRunTurn_ToolsRebuildContext(t *testing.T) {
	provider := &scriptedProvider{fn: func(ctx context.Context, call int, in ports.PromptInput) (ports.Completion, error) {
		switch call {
		case 1:
			return toolCall(tools.ExtractFiguresName, `{"images": [{"page_number": 1, "description": "architecture"}]}`), nil
		case 2:
			return toolCall(tools.TransitionStageName, `{"previous_stage": "quick_scan", "next_stage": "methodology", "mode": "transition", "reason": "user asked"}`), nil
		default:
			return text("Here is the method."), nil
		}
	}}
	sess := newTestSession(t, &pageRenderer{})

	var statuses []string
	o := newTestOrchestrator(t, provider, nil, nil)
	res, err := o.RunTurn(context.Background(), sess, "Walk me through the method", func(s string) { statuses = append(statuses, s) })
	require.NoError(t, err)

	assert.Equal(t, "Here is the method.", res.Text)
	assert.Equal(t, "methodology", res.Stage)
	assert.Equal(t, 2, res.ToolCalls)
	require.Len(t, res.Figures, 1)
	assert.Equal(t, "uploads/s1/attention_page1_fig1_diagram.png", res.Figures[0].RelPath)
	assert.Equal(t, []string{"thinking", "extracting figures", "thinking", "transitioning stage", "thinking"}, statuses)

	inputs := provider.Inputs()
	require.Len(t, inputs, 3)
	assert.Contains(t, inputs[0].System, "## Current Stage: Quick Scan")
	assert.Contains(t, inputs[0].System, "None yet")
	assert.Contains(t, inputs[1].System, "Image 0: Architecture (page 1)")
	assert.Contains(t, inputs[2].System, "## Current Stage: Methodology")

	// tool results are fed back, but only user and assistant text reach the transcript
	require.Len(t, inputs[2].Messages, 5)
	assert.Equal(t, ports.RoleTool, inputs[2].Messages[2].Role)
	assert.Len(t, res.Messages, 2)
}

func TestRunTurn_ExhaustionFallsBack(t *testing.T) {
	provider := &scriptedProvider{fn: func(ctx context.Context, call int, in ports.PromptInput) (ports.Completion, error) {
		return toolCall(tools.AuxContentName, `{"concept": "softmax", "markup": "<div></div>", "explanation": ""}`), nil
	}}
	o := newTestOrchestrator(t, provider, nil, nil)

	res, err := o.RunTurn(context.Background(), newTestSession(t, &pageRenderer{}), "animate it", nil)
	require.NoError(t, err)
	assert.True(t, res.Exhausted)
	assert.Equal(t, internal.FallbackResponse, res.Text)
	assert.Len(t, provider.Inputs(), internal.DefaultMaxIterations)
	assert.Equal(t, internal.DefaultMaxIterations-1, res.ToolCalls)
}

func TestRunTurn_TimeoutIsRetryable(t *testing.T) {
	provider := &scriptedProvider{fn: func(ctx context.Context, call int, in ports.PromptInput) (ports.Completion, error) {
		return ports.Completion{}, context.DeadlineExceeded
	}}
	o := newTestOrchestrator(t, provider, nil, nil)

	_, err := o.RunTurn(context.Background(), newTestSession(t, &pageRenderer{}), "hi", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryable)
}

const planJSON = "```json\n" + `{
  "title": "Attention Is All You Need",
  "content_analysis": {"sections": ["Introduction", "Model", "Results"], "has_math": true, "has_code": false, "is_multi_section": true},
  "reading_plan": [
    {"id": "quick_scan", "title": "Quick Scan", "description": "Overview"},
    {"id": "methodology", "title": "Methodology", "description": "The transformer", "key_topics": ["self-attention"]}
  ]
}` + "\n```"

func TestBootstrap_RunsSummaryAndPlanConcurrently(t *testing.T) {
	var (
		mu       sync.Mutex
		arrived  int
		together = make(chan struct{})
	)
	arrive := func() {
		mu.Lock()
		defer mu.Unlock()
		arrived++
		if arrived == 2 {
			close(together)
		}
	}

	provider := &scriptedProvider{fn: func(ctx context.Context, call int, in ports.PromptInput) (ports.Completion, error) {
		if call <= 2 {
			arrive()
			select {
			case <-together:
			case <-time.After(2 * time.Second):
				return ports.Completion{}, errors.New("calls were not concurrent")
			}
		}
		if in.ResponseFormat == ports.ResponseFormatJSON {
			return text(planJSON), nil
		}
		return text("This paper introduces the Transformer."), nil
	}}
	sess := newTestSession(t, &pageRenderer{})
	o := newTestOrchestrator(t, provider, nil, nil)

	res, err := o.Bootstrap(context.Background(), sess, nil)
	require.NoError(t, err)

	assert.Equal(t, ports.PromptMessage{Role: ports.RoleAssistant, Content: "This paper introduces the Transformer."}, res.Message)
	require.NotNil(t, res.Plan)
	assert.Equal(t, "Attention Is All You Need", res.Plan.Title)
	assert.True(t, res.Plan.Analysis.HasMath)
	assert.Equal(t, stages.EntryStage, res.Stage)

	state := sess.machine.State()
	assert.Equal(t, stages.EntryStage, state.Current)
	require.NotNil(t, state.Plan)
	assert.Len(t, state.Plan.Stages, 2)
	assert.Contains(t, sess.machine.PlanListing(), "- **methodology**: Methodology - The transformer")

	for _, in := range provider.Inputs() {
		if in.ResponseFormat == ports.ResponseFormatJSON {
			assert.Empty(t, in.Tools)
			assert.Contains(t, in.System, "reading_plan")
			continue
		}
		names := toolNames(in.Tools)
		assert.Contains(t, names, tools.ExtractFiguresName)
		assert.NotContains(t, names, tools.TransitionStageName)
		assert.NotContains(t, names, tools.UpdateProfileName)
		assert.Contains(t, in.System, "## Current Stage: Quick Scan")
	}
}

func TestBootstrap_PlanFailureFallsBackToVocabulary(t *testing.T) {
	provider := &scriptedProvider{fn: func(ctx context.Context, call int, in ports.PromptInput) (ports.Completion, error) {
		if in.ResponseFormat == ports.ResponseFormatJSON {
			return text("I could not produce a plan."), nil
		}
		return text("Summary."), nil
	}}
	sess := newTestSession(t, &pageRenderer{})
	o := newTestOrchestrator(t, provider, nil, nil)

	res, err := o.Bootstrap(context.Background(), sess, nil)
	require.NoError(t, err)
	assert.Nil(t, res.Plan)
	assert.Equal(t, "Summary.", res.Message.Content)
	assert.Equal(t, stages.EntryStage, sess.machine.Current())
	assert.Contains(t, sess.machine.PlanListing(), "- **section_deep_dive**: Section Deep Dive - ")
}

func TestBootstrap_SummaryFailureLeavesStateUntouched(t *testing.T) {
	provider := &scriptedProvider{fn: func(ctx context.Context, call int, in ports.PromptInput) (ports.Completion, error) {
		if in.ResponseFormat == ports.ResponseFormatJSON {
			return text(planJSON), nil
		}
		return ports.Completion{}, errors.New("upstream unavailable")
	}}
	sess := newTestSession(t, &pageRenderer{})
	o := newTestOrchestrator(t, provider, nil, nil)

	_, err := o.Bootstrap(context.Background(), sess, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "upstream unavailable")
	assert.Empty(t, sess.machine.Current())
	assert.Nil(t, sess.machine.State().Plan)
}

func TestParsePlan(t *testing.T) {
	parser := harness.NewOutputParser()

	plan, err := ParsePlan(parser, "Sure! "+planJSON)
	require.NoError(t, err)
	first, ok := plan.First()
	assert.True(t, ok)
	assert.Equal(t, "quick_scan", first)

	_, err = ParsePlan(parser, `{"title": "x", "reading_plan": []}`)
	assert.Error(t, err)

	_, err = ParsePlan(parser, "no json here")
	assert.Error(t, err)
}

func TestLanguageNameAndStatusLabel(t *testing.T) {
	assert.Equal(t, "English", LanguageName(""))
	assert.Equal(t, "Korean", LanguageName("ko"))
	assert.Equal(t, "not a tag!", LanguageName("not a tag!"))

	assert.Equal(t, "extracting figures", StatusLabel(tools.ExtractFiguresName))
	assert.Equal(t, "thinking", StatusLabel("thinking"))
}
