package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	internal "github.com/ZanzyTHEbar/paper-reader/reader"
	"github.com/ZanzyTHEbar/paper-reader/reader/config"
	"github.com/ZanzyTHEbar/paper-reader/reader/figures"
	"github.com/ZanzyTHEbar/paper-reader/reader/generation/harness"
	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
	"github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/tools"
	"github.com/ZanzyTHEbar/paper-reader/reader/profile"
	"github.com/ZanzyTHEbar/paper-reader/reader/stages"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// ErrRetryable marks turns that failed on a timeout or rate limit.
var ErrRetryable = harness.ErrRetryable

// documentTextTTL bounds how long extracted page text stays cached.
const documentTextTTL = 3600

// SessionView is what the orchestrator needs from a session. Callers hold the
// session's writer lock for the duration of RunTurn and Bootstrap.
type SessionView interface {
	ID() string
	Language() string
	Document() ports.DocumentRef
	Transcript() []ports.PromptMessage
	Profile() *profile.Profile
	Machine() *stages.Machine
	Catalog() *figures.Catalog
	Extractor() tools.FigureExtractor
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Orchestrator *harness.HarnessOrchestrator
	Dispatchers  func() *harness.Dispatcher // builds an empty registry per turn; nil uses schema checks only
	Policy       *harness.Policy
	Renderer     ports.PageRenderer // optional; supplies document text
	Vision       ports.VisionModel  // optional; enables explain_figure
	Searcher     ports.WebSearcher  // optional; enables web_lookup
	Cache        ports.Cache        // optional; memoizes document text
	SaveProfile  tools.ProfileSaver
	Config       config.AgentConfig
}

// TurnResult is the outcome of one user turn.
type TurnResult struct {
	Text      string
	Messages  []ports.PromptMessage // user then assistant, ready to append to the transcript
	Figures   []figures.Record      // extracted during the turn
	Stage     string
	ToolCalls int
	Exhausted bool
}

// BootstrapResult is the opening of a new session.
type BootstrapResult struct {
	Message ports.PromptMessage // the assistant summary
	Plan    *stages.Plan        // nil when plan generation failed
	Figures []figures.Record
	Stage   string
}

// StageOrchestrator drives a session through its reading stages.
type StageOrchestrator struct {
	deps      Deps
	cfg       config.AgentConfig
	assembler *harness.ContextAssembler
	parser    *harness.OutputParser
	logger    zerolog.Logger
}

// NewStageOrchestrator validates deps and fills config defaults.
func NewStageOrchestrator(deps Deps, logger zerolog.Logger) (*StageOrchestrator, error) {
	if deps.Orchestrator == nil {
		return nil, errors.New("harness orchestrator is required")
	}
	if deps.Policy == nil {
		deps.Policy = harness.DefaultPolicy()
	}
	logger = logger.With().Str("component", "agent").Logger()
	if deps.Dispatchers == nil {
		deps.Dispatchers = func() *harness.Dispatcher {
			return harness.NewDispatcher(harness.NewGuardrails(), nil, 0, logger)
		}
	}

	cfg := deps.Config
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = internal.DefaultHistoryWindow
	}
	if cfg.MessageCharLimit <= 0 {
		cfg.MessageCharLimit = internal.DefaultMessageCharLimit
	}
	if cfg.BootstrapIterations <= 0 {
		cfg.BootstrapIterations = internal.DefaultBootstrapIterations
	}
	if cfg.DocumentTextTokens <= 0 {
		cfg.DocumentTextTokens = 24000
	}
	if cfg.DocumentTextPages <= 0 {
		cfg.DocumentTextPages = 40
	}

	return &StageOrchestrator{
		deps: deps,
		cfg:  cfg,
		assembler: harness.NewContextAssembler(harness.Budget{
			MaxContextTokens: cfg.DocumentTextTokens,
			MaxSnippets:      cfg.DocumentTextPages,
		}, nil),
		parser: harness.NewOutputParser(),
		logger: logger,
	}, nil
}

// Tools registers the session's toolset. The bootstrap set leaves out the tools
// that mutate stage and profile state, since the summary runs beside plan generation.
func (o *StageOrchestrator) Tools(sess SessionView, bootstrap bool) (*harness.Dispatcher, error) {
	set := []ports.Tool{
		tools.NewExtractFiguresTool(sess.Extractor(), o.logger),
		tools.NewDisplayFiguresTool(sess.Catalog(), o.logger),
	}
	if o.deps.Vision != nil {
		set = append(set, tools.NewExplainFigureTool(sess.Catalog(), o.deps.Vision, LanguageName(sess.Language()), o.logger))
	}
	if o.deps.Searcher != nil {
		set = append(set, tools.NewWebLookupTool(o.deps.Searcher, o.logger))
	}
	if !bootstrap {
		set = append(set,
			tools.NewUpdateProfileTool(sess.Profile(), o.deps.SaveProfile, o.logger),
			tools.NewTransitionStageTool(sess.Machine()),
		)
	}
	set = append(set, tools.NewAuxContentTool())

	d := o.deps.Dispatchers()
	if err := d.Register(set...); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return d, nil
}

// BuildContext assembles the system instructions and document excerpts for the
// session's current state. It is called again before every model round.
func (o *StageOrchestrator) BuildContext(ctx context.Context, sess SessionView) (string, []string) {
	m := sess.Machine()
	return o.systemPrompt(sess, m.Current(), m.Instructions(), m.Focus()), o.documentContext(ctx, sess.Document())
}

func (o *StageOrchestrator) systemPrompt(sess SessionView, stage, instructions, focus string) string {
	var b strings.Builder
	b.WriteString(baseInstructions)
	fmt.Fprintf(&b, "\n\n**Response Language**: Always respond in %s.", LanguageName(sess.Language()))

	if summary := sess.Profile().Summary(); summary != "" {
		b.WriteString("\n\n## User Profile\n")
		b.WriteString(summary)
	}

	if listing := sess.Machine().PlanListing(); listing != "" {
		b.WriteString("\n\n## Reading Plan for This Paper\n")
		b.WriteString(listing)
	}

	if stage != "" {
		fmt.Fprintf(&b, "\n\n## Current Stage: %s\n%s", stages.DisplayName(stage), instructions)
		if focus != "" {
			fmt.Fprintf(&b, "\n\n**Currently Exploring Section**: %s", focus)
		}
	}

	b.WriteString("\n\n**Already Extracted Images:**\n")
	b.WriteString(sess.Catalog().Listing())
	if sess.Catalog().Len() > 0 {
		b.WriteString("\n\nShow these with display_figures. Only extract figures that are not in this list.")
	}
	return b.String()
}

// documentContext returns page text packed into the configured token budget.
// Earlier pages rank higher.
func (o *StageOrchestrator) documentContext(ctx context.Context, doc ports.DocumentRef) []string {
	if o.deps.Renderer == nil || doc.Path == "" {
		return nil
	}

	key := "doctext:" + doc.Path
	if o.deps.Cache != nil {
		if cached, ok := o.deps.Cache.Get(ctx, key); ok {
			var snippets []string
			if err := json.Unmarshal(cached, &snippets); err == nil {
				return snippets
			}
		}
	}

	count, err := o.deps.Renderer.PageCount(ctx, doc)
	if err != nil {
		o.logger.Warn().Err(err).Str("document", doc.Path).Msg("Could not read document page count")
		return nil
	}
	count = min(count, o.cfg.DocumentTextPages)

	snippets := make([]harness.Snippet, 0, count)
	for page := 1; page <= count; page++ {
		text, err := o.deps.Renderer.Text(ctx, doc, page)
		if err != nil {
			o.logger.Debug().Err(err).Int("page", page).Msg("Skipping page text")
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		snippets = append(snippets, harness.Snippet{
			Text:   fmt.Sprintf("Page %d:\n%s", page, text),
			Score:  1 / float32(page),
			Source: fmt.Sprintf("page %d", page),
		})
	}

	packed := o.assembler.Pack(snippets, nil)
	if o.deps.Cache != nil && len(packed) > 0 {
		if data, err := json.Marshal(packed); err == nil {
			_ = o.deps.Cache.Set(ctx, key, data, documentTextTTL)
		}
	}
	return packed
}

// RunTurn answers one user message. The caller appends TurnResult.Messages to
// the transcript; the session itself is only mutated through tools.
func (o *StageOrchestrator) RunTurn(ctx context.Context, sess SessionView, userText string, status harness.StatusFunc) (*TurnResult, error) {
	sess.Machine().EnsureStarted()

	dispatcher, err := o.Tools(sess, false)
	if err != nil {
		return nil, err
	}

	user := ports.PromptMessage{Role: ports.RoleUser, Content: userText}
	history := harness.WindowHistory(sess.Transcript(), o.cfg.HistoryWindow, o.cfg.MessageCharLimit)
	before := sess.Catalog().Len()

	resp, err := o.deps.Orchestrator.Orchestrate(ctx, &harness.Request{
		Conversation: &harness.Conversation{ID: sess.ID(), Messages: append(history, user)},
		Rebuild: func(ctx context.Context) (string, []string) {
			return o.BuildContext(ctx, sess)
		},
		Tools:  dispatcher,
		Policy: o.deps.Policy,
		Status: labelled(status),
	})
	if err != nil {
		return nil, fmt.Errorf("turn failed: %w", err)
	}

	result := &TurnResult{
		Text: resp.Text,
		Messages: []ports.PromptMessage{
			user,
			{Role: ports.RoleAssistant, Content: resp.Text},
		},
		Figures:   sess.Catalog().Since(before),
		Stage:     sess.Machine().Current(),
		ToolCalls: len(resp.ToolCalls),
		Exhausted: resp.Exhausted,
	}

	o.logger.Info().
		Str("session", sess.ID()).
		Str("stage", result.Stage).
		Int("rounds", resp.Rounds).
		Int("tool_calls", result.ToolCalls).
		Int("figures", len(result.Figures)).
		Bool("exhausted", resp.Exhausted).
		Msg("Turn complete")
	return result, nil
}

// Bootstrap opens a new session: the quick scan summary and the reading plan are
// generated concurrently, and session state is only touched after both finish.
// A failed plan leaves the default vocabulary in charge.
func (o *StageOrchestrator) Bootstrap(ctx context.Context, sess SessionView, status harness.StatusFunc) (*BootstrapResult, error) {
	dispatcher, err := o.Tools(sess, true)
	if err != nil {
		return nil, err
	}
	before := sess.Catalog().Len()

	if status != nil {
		status("analyzing document")
	}

	var (
		summary    *harness.Response
		summaryErr error
		plan       *stages.Plan
		planErr    error
	)
	var wg conc.WaitGroup
	wg.Go(func() {
		summary, summaryErr = o.summarize(ctx, sess, dispatcher, status)
	})
	wg.Go(func() {
		plan, planErr = o.generatePlan(ctx, sess)
	})
	wg.Wait()

	if summaryErr != nil {
		return nil, fmt.Errorf("quick scan failed: %w", summaryErr)
	}
	if planErr != nil {
		o.logger.Warn().Err(planErr).Str("session", sess.ID()).Msg("Reading plan unavailable, using default stages")
		plan = nil
	}

	m := sess.Machine()
	m.SetPlan(plan)
	m.Start(stages.EntryStage)

	result := &BootstrapResult{
		Message: ports.PromptMessage{Role: ports.RoleAssistant, Content: summary.Text},
		Plan:    plan,
		Figures: sess.Catalog().Since(before),
		Stage:   m.Current(),
	}
	o.logger.Info().
		Str("session", sess.ID()).
		Bool("plan", plan != nil).
		Int("figures", len(result.Figures)).
		Msg("Session bootstrapped")
	return result, nil
}

func (o *StageOrchestrator) summarize(ctx context.Context, sess SessionView, dispatcher *harness.Dispatcher, status harness.StatusFunc) (*harness.Response, error) {
	return o.deps.Orchestrator.Orchestrate(ctx, &harness.Request{
		Conversation: &harness.Conversation{
			ID:       sess.ID(),
			Messages: []ports.PromptMessage{{Role: ports.RoleUser, Content: summaryRequest}},
		},
		Rebuild: func(ctx context.Context) (string, []string) {
			return o.systemPrompt(sess, stages.EntryStage, summaryInstructions, ""), o.documentContext(ctx, sess.Document())
		},
		Tools:  dispatcher,
		Policy: o.deps.Policy.WithMaxIterations(o.cfg.BootstrapIterations),
		Status: labelled(status),
	})
}

func (o *StageOrchestrator) generatePlan(ctx context.Context, sess SessionView) (*stages.Plan, error) {
	vocab := &stages.Plan{Stages: sess.Machine().Vocabulary().Definitions()}
	resp, err := o.deps.Orchestrator.Orchestrate(ctx, &harness.Request{
		Conversation: &harness.Conversation{
			ID:       sess.ID() + ":plan",
			Messages: []ports.PromptMessage{{Role: ports.RoleUser, Content: planRequest}},
		},
		System:         fmt.Sprintf(planInstructions, vocab.Render()),
		Context:        o.documentContext(ctx, sess.Document()),
		ResponseFormat: ports.ResponseFormatJSON,
		Policy:         o.deps.Policy.WithMaxIterations(1),
	})
	if err != nil {
		return nil, err
	}
	return ParsePlan(o.parser, resp.Text)
}

// ParsePlan decodes a reading plan from a model response, tolerating code fences
// and surrounding prose.
func ParsePlan(parser *harness.OutputParser, text string) (*stages.Plan, error) {
	var plan stages.Plan
	if err := parser.DecodeJSONObject(text, &plan); err != nil {
		return nil, fmt.Errorf("could not parse reading plan: %w", err)
	}
	if !plan.Valid() {
		return nil, errors.New("reading plan has no stages")
	}
	return &plan, nil
}

// LanguageName turns a BCP 47 tag such as "ko" into an English name such as
// "Korean". Anything that does not parse is returned unchanged.
func LanguageName(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		code = internal.DefaultLanguage
	}
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Tags().Name(tag); name != "" {
		return name
	}
	return code
}

func labelled(status harness.StatusFunc) harness.StatusFunc {
	if status == nil {
		return nil
	}
	return func(s string) { status(StatusLabel(s)) }
}
