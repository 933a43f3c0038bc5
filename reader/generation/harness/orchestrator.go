package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/paper-reader/reader"
	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// ErrRetryable marks turn failures the caller may retry (timeouts, rate limits).
var ErrRetryable = errors.New("temporary failure, retry the request")

// StatusFunc receives short progress labels between rounds.
type StatusFunc func(status string)

// Conversation represents the current state of a conversation.
type Conversation struct {
	ID       string
	Messages []ports.PromptMessage
}

// ContextFunc rebuilds system instructions and context snippets before a round.
type ContextFunc func(ctx context.Context) (system string, snippets []string)

// Request configures the orchestration run.
type Request struct {
	Conversation   *Conversation
	System         string
	Context        []string
	Rebuild        ContextFunc  // optional; overrides System/Context every round
	Tools          ToolExecutor // nil disables tool use
	ResponseFormat string
	Policy         *Policy
	Status         StatusFunc
}

// Policy controls orchestration behavior.
type Policy struct {
	MaxIterations      int           // provider calls per turn, tool rounds included
	ProviderTimeout    time.Duration // per provider call
	RetryCount         int           // provider call retries
	RetryBackoff       time.Duration // base delay between retries
	Deterministic      bool          // fixed seed on the first call
	ParseTextToolCalls bool          // fall back to text-encoded tool calls
	MaxNewTokens       int
	Temperature        float32
	TopP               float32
	FallbackText       string // returned when the loop ends with no text at all
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxIterations:   internal.DefaultMaxIterations,
		ProviderTimeout: 120 * time.Second,
		RetryCount:      2,
		RetryBackoff:    500 * time.Millisecond,
		MaxNewTokens:    8192,
		Temperature:     0.7,
		TopP:            0.95,
		FallbackText:    internal.FallbackResponse,
	}
}

// WithMaxIterations returns a copy of the policy with a different ceiling.
func (p Policy) WithMaxIterations(n int) *Policy {
	p.MaxIterations = n
	return &p
}

// Response is the final output of the orchestrator.
type Response struct {
	Text      string
	ToolCalls []ports.ToolCall // every call executed during the run, in order
	Rounds    int              // provider calls made
	Exhausted bool             // ceiling reached while the model still wanted tools
	Usage     *ports.Usage     // summed over rounds
}

// HarnessOrchestrator coordinates the full tool-calling loop.
type HarnessOrchestrator struct {
	provider ports.Provider
	builder  *PromptBuilder
	parser   *OutputParser
	limiter  ports.RateLimiter
	tracer   ports.Tracer
	logger   zerolog.Logger
}

// NewHarnessOrchestrator creates a new orchestrator with dependencies.
func NewHarnessOrchestrator(
	provider ports.Provider,
	builder *PromptBuilder,
	limiter ports.RateLimiter,
	tracer ports.Tracer,
	logger zerolog.Logger,
) *HarnessOrchestrator {
	if builder == nil {
		builder = NewPromptBuilder()
	}
	if limiter == nil {
		limiter = &noOpRateLimiter{}
	}
	if tracer == nil {
		tracer = &noOpTracer{}
	}
	return &HarnessOrchestrator{
		provider: provider,
		builder:  builder,
		parser:   NewOutputParser(),
		limiter:  limiter,
		tracer:   tracer,
		logger:   logger,
	}
}

// Orchestrate runs the tool-calling loop until the model answers in plain text
// or the iteration ceiling is reached. Exhaustion is not an error.
func (o *HarnessOrchestrator) Orchestrate(ctx context.Context, req *Request) (*Response, error) {
	if req.Conversation == nil {
		return nil, fmt.Errorf("conversation is required")
	}
	if o.provider == nil {
		return nil, fmt.Errorf("no inference provider configured")
	}
	policy := req.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}

	release, err := o.limiter.Acquire(ctx, req.Conversation.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	defer release()

	ctx, finish := o.tracer.StartSpan(ctx, "orchestrate", map[string]any{
		"conversation_id": req.Conversation.ID,
		"max_iterations":  policy.MaxIterations,
	})

	resp, err := o.runLoop(ctx, req, policy)
	finish(err)
	return resp, err
}

// runLoop executes the tool-calling loop. Tool calls run sequentially in the
// order the model returned them.
func (o *HarnessOrchestrator) runLoop(ctx context.Context, req *Request, policy *Policy) (*Response, error) {
	messages := append([]ports.PromptMessage(nil), req.Conversation.Messages...)
	defer func() { req.Conversation.Messages = messages }()

	var specs []ports.ToolSpec
	var allowed map[string]bool
	if req.Tools != nil {
		specs = req.Tools.Specs()
		allowed = make(map[string]bool, len(specs))
		for _, s := range specs {
			allowed[s.Name] = true
		}
	}

	system, snippets := req.System, req.Context
	resp := &Response{}
	lastText := ""

	for iteration := 1; iteration <= policy.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRetryable, err)
		}
		if req.Rebuild != nil {
			system, snippets = req.Rebuild(ctx)
		}

		prompt := o.builder.Build(system, messages, snippets, specs, map[string]string{
			"conversation_id": req.Conversation.ID,
			"iteration":       fmt.Sprintf("%d", iteration),
		})
		prompt.ResponseFormat = req.ResponseFormat

		notify(req.Status, "thinking")
		completion, err := o.complete(ctx, prompt, o.buildOptions(policy, iteration), policy, iteration)
		if err != nil {
			return nil, err
		}
		resp.Rounds = iteration
		resp.Usage = addUsage(resp.Usage, completion.Usage)
		if strings.TrimSpace(completion.Text) != "" {
			lastText = completion.Text
		}

		calls := completion.ToolCalls
		if len(calls) == 0 && policy.ParseTextToolCalls && req.Tools != nil {
			calls = o.parser.ParseToolCalls(completion.Text, allowed)
		}

		if len(calls) == 0 || req.Tools == nil {
			resp.Text = completion.Text
			if strings.TrimSpace(resp.Text) == "" {
				resp.Text = orFallback(lastText, policy.FallbackText)
			}
			messages = append(messages, ports.PromptMessage{Role: ports.RoleAssistant, Content: resp.Text})
			return resp, nil
		}

		// results of a last-round call could never reach the model, so its side effects are skipped
		if iteration == policy.MaxIterations {
			o.logger.Debug().Int("skipped_calls", len(calls)).Msg("Not running tool calls on the final round")
			break
		}

		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = fmt.Sprintf("call_%d_%d", iteration, i)
			}
		}
		messages = append(messages, ports.PromptMessage{
			Role:      ports.RoleAssistant,
			Content:   completion.Text,
			ToolCalls: calls,
		})

		for _, call := range calls {
			notify(req.Status, call.Name)
			result := req.Tools.Dispatch(ctx, call)
			o.tracer.Event(ctx, "tool_result", map[string]any{
				"tool":      call.Name,
				"success":   result.Success,
				"iteration": iteration,
			})

			content, err := json.Marshal(result)
			if err != nil {
				content, _ = json.Marshal(ports.Failed(fmt.Sprintf("tool %s produced an unencodable result", call.Name)))
			}
			messages = append(messages, ports.PromptMessage{
				Role:       ports.RoleTool,
				Content:    string(content),
				ToolCallID: call.ID,
				Name:       call.Name,
			})
			resp.ToolCalls = append(resp.ToolCalls, call)
		}
	}

	o.logger.Warn().
		Str("conversation_id", req.Conversation.ID).
		Int("max_iterations", policy.MaxIterations).
		Int("tool_calls", len(resp.ToolCalls)).
		Msg("Tool loop exhausted without a final answer")
	o.tracer.Event(ctx, "loop_exhausted", map[string]any{"rounds": resp.Rounds})

	resp.Exhausted = true
	resp.Text = orFallback(lastText, policy.FallbackText)
	return resp, nil
}

// complete calls the provider with a per-call timeout and bounded retries.
func (o *HarnessOrchestrator) complete(ctx context.Context, prompt ports.PromptInput, opts ports.Options, policy *Policy, iteration int) (ports.Completion, error) {
	base := policy.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	retries := policy.RetryCount
	if retries < 0 {
		retries = 0
	}
	backoff := retry.WithMaxRetries(uint64(retries), retry.NewExponential(base))

	var completion ports.Completion
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		callCtx := ctx
		if policy.ProviderTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, policy.ProviderTimeout)
			defer cancel()
		}

		callCtx, finish := o.tracer.StartSpan(callCtx, "provider_call", map[string]any{
			"iteration": iteration,
			"attempt":   attempt,
		})
		c, err := o.provider.Complete(callCtx, prompt, opts)
		finish(err)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			o.logger.Debug().Err(err).Int("attempt", attempt).Msg("Provider call failed, retrying")
			return retry.RetryableError(err)
		}
		completion = c
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return ports.Completion{}, fmt.Errorf("%w: provider call failed: %w", ErrRetryable, err)
		}
		return ports.Completion{}, fmt.Errorf("provider call failed: %w", err)
	}
	return completion, nil
}

func (o *HarnessOrchestrator) buildOptions(policy *Policy, iteration int) ports.Options {
	opts := ports.Options{
		MaxNewTokens: policy.MaxNewTokens,
		Temperature:  policy.Temperature,
		TopP:         policy.TopP,
	}
	if policy.Deterministic && iteration == 1 {
		opts.Seed = 42
	}
	return opts
}

func notify(status StatusFunc, label string) {
	if status != nil {
		status(label)
	}
}

func orFallback(text, fallback string) string {
	if strings.TrimSpace(text) != "" {
		return text
	}
	if fallback == "" {
		return internal.FallbackResponse
	}
	return fallback
}

func addUsage(total, u *ports.Usage) *ports.Usage {
	if u == nil {
		return total
	}
	if total == nil {
		total = &ports.Usage{}
	}
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
	return total
}
