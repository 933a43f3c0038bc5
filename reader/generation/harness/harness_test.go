package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal "github.com/ZanzyTHEbar/paper-reader/reader"
	"github.com/ZanzyTHEbar/paper-reader/reader/config"
	adapters "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
)

// StubProvider implements Provider for testing.
type StubProvider struct {
	mu             sync.Mutex
	calls          int
	inputs         []ports.PromptInput
	completionFunc func(ctx context.Context, call int, in ports.PromptInput, opts ports.Options) (ports.Completion, error)
}

func (p *StubProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.inputs = append(p.inputs, in)
	p.mu.Unlock()

	if p.completionFunc != nil {
		return p.completionFunc(ctx, call, in, opts)
	}
	return ports.Completion{
		Text: "stub completion",
		Usage: &ports.Usage{
			PromptTokens:     10,
			CompletionTokens: 5,
			TotalTokens:      15,
		},
	}, nil
}

func (p *StubProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// StubTool implements Tool for testing.
type StubTool struct {
	name       string
	schema     string
	invokeFunc func(ctx context.Context, args json.RawMessage) (map[string]any, error)
}

func (t *StubTool) Name() string        { return t.name }
func (t *StubTool) Description() string { return "stub tool " + t.name }
func (t *StubTool) Schema() []byte      { return []byte(t.schema) }
func (t *StubTool) Invoke(ctx context.Context, args json.RawMessage) (map[string]any, error) {
	if t.invokeFunc != nil {
		return t.invokeFunc(ctx, args)
	}
	return map[string]any{"ok": true}, nil
}

type rejectingLimiter struct{}

func (rejectingLimiter) Acquire(ctx context.Context, key string) (func(), error) {
	return nil, errors.New("bucket empty")
}

func toolCallCompletion(name, args string) ports.Completion {
	return ports.Completion{ToolCalls: []ports.ToolCall{{Name: name, Args: json.RawMessage(args)}}}
}

func newTestDispatcher(t *testing.T, tools ...ports.Tool) *Dispatcher {
	t.Helper()
	d := NewDispatcher(NewGuardrails(), nil, time.Second, zerolog.Nop())
	require.NoError(t, d.Register(tools...))
	return d
}

func fastPolicy() *Policy {
	p := DefaultPolicy()
	p.RetryCount = 0
	p.RetryBackoff = time.Millisecond
	p.ProviderTimeout = time.Second
	return p
}

func TestPromptBuilder_Build(t *testing.T) {
	builder := NewPromptBuilder()
	messages := []ports.PromptMessage{{Role: ports.RoleUser, Content: "  hello\r\nworld  "}}

	in := builder.Build(" system ", messages, []string{"page 1 text", "   ", ""}, nil, map[string]string{"k": "v"})
	assert.Equal(t, "system", in.System)
	assert.Equal(t, "hello\nworld", in.Messages[0].Content)
	assert.Equal(t, []string{"page 1 text"}, in.Context)
	assert.Equal(t, "  hello\r\nworld  ", messages[0].Content, "caller slice must not be modified")
}

func TestContextAssembler_Pack(t *testing.T) {
	assembler := NewContextAssembler(Budget{MaxContextTokens: 10, MaxSnippets: 3}, nil)
	packed := assembler.Pack([]Snippet{
		{Text: "low", Score: 0.1, TokenCount: 2},
		{Text: "too big", Score: 0.9, TokenCount: 50},
		{Text: "high", Score: 0.8, TokenCount: 4},
		{Text: "mid", Score: 0.5, TokenCount: 4},
	}, nil)
	assert.Equal(t, []string{"high", "mid", "low"}, packed)

	assert.Nil(t, assembler.Pack(nil, nil))
	assert.Equal(t, []string{"high"}, assembler.Pack([]Snippet{{Text: "high", Score: 1, TokenCount: 1}, {Text: "b", TokenCount: 1}}, &Budget{MaxContextTokens: 10, MaxSnippets: 1}))
}

func TestWindowHistory(t *testing.T) {
	var messages []ports.PromptMessage
	for i := 0; i < 25; i++ {
		messages = append(messages, ports.PromptMessage{Role: ports.RoleUser, Content: fmt.Sprintf("m%d", i)})
	}
	long := strings.Repeat("a", 1000) + strings.Repeat("b", 500) + strings.Repeat("c", 1000)
	messages = append(messages, ports.PromptMessage{Role: ports.RoleAssistant, Content: long})

	windowed := WindowHistory(messages, internal.DefaultHistoryWindow, internal.DefaultMessageCharLimit)
	require.Len(t, windowed, 20)
	assert.Equal(t, "m6", windowed[0].Content)

	last := windowed[19].Content
	assert.Equal(t, strings.Repeat("a", 1000)+TruncationMarker+strings.Repeat("c", 1000), last)
	assert.Equal(t, long, messages[25].Content)

	assert.Len(t, WindowHistory(messages[:3], 20, 2000), 3)
	assert.Equal(t, "héllo", TruncateMiddle("héllo", 5))
	assert.Equal(t, "hé"+TruncationMarker+"lo", TruncateMiddle("héllo", 4))
}

func TestOutputParser_ExtractJSONObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain", `{"a": 1}`, `{"a": 1}`, true},
		{"prose around", `Sure! {"a": {"b": 2}} hope that helps {"c": 3}`, `{"a": {"b": 2}}`, true},
		{"brace in string", `{"title": "Set {x} of }", "n": 1}`, `{"title": "Set {x} of }", "n": 1}`, true},
		{"escaped quote", `{"t": "say \"}\" now", "n": 1} trailing`, `{"t": "say \"}\" now", "n": 1}`, true},
		{"unbalanced", `{"a": {"b": 1}`, "", false},
		{"none", `no json here`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSONObject(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOutputParser_StripCodeFencesAndDecode(t *testing.T) {
	assert.Equal(t, `{"a": 1}`, StripCodeFences("Here:\n```json\n{\"a\": 1}\n```\nDone"))
	assert.Equal(t, `{"a": 1}`, StripCodeFences("```{\"a\": 1}```"))
	assert.Equal(t, "no fences", StripCodeFences("no fences"))

	parser := NewOutputParser()
	var out struct {
		Items []int `json:"items"`
	}
	require.NoError(t, parser.DecodeJSONObject("```\n{\"items\": [1, 2,],}\n```", &out))
	assert.Equal(t, []int{1, 2}, out.Items)

	assert.ErrorIs(t, parser.DecodeJSONObject("nothing", &out), ErrNoJSONObject)
}

func TestOutputParser_ParseToolCalls(t *testing.T) {
	parser := NewOutputParser()

	calls := parser.ParseToolCalls(`[{"name": "web_lookup", "arguments": {"query": "bert"}}]`, map[string]bool{"web_lookup": true})
	require.Len(t, calls, 1)
	assert.Equal(t, "web_lookup", calls[0].Name)
	assert.JSONEq(t, `{"query": "bert"}`, string(calls[0].Args))

	calls = parser.ParseToolCalls(`I will call display_figures({"image_indices": [0]}) now`, map[string]bool{"display_figures": true})
	require.Len(t, calls, 1)
	assert.Equal(t, "display_figures", calls[0].Name)

	assert.Empty(t, parser.ParseToolCalls(`rm_rf({"path": "/"})`, map[string]bool{"display_figures": true}))
}

func TestGuardrails_ValidateToolCall(t *testing.T) {
	schema := []byte(`{"type": "object", "properties": {"key_point": {"type": "string"}}, "required": ["key_point"]}`)
	g := NewGuardrails()

	assert.NoError(t, g.ValidateToolCall(ports.ToolCall{Name: "update_profile", Args: json.RawMessage(`{"key_point": "likes math"}`)}, schema))
	assert.Error(t, g.ValidateToolCall(ports.ToolCall{Name: "update_profile", Args: json.RawMessage(`{}`)}, schema))
	assert.Error(t, g.ValidateToolCall(ports.ToolCall{Name: "update_profile", Args: json.RawMessage(`{"key_point": 3}`)}, schema))
	assert.Error(t, g.ValidateToolCall(ports.ToolCall{Name: "", Args: json.RawMessage(`{}`)}, nil))

	g.SetBlockedWords([]string{"DROP TABLE"})
	assert.Error(t, g.ValidateToolCall(ports.ToolCall{Name: "update_profile", Args: json.RawMessage(`{"key_point": "x; drop table users"}`)}, schema))

	g.AddAllowedTool("web_lookup")
	err := g.ValidateToolCall(ports.ToolCall{Name: "update_profile", Args: json.RawMessage(`{"key_point": "fine"}`)}, schema)
	assert.ErrorContains(t, err, "not in allowlist")

	assert.Equal(t, "my [REDACTED] here", g.SanitizeOutput("my api_key=sk-123 here"))
}

func TestDispatcher_Dispatch(t *testing.T) {
	var seen json.RawMessage
	d := newTestDispatcher(t,
		&StubTool{name: "echo", invokeFunc: func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
			seen = args
			return nil, nil
		}},
		&StubTool{name: "boom", invokeFunc: func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
			panic("nil map")
		}},
		&StubTool{name: "fail", invokeFunc: func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
			return nil, errors.New("page out of range")
		}},
		&StubTool{name: "deadline", invokeFunc: func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
			_, ok := ctx.Deadline()
			return map[string]any{"has_deadline": ok}, nil
		}},
	)
	ctx := context.Background()

	res := d.Dispatch(ctx, ports.ToolCall{Name: "echo"})
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{}, res.Payload)
	assert.JSONEq(t, `{}`, string(seen))

	res = d.Dispatch(ctx, ports.ToolCall{Name: "boom"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "failed unexpectedly")

	res = d.Dispatch(ctx, ports.ToolCall{Name: "fail"})
	assert.Equal(t, ports.Failed("page out of range"), res)

	res = d.Dispatch(ctx, ports.ToolCall{Name: "nope"})
	assert.Equal(t, "unknown tool: nope", res.Error)

	res = d.Dispatch(ctx, ports.ToolCall{Name: "deadline"})
	assert.Equal(t, true, res.Payload["has_deadline"])

	encoded, err := json.Marshal(ports.Failed("bad"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success": false, "error": "bad"}`, string(encoded))
}

func TestOrchestrator_PlainAnswer(t *testing.T) {
	provider := &StubProvider{}
	orch := NewHarnessOrchestrator(provider, nil, nil, nil, zerolog.Nop())
	conv := &Conversation{ID: "s1", Messages: []ports.PromptMessage{{Role: ports.RoleUser, Content: "hi"}}}

	resp, err := orch.Orchestrate(context.Background(), &Request{Conversation: conv, System: "sys", Policy: fastPolicy()})
	require.NoError(t, err)
	assert.Equal(t, "stub completion", resp.Text)
	assert.Equal(t, 1, resp.Rounds)
	assert.False(t, resp.Exhausted)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, ports.RoleAssistant, conv.Messages[1].Role)
}

func TestOrchestrator_LoopBoundAndFallback(t *testing.T) {
	provider := &StubProvider{completionFunc: func(ctx context.Context, call int, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
		return toolCallCompletion("echo", `{}`), nil
	}}
	var statuses []string
	invoked := 0
	echo := &StubTool{name: "echo", invokeFunc: func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
		invoked++
		return map[string]any{"ok": true}, nil
	}}
	orch := NewHarnessOrchestrator(provider, nil, nil, nil, zerolog.Nop())
	conv := &Conversation{ID: "s1", Messages: []ports.PromptMessage{{Role: ports.RoleUser, Content: "go"}}}

	resp, err := orch.Orchestrate(context.Background(), &Request{
		Conversation: conv,
		Tools:        newTestDispatcher(t, echo),
		Policy:       fastPolicy(),
		Status:       func(s string) { statuses = append(statuses, s) },
	})
	require.NoError(t, err)
	assert.Equal(t, internal.DefaultMaxIterations, provider.Calls())
	assert.True(t, resp.Exhausted)
	assert.Equal(t, internal.FallbackResponse, resp.Text)
	// the final round's calls are not executed
	assert.Equal(t, internal.DefaultMaxIterations-1, invoked)
	assert.Len(t, resp.ToolCalls, internal.DefaultMaxIterations-1)
	assert.Equal(t, []string{"thinking", "echo"}, statuses[:2])
	assert.Len(t, statuses, 2*internal.DefaultMaxIterations-1)
	assert.Equal(t, "thinking", statuses[len(statuses)-1])

	// one assistant tool-call turn and one tool result per executed round
	assert.Len(t, conv.Messages, 1+2*(internal.DefaultMaxIterations-1))
	toolMsg := conv.Messages[2]
	assert.Equal(t, ports.RoleTool, toolMsg.Role)
	assert.Equal(t, "call_1_0", toolMsg.ToolCallID)
	assert.JSONEq(t, `{"ok": true, "success": true}`, toolMsg.Content)
}

func TestOrchestrator_ExhaustionReturnsLastText(t *testing.T) {
	provider := &StubProvider{completionFunc: func(ctx context.Context, call int, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
		c := toolCallCompletion("echo", `{}`)
		if call == 2 {
			c.Text = "Partial answer so far."
		}
		return c, nil
	}}
	orch := NewHarnessOrchestrator(provider, nil, nil, nil, zerolog.Nop())

	resp, err := orch.Orchestrate(context.Background(), &Request{
		Conversation: &Conversation{ID: "s1"},
		Tools:        newTestDispatcher(t, &StubTool{name: "echo"}),
		Policy:       fastPolicy().WithMaxIterations(3),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, provider.Calls())
	assert.True(t, resp.Exhausted)
	assert.Equal(t, "Partial answer so far.", resp.Text)
}

func TestOrchestrator_RebuildsContextEveryRound(t *testing.T) {
	provider := &StubProvider{completionFunc: func(ctx context.Context, call int, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
		if call < 3 {
			return toolCallCompletion("extract", `{}`), nil
		}
		return ports.Completion{Text: "done"}, nil
	}}
	extracted := 0
	d := newTestDispatcher(t, &StubTool{name: "extract", invokeFunc: func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
		extracted++
		return map[string]any{"count": 1}, nil
	}})
	orch := NewHarnessOrchestrator(provider, nil, nil, nil, zerolog.Nop())

	rebuilds := 0
	resp, err := orch.Orchestrate(context.Background(), &Request{
		Conversation: &Conversation{ID: "s1"},
		Tools:        d,
		Policy:       fastPolicy(),
		Rebuild: func(ctx context.Context) (string, []string) {
			rebuilds++
			return fmt.Sprintf("figures extracted: %d", extracted), nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)
	assert.Equal(t, 3, rebuilds)
	require.Len(t, provider.inputs, 3)
	assert.Equal(t, "figures extracted: 0", provider.inputs[0].System)
	assert.Equal(t, "figures extracted: 2", provider.inputs[2].System)
	assert.Len(t, provider.inputs[2].Tools, 1)
}

func TestOrchestrator_TextEncodedToolCalls(t *testing.T) {
	provider := &StubProvider{completionFunc: func(ctx context.Context, call int, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
		if call == 1 {
			return ports.Completion{Text: `echo({"x": 1})`}, nil
		}
		return ports.Completion{Text: "finished"}, nil
	}}
	policy := fastPolicy()
	policy.ParseTextToolCalls = true
	orch := NewHarnessOrchestrator(provider, nil, nil, nil, zerolog.Nop())

	resp, err := orch.Orchestrate(context.Background(), &Request{
		Conversation: &Conversation{ID: "s1"},
		Tools:        newTestDispatcher(t, &StubTool{name: "echo"}),
		Policy:       policy,
	})
	require.NoError(t, err)
	assert.Equal(t, "finished", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "echo", resp.ToolCalls[0].Name)
}

func TestOrchestrator_TimeoutIsRetryable(t *testing.T) {
	provider := &StubProvider{completionFunc: func(ctx context.Context, call int, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
		<-ctx.Done()
		return ports.Completion{}, ctx.Err()
	}}
	policy := fastPolicy()
	policy.ProviderTimeout = 20 * time.Millisecond
	orch := NewHarnessOrchestrator(provider, nil, nil, nil, zerolog.Nop())

	_, err := orch.Orchestrate(context.Background(), &Request{Conversation: &Conversation{ID: "s1"}, Policy: policy})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOrchestrator_RetriesTransientFailures(t *testing.T) {
	provider := &StubProvider{completionFunc: func(ctx context.Context, call int, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
		if call == 1 {
			return ports.Completion{}, errors.New("502 bad gateway")
		}
		return ports.Completion{Text: "recovered"}, nil
	}}
	policy := fastPolicy()
	policy.RetryCount = 2
	orch := NewHarnessOrchestrator(provider, nil, nil, nil, zerolog.Nop())

	resp, err := orch.Orchestrate(context.Background(), &Request{Conversation: &Conversation{ID: "s1"}, Policy: policy})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
	assert.Equal(t, 2, provider.Calls())

	failing := &StubProvider{completionFunc: func(ctx context.Context, call int, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
		return ports.Completion{}, errors.New("invalid api key")
	}}
	policy.RetryCount = 1
	_, err = NewHarnessOrchestrator(failing, nil, nil, nil, zerolog.Nop()).
		Orchestrate(context.Background(), &Request{Conversation: &Conversation{ID: "s1"}, Policy: policy})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRetryable)
	assert.ErrorContains(t, err, "invalid api key")
	assert.Equal(t, 2, failing.Calls())
}

func TestOrchestrator_RateLimited(t *testing.T) {
	orch := NewHarnessOrchestrator(&StubProvider{}, nil, rejectingLimiter{}, nil, zerolog.Nop())
	_, err := orch.Orchestrate(context.Background(), &Request{Conversation: &Conversation{ID: "s1"}})
	assert.ErrorIs(t, err, ErrRetryable)

	_, err = orch.Orchestrate(context.Background(), &Request{})
	assert.Error(t, err)
}

func TestOrchestrator_DeterministicSeedOnFirstCall(t *testing.T) {
	var seeds []int
	provider := &StubProvider{completionFunc: func(ctx context.Context, call int, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
		seeds = append(seeds, opts.Seed)
		if call == 1 {
			return toolCallCompletion("echo", `{}`), nil
		}
		return ports.Completion{Text: "ok"}, nil
	}}
	policy := fastPolicy()
	policy.Deterministic = true
	orch := NewHarnessOrchestrator(provider, nil, adapters.NewTokenBucket(5, time.Minute), adapters.NewZerologTracer(zerolog.Nop()), zerolog.Nop())

	_, err := orch.Orchestrate(context.Background(), &Request{
		Conversation: &Conversation{ID: "s1"},
		Tools:        newTestDispatcher(t, &StubTool{name: "echo"}),
		Policy:       policy,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{42, 0}, seeds)
}

func TestFactory_CreatePolicyClamps(t *testing.T) {
	cfg := &config.Config{}
	cfg.Harness.MaxIterations = 500
	cfg.Harness.RetryCount = -1
	f := NewFactory(cfg, zerolog.Nop())

	p := f.CreatePolicy()
	assert.Equal(t, 50, p.MaxIterations)
	assert.Equal(t, 0, p.RetryCount)
	assert.Equal(t, 120*time.Second, p.ProviderTimeout)

	cfg.Harness.MaxIterations = 0
	assert.Equal(t, 1, f.CreatePolicy().MaxIterations)

	assert.Nil(t, f.CreateGuardrails())
	assert.IsType(t, &noOpCache{}, f.CreateCache(context.Background()))
	assert.IsType(t, &noOpRateLimiter{}, f.CreateRateLimiter())

	cfg.Harness.CacheEnabled = true
	cfg.Harness.CacheCapacity = 4
	assert.IsType(t, &adapters.LRUCache{}, f.CreateCache(context.Background()))
}
