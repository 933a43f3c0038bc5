package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
	"github.com/rs/zerolog"
)

const searchAnswerSystem = `You answer questions using only the numbered web results provided.
Be concise, cite results inline as [n], and say so when the results do not contain the answer.`

// ResultSearcher answers questions from web search results. Raw results come from
// a SearchBackend and are condensed into one answer by an inference provider.
type ResultSearcher struct {
	search     SearchBackend
	provider   ports.Provider // optional; without it the answer lists snippets
	cache      ports.Cache    // optional
	ttl        int
	maxSources int
	logger     zerolog.Logger
}

// NewResultSearcher wires a search backend, summarizer, and cache.
func NewResultSearcher(sp SearchBackend, provider ports.Provider, cache ports.Cache, ttlSeconds, maxSources int, logger zerolog.Logger) *ResultSearcher {
	if maxSources <= 0 {
		maxSources = 5
	}
	return &ResultSearcher{
		search:     sp,
		provider:   provider,
		cache:      cache,
		ttl:        ttlSeconds,
		maxSources: maxSources,
		logger:     logger,
	}
}

// Search runs the query and synthesizes an answer with sources.
func (s *ResultSearcher) Search(ctx context.Context, query, hint string) (ports.SearchAnswer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return ports.SearchAnswer{}, errors.New("query is empty")
	}

	key := "websearch:" + strings.ToLower(query) + "|" + strings.ToLower(strings.TrimSpace(hint))
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, key); ok {
			var answer ports.SearchAnswer
			if err := json.Unmarshal(cached, &answer); err == nil {
				s.logger.Debug().Str("query", query).Msg("Web lookup served from cache")
				return answer, nil
			}
		}
	}

	results, err := s.search.Search(ctx, query)
	if err != nil {
		return ports.SearchAnswer{}, fmt.Errorf("search failed: %w", err)
	}
	if len(results) > s.maxSources {
		results = results[:s.maxSources]
	}

	answer := ports.SearchAnswer{Sources: make([]ports.Source, 0, len(results))}
	for _, r := range results {
		answer.Sources = append(answer.Sources, ports.Source{Title: r.Title, URI: r.URL})
	}

	if len(results) == 0 {
		answer.Answer = "No web results were found for this query."
		return answer, nil
	}

	answer.Answer, err = s.summarize(ctx, query, hint, results)
	if err != nil {
		return ports.SearchAnswer{}, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(answer); err == nil {
			if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to cache web lookup")
			}
		}
	}

	return answer, nil
}

func (s *ResultSearcher) summarize(ctx context.Context, query, hint string, results []SearchResult) (string, error) {
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, r.Title, r.URL, r.Snippet)
	}
	if s.provider == nil {
		return strings.TrimSpace(b.String()), nil
	}

	question := query
	if hint = strings.TrimSpace(hint); hint != "" {
		question = fmt.Sprintf("%s\n\nContext: %s", query, hint)
	}

	completion, err := s.provider.Complete(ctx, ports.PromptInput{
		System: searchAnswerSystem,
		Messages: []ports.PromptMessage{{
			Role:    ports.RoleUser,
			Content: fmt.Sprintf("Question: %s\n\nResults:\n%s", question, b.String()),
		}},
	}, ports.Options{MaxNewTokens: 1024, Temperature: 0.2})
	if err != nil {
		return "", fmt.Errorf("failed to summarize search results: %w", err)
	}
	return strings.TrimSpace(completion.Text), nil
}

var _ ports.WebSearcher = (*ResultSearcher)(nil)
