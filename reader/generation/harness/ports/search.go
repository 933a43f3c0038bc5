package harnessports

import "context"

// Source is a citation returned with a web answer.
type Source struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// SearchAnswer is a synthesized answer plus the pages it was drawn from.
type SearchAnswer struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}

// WebSearcher looks a question up on the web. hint is optional extra context.
type WebSearcher interface {
	Search(ctx context.Context, query, hint string) (SearchAnswer, error)
}
