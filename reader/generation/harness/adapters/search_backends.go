package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/net/html"
)

const (
	duckDuckGoEndpoint = "https://lite.duckduckgo.com/lite/"
	braveEndpoint      = "https://api.search.brave.com/res/v1/web/search"
	tavilyEndpoint     = "https://api.tavily.com/search"

	backendResultLimit = 5
	browserUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// SearchResult is one raw web result.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// SearchBackend returns raw results for a query.
type SearchBackend interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// NewSearchProvider builds a search backend by name.
func NewSearchProvider(kind, apiKey, depth string) (SearchBackend, error) {
	switch strings.ToLower(kind) {
	case "", "duckduckgo", "ddg":
		return NewDuckDuckGo(), nil
	case "brave":
		if apiKey == "" {
			return nil, errors.New("brave search requires an api key")
		}
		return NewBrave(apiKey), nil
	case "tavily":
		if apiKey == "" {
			return nil, errors.New("tavily search requires an api key")
		}
		return NewTavily(apiKey, depth), nil
	default:
		return nil, fmt.Errorf("unknown search provider %q", kind)
	}
}

// pacer spaces requests to one upstream at least interval apart.
type pacer struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

func (p *pacer) wait(ctx context.Context) error {
	p.mu.Lock()
	now := time.Now()
	at := p.next
	if at.Before(now) {
		at = now
	}
	p.next = at.Add(p.interval)
	p.mu.Unlock()

	if d := time.Until(at); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// one query per second to each upstream, shared by every backend instance
var (
	duckDuckGoPacer = &pacer{interval: time.Second}
	bravePacer      = &pacer{interval: time.Second}
)

// httpBackend holds what every backend needs to call its upstream.
type httpBackend struct {
	client   *http.Client
	endpoint string
	backoff  time.Duration // first delay after a 429, doubled up to 30s
	pacer    *pacer        // optional
}

// do sends the request built by build, retrying while the upstream answers 429.
// The caller closes the returned body.
func (b *httpBackend) do(ctx context.Context, name string, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	base := b.backoff
	if base <= 0 {
		base = time.Second
	}
	policy := retry.WithMaxRetries(5, retry.WithCappedDuration(30*time.Second, retry.NewExponential(base)))

	var resp *http.Response
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		if b.pacer != nil {
			if err := b.pacer.wait(ctx); err != nil {
				return err
			}
		}
		req, err := build(ctx)
		if err != nil {
			return err
		}
		r, err := b.client.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode == http.StatusTooManyRequests {
			r.Body.Close()
			return retry.RetryableError(fmt.Errorf("%s rate limited", name))
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%s http %d", name, resp.StatusCode)
	}
	return resp, nil
}

// DuckDuckGo scrapes the DuckDuckGo lite HTML page. It needs no api key.
type DuckDuckGo struct {
	httpBackend
}

// NewDuckDuckGo creates a DuckDuckGo backend with a 15s timeout.
func NewDuckDuckGo() *DuckDuckGo {
	return &DuckDuckGo{httpBackend{
		client:   &http.Client{Timeout: 15 * time.Second},
		endpoint: duckDuckGoEndpoint,
		pacer:    duckDuckGoPacer,
	}}
}

func (d *DuckDuckGo) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is empty")
	}
	form := url.Values{"q": {query}}.Encode()

	resp, err := d.do(ctx, "duckduckgo", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, strings.NewReader(form))
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", browserUserAgent)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return parseDuckDuckGoLite(resp.Body)
}

// parseDuckDuckGoLite pairs each result-link anchor with the result-snippet
// cell that follows it.
func parseDuckDuckGoLite(r io.Reader) ([]SearchResult, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse results page: %w", err)
	}

	var results []SearchResult
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.Data == "a" && hasClass(n, "result-link"):
				href := strings.TrimSpace(attr(n, "href"))
				title := strings.TrimSpace(textOf(n))
				if href != "" && title != "" {
					results = append(results, SearchResult{Title: title, URL: href})
				}
				return
			case n.Data == "td" && hasClass(n, "result-snippet"):
				if len(results) > 0 && results[len(results)-1].Snippet == "" {
					results[len(results)-1].Snippet = strings.Join(strings.Fields(textOf(n)), " ")
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if len(results) > backendResultLimit {
		results = results[:backendResultLimit]
	}
	return results, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// Brave calls the Brave Search API.
type Brave struct {
	httpBackend
	apiKey string
}

// NewBrave creates a Brave backend with a 10s timeout.
func NewBrave(apiKey string) *Brave {
	return &Brave{
		httpBackend: httpBackend{
			client:   &http.Client{Timeout: 10 * time.Second},
			endpoint: braveEndpoint,
			pacer:    bravePacer,
		},
		apiKey: apiKey,
	}
}

func (b *Brave) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if strings.TrimSpace(b.apiKey) == "" {
		return nil, errors.New("brave: api key is missing")
	}
	endpoint := b.endpoint + "?q=" + url.QueryEscape(query)

	resp, err := b.do(ctx, "brave", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Subscription-Token", b.apiKey)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode brave response: %w", err)
	}

	results := make([]SearchResult, 0, backendResultLimit)
	for _, r := range payload.Web.Results {
		if len(results) == backendResultLimit {
			break
		}
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return results, nil
}

// Tavily calls the Tavily search API.
type Tavily struct {
	httpBackend
	apiKey string
	depth  string // "basic" or "advanced"
}

// NewTavily creates a Tavily backend with a 10s timeout. An empty depth means basic.
func NewTavily(apiKey, depth string) *Tavily {
	if depth == "" {
		depth = "basic"
	}
	return &Tavily{
		httpBackend: httpBackend{
			client:   &http.Client{Timeout: 10 * time.Second},
			endpoint: tavilyEndpoint,
		},
		apiKey: apiKey,
		depth:  depth,
	}
}

func (t *Tavily) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if strings.TrimSpace(t.apiKey) == "" {
		return nil, errors.New("tavily: api key is missing")
	}
	body, err := json.Marshal(map[string]any{
		"query":   query,
		"api_key": t.apiKey,
		"depth":   t.depth,
	})
	if err != nil {
		return nil, err
	}

	resp, err := t.do(ctx, "tavily", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode tavily response: %w", err)
	}

	results := make([]SearchResult, 0, backendResultLimit)
	for _, r := range payload.Results {
		if len(results) == backendResultLimit {
			break
		}
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return results, nil
}

var (
	_ SearchBackend = (*DuckDuckGo)(nil)
	_ SearchBackend = (*Brave)(nil)
	_ SearchBackend = (*Tavily)(nil)
)
