package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const liteResultsPage = `<html><body><table>
<tr><td>1.</td><td><a rel="nofollow" href="https://example.com/attention" class='result-link'>Attention Is All You Need</a></td></tr>
<tr><td></td><td class='result-snippet'>The dominant sequence
   transduction models are based on <b>recurrent</b> networks.</td></tr>
<tr><td>2.</td><td><a rel="nofollow" href="https://example.com/résumé" class='result-link'>Transformers, explained</a></td></tr>
<tr><td></td><td class='result-snippet'>A gentle introduction.</td></tr>
<tr><td><a href="https://duckduckgo.com/settings">Settings</a></td></tr>
</table></body></html>`

func TestParseDuckDuckGoLite(t *testing.T) {
	results, err := parseDuckDuckGoLite(strings.NewReader(liteResultsPage))
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, SearchResult{
		Title:   "Attention Is All You Need",
		URL:     "https://example.com/attention",
		Snippet: "The dominant sequence transduction models are based on recurrent networks.",
	}, results[0])
	assert.Equal(t, "https://example.com/résumé", results[1].URL)
	assert.Equal(t, "A gentle introduction.", results[1].Snippet)
}

func TestParseDuckDuckGoLite_CapsResults(t *testing.T) {
	var b strings.Builder
	b.WriteString("<table>")
	for i := 0; i < 8; i++ {
		b.WriteString(`<tr><td><a class="result-link" href="https://example.com/x">x</a></td></tr>`)
	}
	b.WriteString("</table>")

	results, err := parseDuckDuckGoLite(strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.Len(t, results, backendResultLimit)
}

func TestDuckDuckGo_PostsFormAndRetriesRateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "attention heads", r.PostForm.Get("q"))
		assert.Contains(t, r.Header.Get("User-Agent"), "Mozilla")
		_, _ = w.Write([]byte(liteResultsPage))
	}))
	defer srv.Close()

	ddg := NewDuckDuckGo()
	ddg.endpoint = srv.URL
	ddg.backoff = time.Millisecond
	ddg.pacer = nil

	results, err := ddg.Search(context.Background(), "attention heads")
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.EqualValues(t, 2, hits.Load())

	_, err = ddg.Search(context.Background(), "  ")
	assert.Error(t, err)
}

func TestBrave_SendsTokenAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, "multi head", r.URL.Query().Get("q"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"web": map[string]any{"results": []map[string]string{
				{"title": "Heads", "url": "https://example.com/heads", "description": "many heads"},
			}},
		})
	}))
	defer srv.Close()

	b := NewBrave("secret")
	b.endpoint = srv.URL
	b.pacer = nil

	results, err := b.Search(context.Background(), "multi head")
	require.NoError(t, err)
	assert.Equal(t, []SearchResult{{Title: "Heads", URL: "https://example.com/heads", Snippet: "many heads"}}, results)
}

func TestTavily_DefaultDepthAndHTTPError(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["query"] == "broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"title":"T","url":"https://example.com/t","content":"c"}]}`))
	}))
	defer srv.Close()

	tv := NewTavily("key", "")
	tv.endpoint = srv.URL

	results, err := tv.Search(context.Background(), "positional encoding")
	require.NoError(t, err)
	assert.Equal(t, "basic", body["depth"])
	assert.Equal(t, "key", body["api_key"])
	require.Len(t, results, 1)
	assert.Equal(t, "c", results[0].Snippet)

	_, err = tv.Search(context.Background(), "broken")
	assert.ErrorContains(t, err, "http 500")
}

func TestPacer_SpacesCalls(t *testing.T) {
	p := &pacer{interval: 20 * time.Millisecond}
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, p.wait(ctx))
	require.NoError(t, p.wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	p.next = time.Now().Add(time.Hour)
	assert.ErrorIs(t, p.wait(cancelled), context.Canceled)
}
