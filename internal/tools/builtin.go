package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/basket/researchd/internal/job"
	"github.com/basket/researchd/internal/policy"
	"github.com/basket/researchd/internal/tokenutil"
)

// Built-in research capabilities: a keyless HTML web search and a page
// reader. Both carry EffectNetwork, so every call passes the domain
// allowlist before any request leaves the process.

const (
	searchResultLimit = 5
	readBodyLimit     = 2 << 20 // 2MB
	readContentLimit  = 8000
	maxReadRedirects  = 10
)

// SearchInput is the web_search input payload. Domain narrows the search to
// one site and doubles as the policy target domain.
type SearchInput struct {
	Query  string `json:"query"`
	Domain string `json:"domain,omitempty"`
}

// SearchResult is one entry of a web_search response.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// ReadInput is the read_url input payload.
type ReadInput struct {
	URL string `json:"url"`
}

var searchInputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query":  {"type": "string", "minLength": 1},
		"domain": {"type": "string"}
	},
	"required": ["query"]
}`)

var readInputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"url": {"type": "string", "minLength": 1}
	},
	"required": ["url"]
}`)

const defaultSearchEndpoint = "https://html.duckduckgo.com/html/"

// BuiltinConfig tunes the built-in capabilities.
type BuiltinConfig struct {
	// Client is used for all outbound requests. Nil selects a default with a
	// 15s timeout.
	Client *http.Client
	// SearchEndpoint overrides the web_search provider URL so deployments can
	// point at their own index. Empty uses the public HTML endpoint.
	SearchEndpoint string
}

// RegisterBuiltins registers the web_search and read_url capabilities.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	endpoint := cfg.SearchEndpoint
	if endpoint == "" {
		endpoint = defaultSearchEndpoint
	}
	if err := reg.Register(Descriptor{
		Name:        "web_search",
		Effect:      EffectNetwork,
		InputSchema: searchInputSchema,
	}, CapabilityFunc(func(ctx context.Context, input string) (Output, error) {
		return webSearch(ctx, client, endpoint, input)
	})); err != nil {
		return err
	}
	return reg.Register(Descriptor{
		Name:        "read_url",
		Effect:      EffectNetwork,
		InputSchema: readInputSchema,
	}, CapabilityFunc(func(ctx context.Context, input string) (Output, error) {
		return readURL(ctx, client, input)
	}))
}

func webSearch(ctx context.Context, client *http.Client, endpoint, input string) (Output, error) {
	var in SearchInput
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return Output{}, Permanent(fmt.Errorf("parse search input: %w", err))
	}
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return Output{}, Permanent(fmt.Errorf("empty search query"))
	}
	if in.Domain != "" {
		query += " site:" + strings.TrimPrefix(in.Domain, "*.")
	}

	searchURL, err := buildSearchURL(endpoint, query)
	if err != nil {
		return Output{}, Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return Output{}, Permanent(err)
	}
	req.Header.Set("User-Agent", "researchd/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return Output{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Output{}, httpStatusError(resp.StatusCode, req.URL.String())
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Output{}, err
	}

	results := parseSearchResults(string(body))
	data, err := json.Marshal(results)
	if err != nil {
		return Output{}, Permanent(err)
	}

	citations := make([]job.Citation, 0, len(results))
	for _, r := range results {
		citations = append(citations, job.Citation{
			URL:        r.URL,
			Title:      r.Title,
			Passage:    r.Snippet,
			Confidence: 0.5,
		})
	}
	return Output{
		Data:       string(data),
		Citations:  citations,
		TokensUsed: tokenutil.EstimateTokens(string(data)),
	}, nil
}

// buildSearchURL appends the query to the configured provider endpoint.
func buildSearchURL(endpoint, query string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var (
	reResultLink    = regexp.MustCompile(`(?i)<a[^>]+class="result__a"[^>]*href="([^"]*)"[^>]*>(.*?)</a>`)
	reResultSnippet = regexp.MustCompile(`(?i)<a[^>]+class="result__snippet"[^>]*>(.*?)</a>`)
	reTag           = regexp.MustCompile(`<[^>]+>`)
)

func parseSearchResults(html string) []SearchResult {
	links := reResultLink.FindAllStringSubmatch(html, 10)
	snippets := reResultSnippet.FindAllStringSubmatch(html, 10)

	var results []SearchResult
	for i, link := range links {
		if len(link) < 3 {
			continue
		}
		rawURL := link[1]
		// The search engine wraps result URLs in a redirect; unwrap it.
		if u, err := url.Parse(rawURL); err == nil {
			if actual := u.Query().Get("uddg"); actual != "" {
				rawURL = actual
			}
		}
		snippet := ""
		if i < len(snippets) && len(snippets[i]) >= 2 {
			snippet = stripTags(snippets[i][1])
		}
		results = append(results, SearchResult{
			Title:   stripTags(link[2]),
			URL:     rawURL,
			Snippet: snippet,
		})
		if len(results) >= searchResultLimit {
			break
		}
	}
	return results
}

func stripTags(s string) string {
	return strings.TrimSpace(reTag.ReplaceAllString(s, ""))
}

func readURL(ctx context.Context, client *http.Client, input string) (Output, error) {
	var in ReadInput
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return Output{}, Permanent(fmt.Errorf("parse read input: %w", err))
	}
	rawURL := strings.TrimSpace(in.URL)
	if rawURL == "" {
		return Output{}, Permanent(fmt.Errorf("empty URL"))
	}
	origin := policy.TargetDomain(rawURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Output{}, Permanent(err)
	}
	req.Header.Set("User-Agent", "researchd/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain")

	// Redirects must not escape the domain the arbiter approved.
	readClient := *client
	readClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxReadRedirects {
			return fmt.Errorf("stopped after %d redirects", maxReadRedirects)
		}
		if d := policy.TargetDomain(req.URL.String()); d != origin {
			return Permanent(fmt.Errorf("redirect to %q leaves approved domain %q", d, origin))
		}
		return nil
	}

	resp, err := readClient.Do(req)
	if err != nil {
		return Output{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Output{}, httpStatusError(resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, readBodyLimit))
	if err != nil {
		return Output{}, err
	}

	content := htmlToText(string(body))
	if len(content) > readContentLimit {
		content = content[:readContentLimit] + "\n\n[content truncated]"
	}

	passage := content
	if len(passage) > 280 {
		passage = passage[:280]
	}
	return Output{
		Data: content,
		Citations: []job.Citation{{
			URL:        rawURL,
			Passage:    passage,
			Confidence: 0.8,
		}},
		TokensUsed: tokenutil.EstimateTokens(content),
	}, nil
}

// httpStatusError classifies HTTP failures: 5xx and 429 are worth retrying,
// the rest are permanent.
func httpStatusError(status int, url string) error {
	err := fmt.Errorf("HTTP %d for %s", status, url)
	if status >= 500 || status == http.StatusTooManyRequests {
		return err
	}
	return Permanent(err)
}

var (
	reScript   = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	reStyle    = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	reComment  = regexp.MustCompile(`(?s)<!--.*?-->`)
	reBlockTag = regexp.MustCompile(`(?i)</?(?:div|p|br|h[1-6]|li|tr|td|th|blockquote|pre|hr)[^>]*>`)
	reSpaces   = regexp.MustCompile(`[ \t]+`)
	reNewlines = regexp.MustCompile(`\n{3,}`)
)

// htmlToText converts HTML to simplified plain text without a browser.
func htmlToText(html string) string {
	html = reScript.ReplaceAllString(html, "")
	html = reStyle.ReplaceAllString(html, "")
	html = reComment.ReplaceAllString(html, "")
	html = reBlockTag.ReplaceAllString(html, "\n")
	html = reTag.ReplaceAllString(html, "")

	html = strings.ReplaceAll(html, "&amp;", "&")
	html = strings.ReplaceAll(html, "&lt;", "<")
	html = strings.ReplaceAll(html, "&gt;", ">")
	html = strings.ReplaceAll(html, "&quot;", "\"")
	html = strings.ReplaceAll(html, "&#39;", "'")
	html = strings.ReplaceAll(html, "&nbsp;", " ")

	html = reSpaces.ReplaceAllString(html, " ")
	html = reNewlines.ReplaceAllString(html, "\n\n")
	return strings.TrimSpace(html)
}
