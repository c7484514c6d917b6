// Package urlcontext implements the url_context pre-processor (§6.4):
// extract URLs from the caller's user messages, fetch each one (optionally
// through a shadow-host rewrite or a dedicated extract service), strip HTML
// down to readable text, and return a system-message body.
package urlcontext

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"mcp-completion-proxy/internal/domain/llm"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
)

// Config configures one collaborator instance.
type Config struct {
	ShadowHosts         map[string]string
	ExtractServiceURL   string
	ExtractServiceToken string
	FetchTimeout        time.Duration
}

// Result is what the collaborator hands back to the core: an optional
// system-message body and any cost it incurred calling an extract service.
type Result struct {
	Context             string
	AdditionalCostCents int
}

// Collaborator fetches and renders URL context for a request.
type Collaborator struct {
	cfg  Config
	http *resty.Client
}

// New builds a collaborator with the given configuration.
func New(cfg Config) *Collaborator {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Collaborator{cfg: cfg, http: resty.New().SetTimeout(timeout)}
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')]+`)

// ExtractURLs pulls every http(s) URL out of the user messages, capped at maxURLs.
func ExtractURLs(messages []llm.Message, maxURLs int) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		text, ok := m.Content.(string)
		if !ok {
			continue
		}
		for _, match := range urlPattern.FindAllString(text, -1) {
			if seen[match] {
				continue
			}
			seen[match] = true
			urls = append(urls, match)
			if maxURLs > 0 && len(urls) >= maxURLs {
				return urls
			}
		}
	}
	return urls
}

// Collect fetches and renders context for every URL found in messages,
// honoring spec.MaxURLs/MaxContextLength. Fetch failures for individual URLs
// are skipped rather than aborting the whole collaborator.
func (c *Collaborator) Collect(ctx context.Context, messages []llm.Message, spec llm.URLContextSpec) (Result, error) {
	maxURLs := 5
	if spec.MaxURLs != nil {
		maxURLs = *spec.MaxURLs
	}
	maxLength := 4000
	if spec.MaxContextLength != nil {
		maxLength = *spec.MaxContextLength
	}

	urls := ExtractURLs(messages, maxURLs)
	if len(urls) == 0 {
		return Result{}, nil
	}

	var sections []string
	var cost int
	for _, raw := range urls {
		text, fetchCost, err := c.fetchOne(ctx, raw)
		if err != nil {
			continue
		}
		cost += fetchCost
		sections = append(sections, fmt.Sprintf("Source: %s\n%s", raw, truncate(text, maxLength)))
	}

	if len(sections) == 0 {
		return Result{AdditionalCostCents: cost}, nil
	}

	joined := strings.Join(sections, "\n\n---\n\n")
	return Result{Context: truncate(joined, maxLength), AdditionalCostCents: cost}, nil
}

func (c *Collaborator) fetchOne(ctx context.Context, rawURL string) (string, int, error) {
	if c.cfg.ExtractServiceURL != "" {
		return c.fetchViaExtractService(ctx, rawURL)
	}
	return c.fetchDirect(ctx, rawURL)
}

func (c *Collaborator) fetchDirect(ctx context.Context, rawURL string) (string, int, error) {
	target := c.applyShadowHost(rawURL)

	resp, err := c.http.R().SetContext(ctx).Get(target)
	if err != nil {
		return "", 0, fmt.Errorf("fetch %s: %w", target, err)
	}
	if resp.IsError() {
		return "", 0, fmt.Errorf("fetch %s: status %d", target, resp.StatusCode())
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(resp.String()))
	if err != nil {
		return strings.TrimSpace(resp.String()), 0, nil
	}
	doc.Find("script, style, nav, footer").Remove()
	return strings.TrimSpace(doc.Text()), 0, nil
}

func (c *Collaborator) fetchViaExtractService(ctx context.Context, rawURL string) (string, int, error) {
	req := c.http.R().SetContext(ctx).SetQueryParam("url", rawURL)
	if c.cfg.ExtractServiceToken != "" {
		req.SetHeader("Authorization", "Bearer "+c.cfg.ExtractServiceToken)
	}
	var parsed struct {
		Text      string `json:"text"`
		CostCents int    `json:"cost_cents"`
	}
	resp, err := req.SetResult(&parsed).Get(c.cfg.ExtractServiceURL)
	if err != nil {
		return "", 0, fmt.Errorf("extract service request: %w", err)
	}
	if resp.IsError() {
		return "", 0, fmt.Errorf("extract service returned %d", resp.StatusCode())
	}
	return parsed.Text, parsed.CostCents, nil
}

func (c *Collaborator) applyShadowHost(rawURL string) string {
	if len(c.cfg.ShadowHosts) == 0 {
		return rawURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if replacement, ok := c.cfg.ShadowHosts[parsed.Hostname()]; ok {
		parsed.Host = replacement
	}
	return parsed.String()
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
