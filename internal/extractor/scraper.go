// Package extractor implements the Content Extractor (spec §4.4): the
// scraper-then-salvage cascade for web URLs and the transcript-then-download
// cascade for YouTube URLs. Grounded on the teacher's fetch_html.go
// (trafilatura -> goquery -> regex salvage cascade), generalized so the
// scraper call is now a real external RPC instead of the teacher's direct
// fetch, with trafilatura/goquery/regex kept as the salvage path.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	trafilatura "github.com/markusmobius/go-trafilatura"
	"golang.org/x/net/html"

	"github.com/anatolykoptev/digestor/internal/apperr"
	"github.com/anatolykoptev/digestor/internal/config"
	"github.com/anatolykoptev/digestor/internal/httpx"
	"github.com/anatolykoptev/digestor/internal/metrics"
	"github.com/anatolykoptev/digestor/internal/model"
)

// WebExtractor runs the scraper-RPC-then-salvage cascade for web URLs.
type WebExtractor struct {
	cfg config.Config
	hc  *http.Client
}

func NewWebExtractor(cfg config.Config) *WebExtractor {
	return &WebExtractor{cfg: cfg, hc: httpx.Scraper(cfg.ScraperTimeout)}
}

type scraperRequestBody struct {
	URL     string   `json:"url"`
	Formats []string `json:"formats"`
}

type scraperResponseBody struct {
	Markdown   string            `json:"markdown"`
	HTML       string            `json:"html,omitempty"`
	Structured map[string]any    `json:"structured,omitempty"`
	Metadata   map[string]string `json:"metadata"`
	Links      []string          `json:"links"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Extract runs the web extraction cascade: scraper RPC first, then direct
// HTML salvage if the scraper result is empty or fails the quality gate.
func (w *WebExtractor) Extract(ctx context.Context, correlationID, normalizedURL string) (model.CrawlResult, error) {
	metrics.IncrScraperCalls()
	start := time.Now()

	result, err := w.callScraper(ctx, normalizedURL)
	if err == nil && PassesQualityGate(result.Markdown, DefaultQualityConfig()) {
		result.RequestID = correlationID
		result.SourceURL = normalizedURL
		result.Status = model.CrawlOK
		result.Source = "scraper"
		result.LatencyMS = time.Since(start).Milliseconds()
		return result, nil
	}

	metrics.IncrSalvageCalls()
	salvaged, salvageErr := w.salvage(ctx, normalizedURL)
	if salvageErr != nil {
		metrics.IncrScraperErrors()
		msg := "scraper and salvage both failed"
		errText := salvageErr.Error()
		return model.CrawlResult{
			RequestID: correlationID, SourceURL: normalizedURL, Status: model.CrawlError,
			ErrorText: &errText, LatencyMS: time.Since(start).Milliseconds(),
		}, apperr.Wrap(apperr.ExtractionQualityBelowThreshold, correlationID, msg, salvageErr)
	}

	if !PassesQualityGate(salvaged.Markdown, DefaultQualityConfig()) {
		msg := "salvaged content failed quality gate"
		return model.CrawlResult{
			RequestID: correlationID, SourceURL: normalizedURL, Status: model.CrawlError,
			ErrorText: &msg, LatencyMS: time.Since(start).Milliseconds(),
		}, apperr.New(apperr.ExtractionQualityBelowThreshold, correlationID, msg)
	}

	salvaged.RequestID = correlationID
	salvaged.SourceURL = normalizedURL
	salvaged.Status = model.CrawlOK
	salvaged.Source = "salvage"
	salvaged.LatencyMS = time.Since(start).Milliseconds()
	return salvaged, nil
}

func (w *WebExtractor) callScraper(ctx context.Context, rawURL string) (model.CrawlResult, error) {
	if w.cfg.ScraperAPIBase == "" {
		return model.CrawlResult{}, fmt.Errorf("extractor: no scraper configured")
	}

	reqBody, _ := json.Marshal(scraperRequestBody{URL: rawURL, Formats: []string{"markdown", "metadata", "links"}})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(w.cfg.ScraperAPIBase, "/")+"/scrape", bytes.NewReader(reqBody))
	if err != nil {
		return model.CrawlResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if w.cfg.ScraperAPIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.cfg.ScraperAPIKey)
	}

	resp, err := w.hc.Do(httpReq)
	if err != nil {
		return model.CrawlResult{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.CrawlResult{}, err
	}

	var body scraperResponseBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return model.CrawlResult{}, fmt.Errorf("extractor: decode scraper response: %w", err)
	}
	if body.Error != nil {
		return model.CrawlResult{}, fmt.Errorf("extractor: scraper error %s: %s", body.Error.Code, body.Error.Message)
	}

	var htmlPtr *string
	if body.HTML != "" {
		htmlPtr = &body.HTML
	}
	return model.CrawlResult{
		Markdown:   body.Markdown,
		HTML:       htmlPtr,
		Structured: body.Structured,
		Metadata:   normalizeMetadataDates(body.Metadata),
		Links:      body.Links,
		HTTPStatus: resp.StatusCode,
		RawPayload: raw,
	}, nil
}

// dateMetadataKeys lists the metadata fields a scraper commonly returns in
// inconsistent timestamp formats; normalizeMetadataDates rewrites each to
// RFC 3339 where dateparse can make sense of it, leaving others untouched.
var dateMetadataKeys = []string{"published_date", "published", "date", "modified_date", "updated"}

func normalizeMetadataDates(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	for _, key := range dateMetadataKeys {
		raw, ok := meta[key]
		if !ok || raw == "" {
			continue
		}
		if t, err := dateparse.ParseAny(raw); err == nil {
			meta[key] = t.UTC().Format(time.RFC3339)
		}
	}
	return meta
}

// salvage is a bounded direct HTTP GET, extracted with trafilatura, falling
// back to goquery, then regex stripping, matching the teacher's cascade.
func (w *WebExtractor) salvage(ctx context.Context, rawURL string) (model.CrawlResult, error) {
	body, err := fetchBody(ctx, w.hc, rawURL)
	if err != nil {
		return model.CrawlResult{}, err
	}

	if md, meta, ok := salvageTrafilatura(rawURL, body); ok {
		return model.CrawlResult{Markdown: md, Metadata: meta, RawPayload: body}, nil
	}
	if md, title, ok := salvageGoquery(body); ok {
		return model.CrawlResult{Markdown: md, Metadata: map[string]string{"title": title}, RawPayload: body}, nil
	}
	md, title := salvageRegex(body)
	return model.CrawlResult{Markdown: md, Metadata: map[string]string{"title": title}, RawPayload: body}, nil
}

func fetchBody(ctx context.Context, hc *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; digestor/1.0)")
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
}

func salvageTrafilatura(rawURL string, body []byte) (markdown string, meta map[string]string, ok bool) {
	parsedURL, _ := url.Parse(rawURL)
	result, err := trafilatura.Extract(bytes.NewReader(body), trafilatura.Options{
		OriginalURL:     parsedURL,
		EnableFallback:  true,
		Focus:           trafilatura.FavorRecall,
		ExcludeComments: true,
	})
	if err != nil || result == nil {
		return "", nil, false
	}

	text := strings.TrimSpace(result.ContentText)
	if result.ContentNode != nil {
		var buf bytes.Buffer
		if renderErr := html.Render(&buf, result.ContentNode); renderErr == nil {
			if md, mdErr := htmltomarkdown.ConvertString(buf.String()); mdErr == nil && strings.TrimSpace(md) != "" {
				text = md
			}
		}
	}
	if strings.TrimSpace(text) == "" {
		return "", nil, false
	}
	return text, map[string]string{"title": result.Metadata.Title}, true
}

var removeSelectors = strings.Join([]string{
	"script", "style", "noscript", "iframe", "svg",
	"header", "footer", "nav", "aside",
	".advertisement", ".ad", ".sidebar", ".comments",
	"[role=navigation]", "[role=banner]", "[role=contentinfo]",
}, ", ")

func salvageGoquery(body []byte) (content, title string, ok bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", false
	}

	title = doc.Find("title").First().Text()
	if title == "" {
		doc.Find(`meta[property="og:title"]`).Each(func(i int, s *goquery.Selection) {
			if title == "" {
				title, _ = s.Attr("content")
			}
		})
	}

	doc.Find(removeSelectors).Each(func(i int, s *goquery.Selection) { s.Remove() })

	contentSel := doc.Find("article, main, .content, .post-content, .article-content, #content").First()
	if contentSel.Length() == 0 {
		contentSel = doc.Find("body")
	}
	content = cleanWhitespace(contentSel.Text())
	return content, title, strings.TrimSpace(content) != ""
}

var (
	titleRe      = regexp.MustCompile(`(?i)<title[^>]*>([^<]+)</title>`)
	ogTitleRe    = regexp.MustCompile(`(?i)<meta[^>]*property=["']og:title["'][^>]*content=["']([^"']+)["']`)
	tagStripRe   = regexp.MustCompile(`<[^>]+>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

var blockStripRes = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`),
	regexp.MustCompile(`(?is)<noscript[^>]*>.*?</noscript>`),
	regexp.MustCompile(`(?is)<header[^>]*>.*?</header>`),
	regexp.MustCompile(`(?is)<footer[^>]*>.*?</footer>`),
	regexp.MustCompile(`(?is)<nav[^>]*>.*?</nav>`),
	regexp.MustCompile(`(?is)<aside[^>]*>.*?</aside>`),
	regexp.MustCompile(`(?is)<iframe[^>]*>.*?</iframe>`),
}

// salvageRegex is the final fallback: brute-force tag stripping.
func salvageRegex(body []byte) (content, title string) {
	raw := string(body)

	if m := titleRe.FindStringSubmatch(raw); len(m) > 1 {
		title = strings.TrimSpace(m[1])
	}
	if title == "" {
		if m := ogTitleRe.FindStringSubmatch(raw); len(m) > 1 {
			title = strings.TrimSpace(m[1])
		}
	}

	for _, re := range blockStripRes {
		raw = re.ReplaceAllString(raw, "")
	}
	content = cleanWhitespace(tagStripRe.ReplaceAllString(raw, ""))
	return content, title
}

func cleanWhitespace(s string) string {
	s = strings.TrimSpace(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			lines = append(lines, t)
		}
	}
	return strings.Join(lines, "\n")
}
