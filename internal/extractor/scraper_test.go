package extractor

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/digestor/internal/config"
)

func testConfig(scraperBase string) config.Config {
	c := config.Default()
	c.ScraperAPIBase = scraperBase
	c.ScraperAPIKey = "test-key"
	c.ScraperTimeout = 5_000_000_000 // 5s
	return c
}

func goodMarkdown() string {
	return strings.Repeat("This is a real paragraph of article content with enough unique words. ", 15)
}

func TestExtractUsesScraperResultWhenItPassesQualityGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"markdown":"` + goodMarkdown() + `","metadata":{"title":"Test"},"links":[]}`))
	}))
	defer srv.Close()

	we := NewWebExtractor(testConfig(srv.URL))
	result, err := we.Extract(t.Context(), "corr-1", "https://example.com/article")
	require.NoError(t, err)
	assert.Equal(t, "scraper", result.Source)
	assert.Contains(t, result.Markdown, "real paragraph")
}

func TestExtractFallsBackToSalvageWhenScraperEmpty(t *testing.T) {
	var hits int
	mux := http.NewServeMux()
	mux.HandleFunc("/scrape", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"markdown":"","links":[]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	html := `<html><head><title>Salvaged</title></head><body><article>` + goodMarkdown() + `</article></body></html>`
	pageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(html))
	}))
	defer pageSrv.Close()

	we := NewWebExtractor(testConfig(srv.URL))
	result, err := we.Extract(t.Context(), "corr-2", pageSrv.URL)
	require.NoError(t, err)
	assert.Equal(t, "salvage", result.Source)
	assert.Greater(t, hits, 0)
}

func TestExtractFailsWhenBothScraperAndSalvageAreEmpty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/scrape", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"markdown":"","links":[]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	pageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>nav home about contact</body></html>`))
	}))
	defer pageSrv.Close()

	we := NewWebExtractor(testConfig(srv.URL))
	_, err := we.Extract(t.Context(), "corr-3", pageSrv.URL)
	assert.Error(t, err)
}
