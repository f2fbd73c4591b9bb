// Package httpx provides the pooled HTTP clients shared by every outbound
// caller (scraper, LLM provider, YouTube Innertube). One client per
// provider, built lazily on first use and reused for the life of the
// process so connections get pooled instead of re-dialed per request.
package httpx

import (
	"net"
	"net/http"
	"sync"
	"time"
)

var (
	defaultOnce   sync.Once
	defaultClient *http.Client

	scraperOnce   sync.Once
	scraperClient *http.Client

	llmOnce   sync.Once
	llmClient *http.Client
)

func newPooledClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// Default returns the shared general-purpose client (YouTube Innertube,
// miscellaneous fetches). Built once on first call.
func Default() *http.Client {
	defaultOnce.Do(func() {
		defaultClient = newPooledClient(30 * time.Second)
	})
	return defaultClient
}

// Scraper returns the shared client used for scraper-API calls, sized to
// the scraper timeout rather than the general default.
func Scraper(timeout time.Duration) *http.Client {
	scraperOnce.Do(func() {
		scraperClient = newPooledClient(timeout)
	})
	return scraperClient
}

// LLM returns the shared client used for chat-completion calls.
func LLM(timeout time.Duration) *http.Client {
	llmOnce.Do(func() {
		llmClient = newPooledClient(timeout)
	})
	return llmClient
}
