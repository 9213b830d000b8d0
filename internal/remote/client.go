// Package remote talks to the benchmark service: authenticated record
// fetches and frontier discovery against the public listing page.
package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/benchharvest/harvester/internal/bench"
	"github.com/benchharvest/harvester/internal/session"
)

// Config controls client behavior.
type Config struct {
	// BaseURL is the record resource root; records live at {BaseURL}/{id}.{Extension}.
	BaseURL string
	// ListingURL is the public listing page scraped for the newest record link.
	ListingURL string
	// Extension is the record resource suffix without the dot.
	Extension string
	UserAgent string
	Timeout   time.Duration
}

// Client issues requests against the benchmark service.
type Client struct {
	cfg       Config
	transport http.RoundTripper
	logger    *zap.Logger
}

// New builds a Client with a pooled transport.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Extension == "" {
		cfg.Extension = "gbml"
	}
	return &Client{
		cfg:       cfg,
		transport: newHTTPTransport(),
		logger:    logger,
	}
}

// RecordURL returns the canonical resource URL for id.
func (c *Client) RecordURL(id int64) string {
	return fmt.Sprintf("%s/%d.%s", strings.TrimRight(c.cfg.BaseURL, "/"), id, c.cfg.Extension)
}

// FetchRecord GETs one record payload using the credential snapshot.
// Status mapping: 2xx returns the body; 404 returns bench.ErrNotFound;
// 401/403 return bench.ErrAuth; everything else wraps bench.ErrTransient.
func (c *Client) FetchRecord(ctx context.Context, id int64, creds *session.Credentials) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.RecordURL(id), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build record request: %v", bench.ErrTransient, err)
	}
	c.setHeaders(req)
	for _, ck := range creds.HTTPCookies() {
		req.AddCookie(ck)
	}

	client := &http.Client{Transport: c.transport, Timeout: c.cfg.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch record %d: %v", bench.ErrTransient, id, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, bench.ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, bench.ErrAuth
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: record %d returned status %d", bench.ErrTransient, id, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read record %d body: %v", bench.ErrTransient, id, err)
	}
	return body, nil
}

// MaxRemoteID scrapes the listing page for the newest published record and
// returns its ID. The newest record is the first device link in the table.
func (c *Client) MaxRemoteID(ctx context.Context) (int64, error) {
	prefix := linkPrefix(c.cfg.BaseURL)

	collector := colly.NewCollector(colly.Async(false))
	collector.SetRequestTimeout(c.cfg.Timeout)
	collector.WithTransport(c.transport)
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}

	var maxID int64
	var parseErr error
	collector.OnHTML("tr td.device a[href]", func(e *colly.HTMLElement) {
		if maxID != 0 || parseErr != nil {
			return
		}
		href := e.Attr("href")
		if !strings.HasPrefix(href, prefix) {
			return
		}
		segments := strings.Split(strings.TrimRight(href, "/"), "/")
		id, err := strconv.ParseInt(segments[len(segments)-1], 10, 64)
		if err != nil {
			parseErr = fmt.Errorf("parse id from listing href %q: %w", href, err)
			return
		}
		maxID = id
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(c.cfg.ListingURL)
	}()
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("listing fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return 0, fmt.Errorf("fetch listing page: %w", err)
		}
	}

	if parseErr != nil {
		return 0, parseErr
	}
	if maxID == 0 {
		return 0, fmt.Errorf("no record links found on listing page")
	}
	return maxID, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", c.cfg.ListingURL)
	req.Header.Set("Connection", "keep-alive")
}

// linkPrefix derives the path prefix record links carry on the listing
// page (e.g. "/ai/v1/") from the configured base URL.
func linkPrefix(baseURL string) string {
	trimmed := strings.TrimRight(baseURL, "/")
	idx := strings.Index(trimmed, "://")
	if idx >= 0 {
		if slash := strings.Index(trimmed[idx+3:], "/"); slash >= 0 {
			return trimmed[idx+3+slash:] + "/"
		}
		return "/"
	}
	return trimmed + "/"
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
