// Package session manages the authenticated session against the benchmark
// service: interactive login, cookie persistence, and snapshot refresh.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Form field names expected by the login endpoint.
const (
	usernameField = "user[username]"
	passwordField = "user[password]"
	tokenField    = "authenticity_token"
)

// Cookie is the persisted form of one session cookie.
type Cookie struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	Path    string `json:"path"`
	Domain  string `json:"domain"`
	Expires int64  `json:"expires"`
	Secure  bool   `json:"secure"`
}

// Credentials is an immutable snapshot of the session cookie set. Workers
// hold a snapshot for the duration of a batch; refresh replaces the whole
// bundle rather than mutating it.
type Credentials struct {
	Cookies []Cookie
}

// HTTPCookies converts the snapshot into request cookies.
func (c *Credentials) HTTPCookies() []*http.Cookie {
	if c == nil {
		return nil
	}
	out := make([]*http.Cookie, 0, len(c.Cookies))
	for _, ck := range c.Cookies {
		hc := &http.Cookie{
			Name:   ck.Name,
			Value:  ck.Value,
			Path:   ck.Path,
			Domain: ck.Domain,
			Secure: ck.Secure,
		}
		if ck.Expires > 0 {
			hc.Expires = time.Unix(ck.Expires, 0)
		}
		out = append(out, hc)
	}
	return out
}

// Prompter supplies credentials for an interactive refresh.
type Prompter interface {
	Prompt() (username, password string, err error)
}

// Config controls the login protocol endpoints and cookie persistence.
type Config struct {
	CookieFile   string
	LoginPageURL string
	LoginURL     string
	UserAgent    string
	Timeout      time.Duration
}

// Manager owns the current credential snapshot. Only the scheduler calls
// Refresh; workers read snapshots via Acquire.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	creds  *Credentials
	loaded bool
}

// NewManager creates a Manager. No I/O happens until Acquire or Refresh.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Acquire returns the last known good credentials, reading the persisted
// cookie file on first use. A nil return means no credentials exist yet.
func (m *Manager) Acquire() *Credentials {
	m.mu.RLock()
	if m.loaded {
		defer m.mu.RUnlock()
		return m.creds
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return m.creds
	}
	m.loaded = true
	creds, err := loadCookieFile(m.cfg.CookieFile)
	if err != nil {
		m.logger.Warn("could not load persisted cookies", zap.Error(err))
		return nil
	}
	if creds != nil {
		m.logger.Info("restored persisted session cookies",
			zap.String("file", m.cfg.CookieFile),
			zap.Int("cookies", len(creds.Cookies)))
	}
	m.creds = creds
	return m.creds
}

// Invalidate drops the current snapshot after an observed auth failure so
// no further requests go out with a known-dead session.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = true
	m.creds = nil
}

// Refresh performs the interactive login protocol: fetch the login page,
// scrape the anti-forgery token from its meta tag, submit the credential
// form, and snapshot the resulting cookie jar. On success the snapshot is
// persisted to the cookie file and installed as the current credentials.
func (m *Manager) Refresh(ctx context.Context, username, password string) (*Credentials, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	token, err := m.scrapeToken(ctx, jar)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	creds, err := m.submitLogin(ctx, jar, token, username, password)
	if err != nil {
		return nil, err
	}

	if err := saveCookieFile(m.cfg.CookieFile, creds); err != nil {
		m.logger.Warn("could not persist session cookies", zap.Error(err))
	}

	m.mu.Lock()
	m.loaded = true
	m.creds = creds
	m.mu.Unlock()

	m.logger.Info("session refreshed", zap.Int("cookies", len(creds.Cookies)))
	return creds, nil
}

// scrapeToken loads the login page through colly and extracts the CSRF
// token from the csrf-token meta tag. The collector shares the jar so the
// pre-login session cookie pairs with the token.
func (m *Manager) scrapeToken(ctx context.Context, jar http.CookieJar) (string, error) {
	c := colly.NewCollector(colly.Async(false))
	c.SetCookieJar(jar)
	c.SetRequestTimeout(m.cfg.Timeout)
	if m.cfg.UserAgent != "" {
		c.UserAgent = m.cfg.UserAgent
	}

	var token string
	c.OnHTML(`meta[name="csrf-token"]`, func(e *colly.HTMLElement) {
		token = e.Attr("content")
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(m.cfg.LoginPageURL)
	}()
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("login page fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("fetch login page: %w", err)
		}
	}
	if token == "" {
		return "", fmt.Errorf("no authenticity token on login page")
	}
	return token, nil
}

// submitLogin posts the credential form without following redirects.
// Success is a 302, or a 200 carrying Set-Cookie, with a non-empty jar.
func (m *Manager) submitLogin(ctx context.Context, jar http.CookieJar, token, username, password string) (*Credentials, error) {
	form := url.Values{}
	form.Set(tokenField, token)
	form.Set(usernameField, username)
	form.Set(passwordField, password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.LoginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", m.cfg.LoginPageURL)
	if m.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", m.cfg.UserAgent)
	}

	client := &http.Client{
		Jar:     jar,
		Timeout: m.cfg.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: login post: %v", ErrAuthFailed, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	accepted := resp.StatusCode == http.StatusFound ||
		(resp.StatusCode == http.StatusOK && resp.Header.Get("Set-Cookie") != "")
	if !accepted {
		return nil, fmt.Errorf("%w: login rejected with status %d", ErrAuthFailed, resp.StatusCode)
	}

	loginURL, err := url.Parse(m.cfg.LoginURL)
	if err != nil {
		return nil, fmt.Errorf("parse login url: %w", err)
	}
	cookies := jar.Cookies(loginURL)
	if len(cookies) == 0 {
		return nil, fmt.Errorf("%w: login accepted but no session cookies set", ErrAuthFailed)
	}

	creds := &Credentials{Cookies: make([]Cookie, 0, len(cookies))}
	for _, ck := range cookies {
		stored := Cookie{
			Name:   ck.Name,
			Value:  ck.Value,
			Path:   ck.Path,
			Domain: ck.Domain,
			Secure: ck.Secure,
		}
		if stored.Domain == "" {
			stored.Domain = loginURL.Hostname()
		}
		if !ck.Expires.IsZero() {
			stored.Expires = ck.Expires.Unix()
		}
		creds.Cookies = append(creds.Cookies, stored)
	}
	return creds, nil
}

func loadCookieFile(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cookie file: %w", err)
	}
	var cookies []Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("decode cookie file: %w", err)
	}
	if len(cookies) == 0 {
		return nil, nil
	}
	return &Credentials{Cookies: cookies}, nil
}

// saveCookieFile persists the snapshot, replacing any prior contents. The
// write goes through a temp file so a crash never leaves a torn file.
func saveCookieFile(path string, creds *Credentials) error {
	data, err := json.Marshal(creds.Cookies)
	if err != nil {
		return fmt.Errorf("encode cookies: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cookie file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace cookie file: %w", err)
	}
	return nil
}
