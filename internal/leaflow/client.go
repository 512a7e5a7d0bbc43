// Package leaflow is the HTTP client for the remote Leaflow service.
//
// Credentials are cookie bundles captured from a browser session; there is no
// API token scheme on the remote side, so every operation is a plain page
// fetch plus form/Inertia POST against the authenticated session.
package leaflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"leafcheck/internal/config"
	logx "leafcheck/pkg/logx"
)

// ErrAuthExpired marks a response that indicates the cookie bundle no longer
// authenticates. Callers surface this to the operator instead of retrying.
var ErrAuthExpired = errors.New("leaflow: authentication expired")

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

const maxBodySize = 4 << 20

// Client holds the per-process pieces shared by all account sessions:
// endpoint configuration and one circuit breaker. A remote outage trips the
// breaker once instead of timing out per account.
type Client struct {
	cfg     config.RemoteConfig
	log     logx.Logger
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

func NewClient(cfg config.RemoteConfig, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		cfg: cfg,
		log: log.With(logx.String("svc", "leaflow")),
	}
	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "leaflow",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("breaker state change",
				logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	return c
}

func (c *Client) baseURL() string {
	if u := strings.TrimSpace(c.cfg.BaseURL); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "https://leaflow.net"
}

func (c *Client) checkinURL() string {
	if u := strings.TrimSpace(c.cfg.CheckinURL); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "https://checkin.leaflow.net"
}

func (c *Client) userAgent() string {
	if ua := strings.TrimSpace(c.cfg.UserAgent); ua != "" {
		return ua
	}
	return defaultUserAgent
}

func (c *Client) timeout() time.Duration {
	return c.cfg.Timeout.Or(30 * time.Second)
}

// Session is one account's authenticated view of the remote service.
//
// The cookie jar replaces same-name cookies on Set-Cookie, which keeps the
// XSRF-TOKEN rotation during the redeem handshake from accumulating
// duplicates.
type Session struct {
	client  *Client
	http    *http.Client
	headers map[string]string
	log     logx.Logger
}

// NewSession builds a session from an account's credential bundle.
// tokenData accepts the JSON form {"cookies": {...}, "headers": {...}} or a
// raw semicolon cookie string.
func (c *Client) NewSession(tokenData, accountName string) (*Session, error) {
	bundle, err := ParseCookieString(tokenData)
	if err != nil {
		return nil, fmt.Errorf("leaflow: bad credential bundle: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	s := &Session{
		client: c,
		http: &http.Client{
			Jar:     jar,
			Timeout: c.timeout(),
		},
		headers: map[string]string{
			"User-Agent":                c.userAgent(),
			"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			"Accept-Language":           "zh-CN,zh;q=0.9,en;q=0.8",
			"Connection":                "keep-alive",
			"Upgrade-Insecure-Requests": "1",
		},
		log: c.log.With(logx.String("account", accountName)),
	}
	for k, v := range bundle.Headers {
		s.headers[k] = v
	}

	// Seed the jar for both hosts the session talks to.
	for _, raw := range []string{c.baseURL(), c.checkinURL()} {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		cookies := make([]*http.Cookie, 0, len(bundle.Cookies))
		for name, value := range bundle.Cookies {
			cookies = append(cookies, &http.Cookie{Name: name, Value: value})
		}
		jar.SetCookies(u, cookies)
	}

	return s, nil
}

// do executes one request through the shared breaker and returns the body.
func (s *Session) do(ctx context.Context, method, rawURL string, body io.Reader, extra map[string]string) (int, string, error) {
	resp, err := s.client.breaker.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
		if err != nil {
			return nil, err
		}
		for k, v := range s.headers {
			req.Header.Set(k, v)
		}
		for k, v := range extra {
			req.Header.Set(k, v)
		}
		return s.http.Do(req)
	})
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(b), nil
}

// cookieValue returns the named cookie's current value for the main site.
func (s *Session) cookieValue(name string) string {
	u, err := url.Parse(s.client.baseURL())
	if err != nil {
		return ""
	}
	for _, c := range s.http.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}
