package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"

	"golang.org/x/net/publicsuffix"
)

const (
	SessionCookie = "sessionid"
	CSRFCookie    = "csrftoken"
	CSRFHeader    = "X-CSRFToken"
)

type Config struct {
	BaseURL   string
	SessionID string
	CSRFToken string
}

func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base URL is required")
	}
	return nil
}

// Session carries the cookie-based credentials of the signed-in user.
// Cookies are seeded once from configuration; afterwards the jar is the
// source of truth, so a rotated csrftoken set by the backend is picked up.
type Session struct {
	base *url.URL
	jar  http.CookieJar

	mu            sync.RWMutex
	authenticated bool
	listeners     []func(bool)
}

func NewSession(config Config) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	var cookies []*http.Cookie
	if config.SessionID != "" {
		cookies = append(cookies, &http.Cookie{Name: SessionCookie, Value: config.SessionID, Path: "/"})
	}
	if config.CSRFToken != "" {
		cookies = append(cookies, &http.Cookie{Name: CSRFCookie, Value: config.CSRFToken, Path: "/"})
	}
	jar.SetCookies(base, cookies)

	return &Session{
		base:          base,
		jar:           jar,
		authenticated: config.SessionID != "",
	}, nil
}

// Jar is shared by the REST client and the socket dialer.
func (s *Session) Jar() http.CookieJar {
	return s.jar
}

func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// SetAuthenticated records an auth state change, e.g. after the backend
// rejected the session, and notifies listeners when the state flips.
func (s *Session) SetAuthenticated(v bool) {
	s.mu.Lock()
	changed := s.authenticated != v
	s.authenticated = v
	listeners := append([]func(bool){}, s.listeners...)
	s.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range listeners {
		fn(v)
	}
}

// OnChange registers fn to be called after each auth state flip.
func (s *Session) OnChange(fn func(authenticated bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// CSRFToken returns the current value of the csrftoken cookie.
func (s *Session) CSRFToken() string {
	for _, c := range s.jar.Cookies(s.base) {
		if c.Name == CSRFCookie {
			return c.Value
		}
	}
	return ""
}

// Decorate adds the CSRF header to state-changing requests.
func (s *Session) Decorate(req *http.Request) {
	if safeMethod(req.Method) {
		return
	}
	if token := s.CSRFToken(); token != "" {
		req.Header.Set(CSRFHeader, token)
	}
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
