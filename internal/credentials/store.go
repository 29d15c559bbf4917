// Package credentials holds the shell-side credential store and the broker
// that attaches the trust token for a worker endpoint.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
)

var (
	ErrInvalidURL  = errors.New("credentials: invalid url")
	ErrInvalidName = errors.New("credentials: invalid name")
)

// Credential is a named value scoped to an origin.
type Credential struct {
	URL   string
	Name  string
	Value string
}

// Store persists credentials the shell's outbound clients present.
type Store interface {
	Set(ctx context.Context, cred Credential) error
}

// JarStore keeps credentials as cookies in an in-memory jar. Values are
// query-escaped on the wire, since JSON quotes are not valid cookie octets;
// Lookup returns the value exactly as it was set.
type JarStore struct {
	mu  sync.Mutex
	jar *cookiejar.Jar
}

func NewJarStore() (*JarStore, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &JarStore{jar: jar}, nil
}

func (s *JarStore) Set(ctx context.Context, cred Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u, err := parseOrigin(cred.URL)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cred.Name) == "" {
		return ErrInvalidName
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jar.SetCookies(u, []*http.Cookie{{
		Name:     cred.Name,
		Value:    url.QueryEscape(cred.Value),
		Path:     "/",
		HttpOnly: true,
	}})
	return nil
}

// Lookup returns the value stored for name at rawURL.
func (s *JarStore) Lookup(rawURL, name string) (string, bool) {
	u, err := parseOrigin(rawURL)
	if err != nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.jar.Cookies(u) {
		if c.Name == name {
			value, err := url.QueryUnescape(c.Value)
			if err != nil {
				return "", false
			}
			return value, true
		}
	}
	return "", false
}

// Client returns an http.Client that presents stored credentials.
func (s *JarStore) Client() *http.Client {
	return &http.Client{Jar: s.jar}
}

func parseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}
