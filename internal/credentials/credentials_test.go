package credentials

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/danmuck/deskctl/internal/auth"
	"github.com/danmuck/deskctl/internal/testutil/testlog"
	"github.com/danmuck/deskctl/internal/worker"
)

type failingStore struct{ err error }

func (f failingStore) Set(context.Context, Credential) error { return f.err }

func TestBrokerAttachScopesTokenToEndpoint(t *testing.T) {
	testlog.Start(t)
	store, err := NewJarStore()
	if err != nil {
		t.Fatalf("new jar: %v", err)
	}
	tok := auth.NewToken()
	broker := NewBroker(tok, store)

	if err := broker.Attach(context.Background(), worker.Endpoint{Port: 3000}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	value, ok := store.Lookup("http://localhost:3000", auth.EnvSecurityToken)
	if !ok {
		t.Fatalf("expected credential at http://localhost:3000")
	}
	got, err := auth.DecodeToken(value)
	if err != nil {
		t.Fatalf("decode stored value: %v", err)
	}
	if got != tok {
		t.Fatalf("expected %+v, got %+v", tok, got)
	}
	if _, ok := store.Lookup("http://127.0.0.1:3000", auth.EnvSecurityToken); ok {
		t.Fatalf("expected credential to be scoped to the localhost origin")
	}
}

type recordingStore struct{ creds []Credential }

func (r *recordingStore) Set(_ context.Context, cred Credential) error {
	r.creds = append(r.creds, cred)
	return nil
}

func TestBrokerAttachWritesEnvironmentTokenVerbatim(t *testing.T) {
	testlog.Start(t)
	tok := auth.NewToken()
	encoded, err := tok.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rec := &recordingStore{}
	if err := NewBroker(tok, rec).Attach(context.Background(), worker.Endpoint{Host: "127.0.0.1", Port: 4100}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if len(rec.creds) != 1 {
		t.Fatalf("expected one credential write, got %d", len(rec.creds))
	}
	cred := rec.creds[0]
	if cred.Value != encoded {
		t.Fatalf("expected credential value %q identical to worker env token, got %q", encoded, cred.Value)
	}
	if cred.Name != auth.EnvSecurityToken || cred.URL != "http://127.0.0.1:4100" {
		t.Fatalf("unexpected credential scope %+v", cred)
	}

	store, err := NewJarStore()
	if err != nil {
		t.Fatalf("new jar: %v", err)
	}
	if err := store.Set(context.Background(), cred); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, ok := store.Lookup(cred.URL, cred.Name); !ok || got != encoded {
		t.Fatalf("expected jar lookup %q, got %q (ok=%v)", encoded, got, ok)
	}
}

func TestBrokerAttachFailure(t *testing.T) {
	testlog.Start(t)
	denied := errors.New("store denied")
	broker := NewBroker(auth.NewToken(), failingStore{err: denied})

	err := broker.Attach(context.Background(), worker.Endpoint{Port: 3000})
	if !errors.Is(err, ErrTokenAttach) {
		t.Fatalf("expected ErrTokenAttach, got %v", err)
	}
	if !errors.Is(err, denied) {
		t.Fatalf("expected underlying cause, got %v", err)
	}

	if err := NewBroker(auth.Token{}, failingStore{}).Attach(context.Background(), worker.Endpoint{Port: 1}); !errors.Is(err, auth.ErrTokenMissing) {
		t.Fatalf("expected ErrTokenMissing for empty token, got %v", err)
	}
}

func TestJarStoreValidation(t *testing.T) {
	testlog.Start(t)
	store, err := NewJarStore()
	if err != nil {
		t.Fatalf("new jar: %v", err)
	}
	tests := []struct {
		name    string
		cred    Credential
		wantErr error
	}{
		{name: "bad scheme", cred: Credential{URL: "file:///tmp", Name: "x"}, wantErr: ErrInvalidURL},
		{name: "missing host", cred: Credential{URL: "http://", Name: "x"}, wantErr: ErrInvalidURL},
		{name: "missing name", cred: Credential{URL: "http://localhost:1"}, wantErr: ErrInvalidName},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := store.Set(context.Background(), tc.cred); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestJarClientPresentsCredential(t *testing.T) {
	testlog.Start(t)
	tok := auth.NewToken()
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(auth.EnvSecurityToken); err == nil {
			received = c.Value
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())

	store, err := NewJarStore()
	if err != nil {
		t.Fatalf("new jar: %v", err)
	}
	if err := NewBroker(tok, store).Attach(context.Background(), worker.Endpoint{Host: u.Hostname(), Port: port}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	resp, err := store.Client().Get(srv.URL + "/api/ping")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()

	got, err := auth.TokenFromCookie(received)
	if err != nil {
		t.Fatalf("decode received cookie %q: %v", received, err)
	}
	if got != tok {
		t.Fatalf("expected server to receive %+v, got %+v", tok, got)
	}
}
