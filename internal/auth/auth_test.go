package auth

import (
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/deskctl/internal/testutil/testlog"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			testlog.Logf("auth/static-token: stored=%q input=%q", tc.stored, tc.input)
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}

func TestNewTokenIsNeverReused(t *testing.T) {
	testlog.Start(t)
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		tok := NewToken()
		if tok.Value == "" {
			t.Fatalf("expected non-empty token value")
		}
		if _, ok := seen[tok.Value]; ok {
			t.Fatalf("token reused across generations: %q", tok.Value)
		}
		seen[tok.Value] = struct{}{}
	}
}

func TestEncodeDecodeRoundTripAndEnv(t *testing.T) {
	testlog.Start(t)
	tok := NewToken()
	encoded, err := tok.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasPrefix(encoded, `{"value":"`) {
		t.Fatalf("unexpected encoded form: %s", encoded)
	}

	t.Setenv(EnvSecurityToken, encoded)
	fromEnv, err := TokenFromEnv()
	if err != nil {
		t.Fatalf("token from env: %v", err)
	}
	if fromEnv != tok {
		t.Fatalf("expected %+v from env, got %+v", tok, fromEnv)
	}

	fromCookie, err := TokenFromCookie(CookieValue(encoded))
	if err != nil {
		t.Fatalf("token from cookie: %v", err)
	}
	if err := tok.Validator().Validate(fromCookie.Value); err != nil {
		t.Fatalf("expected cookie token to validate, got %v", err)
	}
}

func TestDecodeTokenFailures(t *testing.T) {
	testlog.Start(t)
	if _, err := DecodeToken(""); !errors.Is(err, ErrTokenMissing) {
		t.Fatalf("expected ErrTokenMissing, got %v", err)
	}
	if _, err := DecodeToken("not-json"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for garbage, got %v", err)
	}
	if _, err := DecodeToken(`{"value":""}`); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for empty value, got %v", err)
	}
	if _, err := (Token{}).Encode(); !errors.Is(err, ErrTokenMissing) {
		t.Fatalf("expected ErrTokenMissing encoding zero token, got %v", err)
	}
}
