// Package auth provides the shared trust token and minimal validation helpers.
//
// It intentionally avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
)

// EnvSecurityToken names both the worker environment variable and the
// credential the shell attaches for the worker endpoint.
const EnvSecurityToken = "DESKCTL_SECURITY_TOKEN"

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrTokenMissing = errors.New("auth: token missing")
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Token is the secret shared by the shell and its worker for one shell
// process lifetime.
type Token struct {
	Value string `json:"value"`
}

// NewToken generates a fresh random token.
func NewToken() Token {
	return Token{Value: uuid.NewString()}
}

// Encode returns the JSON form exchanged through the environment and the
// credential store.
func (t Token) Encode() (string, error) {
	if strings.TrimSpace(t.Value) == "" {
		return "", ErrTokenMissing
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeToken parses the JSON form produced by Encode.
func DecodeToken(raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Token{}, ErrTokenMissing
	}
	var t Token
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if strings.TrimSpace(t.Value) == "" {
		return Token{}, ErrTokenInvalid
	}
	return t, nil
}

// TokenFromEnv reads the token the shell placed in this process environment.
func TokenFromEnv() (Token, error) {
	return DecodeToken(os.Getenv(EnvSecurityToken))
}

// CookieValue percent-encodes the JSON form; quotes are not valid cookie octets.
func CookieValue(encoded string) string {
	return url.QueryEscape(encoded)
}

// TokenFromCookie reverses CookieValue and decodes the token.
func TokenFromCookie(value string) (Token, error) {
	raw, err := url.QueryUnescape(value)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return DecodeToken(raw)
}

// Validator returns a constant-time validator for the token value.
func (t Token) Validator() StaticToken {
	return StaticToken{Token: t.Value}
}

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken is a validator for a single shared token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}
