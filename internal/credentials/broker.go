package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/deskctl/internal/auth"
	"github.com/danmuck/deskctl/internal/worker"
	"github.com/rs/zerolog/log"
)

var ErrTokenAttach = errors.New("credentials: token attach failed")

// AttachError reports a credential write that failed for an endpoint.
type AttachError struct {
	URL string
	Err error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("credentials: attach token for %s: %v", e.URL, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

func (e *AttachError) Is(target error) bool { return target == ErrTokenAttach }

// Broker owns the token for one shell lifetime and publishes it to the
// credential store once the worker endpoint is known.
type Broker struct {
	token auth.Token
	store Store
}

func NewBroker(token auth.Token, store Store) *Broker {
	return &Broker{token: token, store: store}
}

func (b *Broker) Token() auth.Token {
	return b.token
}

// Attach records the token under auth.EnvSecurityToken scoped to the
// endpoint origin.
func (b *Broker) Attach(ctx context.Context, ep worker.Endpoint) error {
	origin := ep.URL()
	if b.store == nil {
		return &AttachError{URL: origin, Err: errors.New("no credential store")}
	}
	encoded, err := b.token.Encode()
	if err != nil {
		return &AttachError{URL: origin, Err: err}
	}
	err = b.store.Set(ctx, Credential{
		URL:   origin,
		Name:  auth.EnvSecurityToken,
		Value: encoded,
	})
	if err != nil {
		log.Error().Err(err).Str("url", origin).Msg("credentials.Broker.Attach failed")
		return &AttachError{URL: origin, Err: err}
	}
	log.Debug().Str("url", origin).Msg("credentials.Broker.Attach stored token")
	return nil
}
