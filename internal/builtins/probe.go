// Package builtins holds the contributions the shell registers by default.
package builtins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/danmuck/deskctl/internal/contrib"
	"github.com/danmuck/deskctl/internal/worker"
	"github.com/rs/zerolog/log"
)

var (
	ErrProbeFailed       = errors.New("builtins: worker probe failed")
	ErrProbeUnauthorized = errors.New("builtins: worker rejected shell token")
)

// EndpointFunc resolves the worker endpoint once startup has published it.
type EndpointFunc func() (worker.Endpoint, error)

// ProbeConfig tunes the readiness probe retry.
type ProbeConfig struct {
	Path            string
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		Path:            "/api/ping",
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsed:      15 * time.Second,
	}
}

// Probe confirms on start that the worker answers an authenticated request.
type Probe struct {
	cfg      ProbeConfig
	client   *http.Client
	endpoint EndpointFunc
}

// NewProbe uses client for requests; it should present the shell's
// credentials, as credentials.JarStore.Client does.
func NewProbe(cfg ProbeConfig, client *http.Client, endpoint EndpointFunc) *Probe {
	defaults := DefaultProbeConfig()
	if cfg.Path == "" {
		cfg.Path = defaults.Path
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaults.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaults.MaxInterval
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Probe{cfg: cfg, client: client, endpoint: endpoint}
}

func (p *Probe) Contribution() contrib.Contribution {
	return contrib.Contribution{Name: "probe", Start: p.Check}
}

// Check retries with exponential backoff until the worker answers 200. An
// auth rejection is not retried.
func (p *Probe) Check(ctx context.Context) error {
	ep, err := p.endpoint()
	if err != nil {
		return err
	}
	url := ep.URL() + p.cfg.Path

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialInterval
	b.MaxInterval = p.cfg.MaxInterval
	b.MaxElapsedTime = p.cfg.MaxElapsed

	attempts := 0
	op := func() error {
		attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			return nil
		case http.StatusUnauthorized, http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("%w: status %d", ErrProbeUnauthorized, resp.StatusCode))
		default:
			return fmt.Errorf("%w: status %d", ErrProbeFailed, resp.StatusCode)
		}
	}
	notify := func(err error, wait time.Duration) {
		log.Debug().Err(err).Str("url", url).Dur("retry_in", wait).Msg("builtins.Probe.Check retry")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		log.Error().Err(err).Str("url", url).Int("attempts", attempts).Msg("builtins.Probe.Check failed")
		return err
	}
	log.Info().Str("url", url).Int("attempts", attempts).Msg("builtins.Probe.Check worker reachable")
	return nil
}
