package backend

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/deskctl/internal/auth"
	"github.com/danmuck/deskctl/internal/worker"
	"github.com/rs/zerolog/log"
)

const (
	EnvWorkerHost  = "DESKCTL_WORKER_HOST"
	EnvWorkerPort  = "DESKCTL_WORKER_PORT"
	EnvCorsOrigins = "DESKCTL_WORKER_CORS_ORIGINS"

	shutdownTimeout = 5 * time.Second
	parentPoll      = time.Second
)

// ConfigFromEnv reads the worker settings the shell passes to a spawned
// worker. The token is read separately.
func ConfigFromEnv() Config {
	cfg := Config{Host: strings.TrimSpace(os.Getenv(EnvWorkerHost))}
	if raw := strings.TrimSpace(os.Getenv(EnvWorkerPort)); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil {
			cfg.Port = port
		}
	}
	for _, origin := range strings.Split(os.Getenv(EnvCorsOrigins), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CorsOrigins = append(cfg.CorsOrigins, origin)
		}
	}
	return cfg
}

// Env renders cfg as the environment ConfigFromEnv reads.
func (c Config) Env() map[string]string {
	env := map[string]string{}
	if c.Host != "" {
		env[EnvWorkerHost] = c.Host
	}
	if c.Port != 0 {
		env[EnvWorkerPort] = strconv.Itoa(c.Port)
	}
	if len(c.CorsOrigins) > 0 {
		env[EnvCorsOrigins] = strings.Join(c.CorsOrigins, ",")
	}
	return env
}

// Entry returns the in-process worker entrypoint. The token is read from the
// environment the supervisor prepared, as a spawned worker would. The server
// keeps serving until the process exits. A server bound after ctx ended is
// shut down again, since nobody is waiting for its endpoint.
func Entry(cfg Config) worker.EntryFunc {
	return func(ctx context.Context) (worker.Endpoint, error) {
		tok, err := auth.TokenFromEnv()
		if err != nil {
			return worker.Endpoint{}, err
		}
		cfg.Token = tok
		srv := NewServer(cfg)
		ep, err := srv.Start(ctx)
		if err != nil {
			return worker.Endpoint{}, err
		}
		if err := ctx.Err(); err != nil {
			shutdown(srv)
			return worker.Endpoint{}, err
		}
		return ep, nil
	}
}

// Main is Entry configured from the environment.
func Main(ctx context.Context) (worker.Endpoint, error) {
	return Entry(ConfigFromEnv())(ctx)
}

// RunWorker runs a spawned worker: bind, report the endpoint to the shell,
// then serve until ctx ends or the parent shell goes away.
func RunWorker(ctx context.Context) error {
	tok, err := auth.TokenFromEnv()
	if err != nil {
		return err
	}
	cfg := ConfigFromEnv()
	cfg.Token = tok
	srv := NewServer(cfg)

	ep, err := srv.Start(ctx)
	if err != nil {
		return err
	}
	if err := worker.Report(ep); err != nil {
		shutdown(srv)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchParent(ctx, cancel, os.Getppid())

	<-ctx.Done()
	shutdown(srv)
	return nil
}

func shutdown(srv *Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("backend.RunWorker shutdown failed")
	}
}

func watchParent(ctx context.Context, cancel context.CancelFunc, ppid int) {
	ticker := time.NewTicker(parentPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if os.Getppid() != ppid {
				log.Warn().Int("ppid", ppid).Msg("backend.RunWorker parent exited")
				cancel()
				return
			}
		}
	}
}
