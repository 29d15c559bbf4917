package testlog

import (
	"testing"

	"github.com/danmuck/deskctl/internal/logging"
	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Msgf("test=%s", t.Name())
}

// Logf mirrors t.Logf into the shared logger so test narration interleaves
// with component logs.
func Logf(format string, args ...any) {
	log.Debug().Msgf(format, args...)
}
