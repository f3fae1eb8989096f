package testlog

import (
	"os"
	"testing"

	"github.com/danmuck/homelink/internal/logging"
	"github.com/rs/zerolog"
)

// Start returns a debug logger for one test. It writes to stderr rather than
// t.Log so goroutines that outlive the test cannot panic the test binary.
func Start(t *testing.T) zerolog.Logger {
	t.Helper()
	log := logging.NewWithWriter(logging.ProfileTest, "", os.Stderr).With().Str("test", t.Name()).Logger()
	log.Debug().Msgf("test=%s", t.Name())
	return log
}
