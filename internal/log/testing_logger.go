package log

import (
	"testing"

	"github.com/rs/zerolog"
)

// NewTestingLogger routes debug-level output through t.Log so it only shows
// for failing or verbose tests.
func NewTestingLogger(t testing.TB) Logger {
	return &defaultLogger{
		Logger: zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel),
	}
}
