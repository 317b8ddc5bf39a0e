package testutil

import (
	"io"
	"log"
	"os"
	"testing"
)

// TestLogger returns a logger for test fixtures. Output is discarded
// unless the test runs verbose; background goroutines may keep logging
// after the test ends, so it never writes through testing.T.
func TestLogger(t *testing.T) *log.Logger {
	var out io.Writer = io.Discard
	if testing.Verbose() {
		out = os.Stderr
	}
	return log.New(out, "[test] ", log.LstdFlags)
}
