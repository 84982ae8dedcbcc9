// Package trace provides the shim's env-var-gated trace logging: lines are
// emitted only when RUST_LOG or DEMI_EPOLL_LOG is set to "trace", matching
// the backend's own logging convention so both layers can be switched on
// together.
package trace

import (
	"log"
	"os"
)

func enabled() bool {
	return os.Getenv("RUST_LOG") == "trace" || os.Getenv("DEMI_EPOLL_LOG") == "trace"
}

// Logf logs format/args if trace logging is enabled. Checking the
// environment on every call keeps this cheap enough to sprinkle through
// the hot submit/probe/sweep paths without a separate build mode.
func Logf(format string, args ...any) {
	if !enabled() {
		return
	}
	log.Printf("[trace] "+format, args...)
}
