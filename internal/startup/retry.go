package startup

import (
	"os"
	"time"

	"github.com/skillsync/internal/logger"
)

// retry calls connect until it succeeds. Backoff starts at 2s and doubles up
// to 30s; after maxWait the process exits.
func retry[T any](what string, maxWait time.Duration, logPrefix string, connect func() (T, error)) T {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		v, err := connect()
		if err == nil {
			return v
		}
		if time.Now().After(deadline) {
			logger.Errorf("%s%s (gave up after %v): %v", logPrefix, what, maxWait, err)
			os.Exit(1)
		}
		logger.Errorf("%s%s failed, retry in %v: %v", logPrefix, what, backoff, err)
		time.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
