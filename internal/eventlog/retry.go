package eventlog

import (
	"math/rand"
	"strings"
	"time"
)

// retryConfig controls the backoff applied to transient SQLite errors.
// Under WAL-mode SQLite with several writers, SQLITE_BUSY/LOCKED and
// IOERR_SHORT_READ are transient and worth a short exponential retry on
// top of the busy_timeout pragma.
//
// A node's log takes writes from every locally-hosted agent's turn loop,
// its autonomy self-wake loop, and any tool iteration within a turn, all
// landing on the same on-disk file concurrently, so this tunes toward
// more attempts at a shorter base delay: a turn already pays LLM Gateway
// latency per iteration, so a Log.Append retry loop should not add
// hundreds of milliseconds on top of that on the common case.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetryConfig = retryConfig{
	maxRetries: 5,
	baseDelay:  20 * time.Millisecond,
	maxDelay:   750 * time.Millisecond,
}

func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
		"(522)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func retryOnContention(fn func() error) error {
	cfg := defaultRetryConfig
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransientSQLiteErr(lastErr) {
			return lastErr
		}
		if attempt < cfg.maxRetries {
			time.Sleep(backoffDelay(cfg, attempt))
		}
	}
	return lastErr
}

func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	delay := cfg.baseDelay << uint(attempt)
	if delay > cfg.maxDelay {
		delay = cfg.maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(cfg.baseDelay)))
	return delay + jitter
}
