package fetcher

import (
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testOptions(baseURL string) Options {
	return Options{
		BaseURL:       baseURL,
		Timeout:       time.Second,
		UserAgent:     "test",
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}
