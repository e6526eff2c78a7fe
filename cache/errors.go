package cache

import (
	"errors"

	"github.com/goliatone/go-query-sync/internal/cacheinfra"
)

var (
	// ErrClosed is returned by operations on a closed QueryCache.
	ErrClosed = errors.New("cache: closed")

	// ErrInvalidResultType is returned when cached data does not match the
	// type requested by a typed read.
	ErrInvalidResultType = errors.New("cache: invalid result type")

	// ErrNoData is returned by imperative reads when the entry holds no data
	// and no error, e.g. after it was reset while the read was waiting.
	ErrNoData = errors.New("cache: no data")

	// ErrPanic wraps a panic raised by a fetcher.
	ErrPanic = errors.New("cache: fetcher panicked")
)

// ConfigError represents a configuration validation error.
type ConfigError = cacheinfra.ConfigError
