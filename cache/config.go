package cache

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-query-sync/internal/cacheinfra"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MaxRetry bounds the number of additional attempts a fetch can make.
const MaxRetry = 10

// Config exposes cache configuration options for consumers of the cache package.
// Start from DefaultConfig: the zero Config is valid but neither retries nor
// shares structure.
type Config struct {
	// StaleTime is how long resolved data satisfies new subscribers without
	// a fetch. Zero marks data stale as soon as it resolves. Default: 0
	StaleTime time.Duration

	// Retry is the number of additional attempts after a failed fetch.
	// DefaultConfig sets 1; the zero value makes no retries.
	Retry int

	// RetryDelay returns the pause before retry attempt n (0 based).
	// Nil uses DefaultRetryDelay.
	RetryDelay func(attempt int) time.Duration

	// Retention keeps zero-subscriber entries recoverable for a window.
	Retention RetentionConfig

	// StructuralSharing keeps the previous data value when a refetch
	// resolves to an identical payload. DefaultConfig enables it; the zero
	// value always replaces the data.
	StructuralSharing bool

	// Logger receives dispatch and failure logs. Nil uses zap.NewNop().
	Logger *zap.Logger

	// Registerer receives the cache metrics. Nil disables registration.
	Registerer prometheus.Registerer

	// TracerProvider produces fetch and mutation spans. Nil disables tracing.
	TracerProvider trace.TracerProvider

	// Now is the clock used for freshness. Nil uses time.Now.
	Now func() time.Time
}

// RetentionConfig mirrors the retention store options.
type RetentionConfig struct {
	Window             time.Duration
	Capacity           int
	NumShards          int
	EvictionPercentage int
	EvictionInterval   time.Duration
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StaleTime:         0,
		Retry:             1,
		RetryDelay:        DefaultRetryDelay,
		Retention:         convertFromInternal(cacheinfra.DefaultRetentionConfig()),
		StructuralSharing: true,
	}
}

// DefaultRetryDelay doubles from one second and caps at thirty seconds.
func DefaultRetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 5 {
		return 30 * time.Second
	}
	return time.Second << attempt
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.StaleTime, validation.Min(time.Duration(0)).Error("must be non-negative")),
		validation.Field(&c.Retry,
			validation.Min(0).Error("must be between 0 and 10"),
			validation.Max(MaxRetry).Error("must be between 0 and 10")),
	)
	if err != nil {
		return cacheinfra.FirstConfigError(err)
	}
	return c.Retention.toInternal().Validate()
}

func (c Config) withDefaults() Config {
	if c.RetryDelay == nil {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func (c RetentionConfig) toInternal() cacheinfra.RetentionConfig {
	return cacheinfra.RetentionConfig{
		Window:             c.Window,
		Capacity:           c.Capacity,
		NumShards:          c.NumShards,
		EvictionPercentage: c.EvictionPercentage,
		EvictionInterval:   c.EvictionInterval,
	}
}

func convertFromInternal(cfg cacheinfra.RetentionConfig) RetentionConfig {
	return RetentionConfig{
		Window:             cfg.Window,
		Capacity:           cfg.Capacity,
		NumShards:          cfg.NumShards,
		EvictionPercentage: cfg.EvictionPercentage,
		EvictionInterval:   cfg.EvictionInterval,
	}
}
