package transport

import (
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/goliatone/go-query-sync/internal/cacheinfra"
	"go.uber.org/zap"
)

// ConfigError reports the first invalid configuration field.
type ConfigError = cacheinfra.ConfigError

// Config holds the settings of the API client.
type Config struct {
	// BaseURL is the API root, e.g. http://localhost:8000/api. Required.
	BaseURL string

	// Timeout bounds every request, including reading the response.
	// Default: 10s
	Timeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string

	// RateLimit caps outgoing requests per second. Zero disables limiting.
	RateLimit float64

	// Burst is the limiter bucket size. Must be positive when RateLimit is set.
	Burst int

	// MaxErrorBody bounds how much of an error response is kept.
	MaxErrorBody int64

	// Logger receives request level debug logs. Default: no-op.
	Logger *zap.Logger

	// HTTPClient overrides the underlying client. Its Timeout is replaced
	// by Config.Timeout.
	HTTPClient *http.Client
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      10 * time.Second,
		UserAgent:    "go-query-sync",
		MaxErrorBody: 64 << 10,
	}
}

// Validate checks if the configuration values are valid.
func (c Config) Validate() error {
	return cacheinfra.FirstConfigError(validation.ValidateStruct(&c,
		validation.Field(&c.BaseURL,
			validation.Required.Error("cannot be empty"),
			is.URL.Error("must be a valid URL")),
		validation.Field(&c.Timeout,
			validation.Required.Error("must be greater than 0"),
			validation.Min(time.Duration(1)).Error("must be greater than 0")),
		validation.Field(&c.RateLimit, validation.Min(0.0).Error("must be non-negative")),
		validation.Field(&c.Burst, validation.When(c.RateLimit > 0,
			validation.Required.Error("must be greater than 0 when rate limiting"),
			validation.Min(1).Error("must be greater than 0 when rate limiting"))),
		validation.Field(&c.MaxErrorBody, validation.Min(int64(0)).Error("must be non-negative")),
	))
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.MaxErrorBody == 0 {
		c.MaxErrorBody = DefaultConfig().MaxErrorBody
	}
	return c
}
