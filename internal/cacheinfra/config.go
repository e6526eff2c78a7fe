package cacheinfra

import (
	"errors"
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/viccon/sturdyc"
)

// RetentionConfig configures the store that keeps entries alive after their
// last subscriber leaves.
type RetentionConfig struct {
	// Window is how long a zero-subscriber entry stays recoverable.
	// Zero disables retention: entries are evicted immediately.
	Window time.Duration

	// Capacity defines the maximum number of retained entries.
	// Must be greater than 0 when Window is set.
	Capacity int

	// NumShards determines the number of store shards for concurrent access.
	// Must be greater than 0 when Window is set. Default: 16
	NumShards int

	// EvictionPercentage specifies what percentage of entries to evict
	// when the store reaches its capacity. Must be between 1-100.
	EvictionPercentage int

	// EvictionInterval sets how often the store sweeps expired entries.
	// Zero value uses the sturdyc default.
	EvictionInterval time.Duration
}

// DefaultRetentionConfig returns a disabled retention configuration with
// sizing defaults ready for when a window is set.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Window:             0,
		Capacity:           1000,
		NumShards:          16,
		EvictionPercentage: 10,
	}
}

// Enabled reports whether entries should be retained at all.
func (c RetentionConfig) Enabled() bool {
	return c.Window > 0
}

// ToSturdycOptions converts the optional settings to sturdyc options.
// Capacity, NumShards, Window and EvictionPercentage go to sturdyc.New directly.
func (c RetentionConfig) ToSturdycOptions() []sturdyc.Option {
	var options []sturdyc.Option
	if c.EvictionInterval > 0 {
		options = append(options, sturdyc.WithEvictionInterval(c.EvictionInterval))
	}
	return options
}

// Validate checks if the configuration values are valid.
// ozzo threshold rules skip zero values, so Required guards the sizing fields.
func (c RetentionConfig) Validate() error {
	enabled := c.Enabled()
	return FirstConfigError(validation.ValidateStruct(&c,
		validation.Field(&c.Window, validation.Min(time.Duration(0)).Error("must be non-negative")),
		validation.Field(&c.Capacity, validation.When(enabled,
			validation.Required.Error("must be greater than 0"),
			validation.Min(1).Error("must be greater than 0"))),
		validation.Field(&c.NumShards, validation.When(enabled,
			validation.Required.Error("must be greater than 0"),
			validation.Min(1).Error("must be greater than 0"))),
		validation.Field(&c.EvictionPercentage, validation.When(enabled,
			validation.Required.Error("must be between 1 and 100"),
			validation.Min(1).Error("must be between 1 and 100"),
			validation.Max(100).Error("must be between 1 and 100"))),
		validation.Field(&c.EvictionInterval, validation.Min(time.Duration(0)).Error("must be non-negative")),
	))
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}

// FirstConfigError converts the result of an ozzo validation into a
// ConfigError for the first failing field in alphabetical order.
// Non validation errors are returned untouched.
func FirstConfigError(err error) error {
	if err == nil {
		return nil
	}

	var fieldErrs validation.Errors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	fields := make([]string, 0, len(fieldErrs))
	for field, ferr := range fieldErrs {
		if ferr != nil {
			fields = append(fields, field)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	sort.Strings(fields)

	first := fields[0]
	return &ConfigError{Field: first, Message: fieldErrs[first].Error()}
}
