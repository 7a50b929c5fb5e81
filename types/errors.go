package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigLoadFailed     = errors.New("config load failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
)

var (
	ErrCacheKeyEmpty     = errors.New("cache key empty")
	ErrCacheTypeUnknown  = errors.New("cache type unknown")
	ErrCacheIsDisabled   = errors.New("cache manager is disabled")
	ErrFactoryFailed     = errors.New("cache factory failed")
	ErrFactoryIsNil      = errors.New("cache factory is nil")
	ErrInvalidExpiration = errors.New("invalid expiration")
)

var (
	ErrCronJobNotFound       = errors.New("cron job not found")
	ErrCronSchedulerStopped  = errors.New("cron scheduler stopped")
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronJobFailed         = errors.New("cron job failed")
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
	ErrCronJobTimeout        = errors.New("cron job timeout")
)

var (
	ErrMetricsTypeUnknown   = errors.New("metrics type unknown")
	ErrMetricsConfigInvalid = errors.New("metrics config invalid")
	ErrMetricsIsDisabled    = errors.New("metrics manager is disabled")
	ErrMetricsNotRunning    = errors.New("metrics manager is not running")
)

var (
	ErrHealthCheckTimeout = errors.New("health check timeout")
)

var (
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
)

var (
	ErrServiceIsNotRunning = errors.New("service is not running")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrContextCancelled = errors.New("context cancelled")
	ErrNotInitialized   = errors.New("not initialized")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

// JoinError tags err with baseErr so both match errors.Is.
func JoinError(baseErr, err error) error {
	if err == nil {
		return baseErr
	}
	return fmt.Errorf("%w: %w", baseErr, err)
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
