package rootscan

import (
	"fmt"
	"os"
	"strconv"
)

// Option to configure a Scanner.
type Option interface {
	apply(*config)
}

type config struct {
	workers     int
	asserts     bool
	wordSize    int
	errorLogger func(err error)
}

const (
	ENV_WORKERS     = "ROOTSCAN_WORKERS"
	ENV_ASSERTS     = "ROOTSCAN_ASSERTS"
	ENV_LISTEN_ADDR = "ROOTSCAN_LISTEN_ADDR"

	defaultListenAddr = "127.0.0.1:7091"
)

func makeDefaultConfig() (config, error) {
	cfg := config{
		errorLogger: func(err error) {},
	}
	if v := os.Getenv(ENV_WORKERS); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return config{}, fmt.Errorf("invalid %s=%q", ENV_WORKERS, v)
		}
		cfg.workers = n
	}
	if v := os.Getenv(ENV_ASSERTS); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return config{}, fmt.Errorf("invalid %s=%q: %w", ENV_ASSERTS, v, err)
		}
		cfg.asserts = b
	}
	return cfg, nil
}

// DefaultListenAddr returns the address Serve listens on when given an empty
// address: the ROOTSCAN_LISTEN_ADDR environment variable if set.
func DefaultListenAddr() string {
	if v := os.Getenv(ENV_LISTEN_ADDR); v != "" {
		return v
	}
	return defaultListenAddr
}

type optionFunc func(cfg *config)

func (f optionFunc) apply(cfg *config) {
	f(cfg)
}

// WithErrorLogger sets a function to be called with errors that do not fail
// a pause, such as a thread whose stack could not be located, and with errors
// from serving. Within a pause it is called from the goroutine calling Pause,
// but serving errors are reported from other goroutines, so f must be safe
// for concurrent use once Serve is called.
func WithErrorLogger(f func(err error)) Option {
	return optionFunc(func(cfg *config) {
		cfg.errorLogger = f
	})
}

// WithWorkers bounds the number of stacks scanned concurrently during a
// pause. Defaults to the ROOTSCAN_WORKERS environment variable, or GOMAXPROCS
// if that is not set either.
func WithWorkers(n int) Option {
	return optionFunc(func(cfg *config) {
		cfg.workers = n
	})
}

// WithAsserts makes contract violations panic instead of being reported as
// errors. Defaults to the ROOTSCAN_ASSERTS environment variable.
func WithAsserts(enabled bool) Option {
	return optionFunc(func(cfg *config) {
		cfg.asserts = enabled
	})
}

// WithWordSize sets the width in bytes of the words a stack is scanned as.
// Only 4 and 8 are accepted, and no more than the host's pointer size.
// Defaults to the host's pointer size.
func WithWordSize(n int) Option {
	return optionFunc(func(cfg *config) {
		cfg.wordSize = n
	})
}
