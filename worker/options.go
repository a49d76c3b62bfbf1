package worker

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Option func(m *Manager)

// WithLogger replaces the manager's logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.log = l.Named("manager").Sugar()
	}
}

// WithLogLevel raises the minimum level of the manager's logger.
func WithLogLevel(l zapcore.Level) Option {
	return func(m *Manager) {
		m.log = m.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithRequestTimeout bounds how long a single submitted request may stay
// pending before it fails locally. Default: 30s.
func WithRequestTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.requestTimeout = d
	}
}

// WithStartupTimeout bounds the config->ready handshake. Default: 60s.
func WithStartupTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.startupTimeout = d
	}
}

// WithPingInterval sets the keepalive interval. Default: 30s.
func WithPingInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.pingInterval = d
	}
}

// WithMaxRestartAttempts bounds automatic restarts after abnormal exits.
// Default: 3. Zero disables automatic restarts entirely.
func WithMaxRestartAttempts(n int) Option {
	return func(m *Manager) {
		m.maxRestartAttempts = n
	}
}

// WithRestartDelay sets the fixed delay before each restart attempt.
// Default: 5s.
func WithRestartDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.restartDelay = d
	}
}

// WithStopGracePeriod sets how long Stop waits after SIGTERM before
// escalating to SIGKILL. Default: 3s.
func WithStopGracePeriod(d time.Duration) Option {
	return func(m *Manager) {
		m.stopGracePeriod = d
	}
}
