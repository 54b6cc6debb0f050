package subscription

import (
	"log/slog"
	"time"
)

// ServiceOption configures the service.
type ServiceOption func(*service)

// WithLogger sets the logger. Components add their own component attribute.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock replaces time.Now, mainly for proration tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics enables the billing counters.
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *service) {
		s.metrics = m
	}
}

// WithNotifier sets who is told about new subscriptions. Defaults to a no-op.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *service) {
		if n != nil {
			s.notifier = n
		}
	}
}
