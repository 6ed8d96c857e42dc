package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Operations counted by AuthMetrics.
const (
	OpLogin          = "login"
	OpRefresh        = "refresh"
	OpLogout         = "logout"
	OpLogoutAll      = "logout_all"
	OpReplayDetected = "replay_detected"
)

// AuthMetrics counts session operations by outcome. Each counter is named auth.<operation> and
// carries a result attribute ("success" or an error kind).
type AuthMetrics struct {
	counters map[string]metric.Int64Counter
}

// NewAuthMetrics registers the counters on meter.
func NewAuthMetrics(meter metric.Meter) (*AuthMetrics, error) {
	descriptions := map[string]string{
		OpLogin:          "Login attempts by result.",
		OpRefresh:        "Refresh token rotations by result.",
		OpLogout:         "Logout calls by result.",
		OpLogoutAll:      "Sign-out-everywhere calls by result.",
		OpReplayDetected: "Refresh token reuse detections.",
	}
	m := &AuthMetrics{counters: make(map[string]metric.Int64Counter, len(descriptions))}
	for op, desc := range descriptions {
		c, err := meter.Int64Counter("auth."+op, metric.WithDescription(desc), metric.WithUnit("{call}"))
		if err != nil {
			return nil, err
		}
		m.counters[op] = c
	}
	return m, nil
}

// Record adds one to the operation's counter. Unknown operations and a nil receiver are ignored.
func (m *AuthMetrics) Record(ctx context.Context, operation, result string) {
	if m == nil {
		return
	}
	c, ok := m.counters[operation]
	if !ok {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
