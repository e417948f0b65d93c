// Package metrics registers the directory's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "echoboard"

var startTime = time.Now()

// MembershipOperationsTotal counts directory mutations.
// Labels:
//   - op: operation name (e.g. "add_member", "leave")
//   - result: "ok" or the rejection kind
var MembershipOperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "membership_operations_total",
		Help:      "Total number of membership operations, by operation and result.",
	},
	[]string{"op", "result"},
)

// MembershipEventsTotal counts processed membership events by type.
var MembershipEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "membership_events_total",
		Help:      "Total number of membership events processed.",
	},
	[]string{"type"},
)

// PermissionChecksTotal counts permission decisions.
// Labels:
//   - action: requested action
//   - allowed: "true" or "false"
var PermissionChecksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "permission_checks_total",
		Help:      "Total number of permission checks, by action and decision.",
	},
	[]string{"action", "allowed"},
)

// PermissionCacheTotal counts cache lookups, labelled "hit" or "miss".
var PermissionCacheTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "permission_cache_total",
		Help:      "Total number of permission cache lookups, by result.",
	},
	[]string{"result"},
)

// QueueAsyncEnabled is 1 when events go through Redis.
var QueueAsyncEnabled = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_async_enabled",
		Help:      "Whether the async event queue (Redis) is enabled (1=yes, 0=no).",
	},
)

var _ = promauto.NewGaugeFunc(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since server start in seconds.",
	},
	func() float64 { return time.Since(startTime).Seconds() },
)

// ObserveOperation records the outcome of one directory operation.
func ObserveOperation(op string, err error) {
	MembershipOperationsTotal.WithLabelValues(op, ResultLabel(err)).Inc()
}

// ObservePermission records a permission decision.
func ObservePermission(action string, allowed bool) {
	label := "false"
	if allowed {
		label = "true"
	}
	PermissionChecksTotal.WithLabelValues(action, label).Inc()
}

// SetQueueAsync reports which event queue is active.
func SetQueueAsync(async bool) {
	if async {
		QueueAsyncEnabled.Set(1)
		return
	}
	QueueAsyncEnabled.Set(0)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
