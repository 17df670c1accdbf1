// Package metrics exposes the daemon's Prometheus collectors behind
// GET /metrics (§6). Built once at startup and passed explicitly to every
// collaborator that increments a counter, matching the "process-wide
// stateful services constructed once" design note rather than a package
// singleton.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/mem"
)

// Registry wraps the daemon's Prometheus collectors.
type Registry struct {
	reg *prometheus.Registry

	startedAt time.Time

	TradesTotal       *prometheus.CounterVec
	PositionsOpen     prometheus.Gauge
	CrashesTotal      prometheus.Counter
	LastRecoverySecs  prometheus.Gauge
	APIRequestsTotal  *prometheus.CounterVec
	APIErrorsTotal    prometheus.Counter
	BracketRetries    prometheus.Counter
	HealthDegraded    prometheus.Gauge
	UptimeSeconds     prometheus.GaugeFunc
	MemoryUsedPercent prometheus.GaugeFunc
}

// New constructs and registers every collector the daemon emits. Collectors
// are constructed with prometheus.New... directly (not promauto) so the
// registry stays an explicit, passed-in dependency rather than relying on
// the global default registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	startedAt := time.Now()

	r := &Registry{
		reg:       reg,
		startedAt: startedAt,
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradingd_trades_total",
			Help: "Total trades opened, by exit reason once closed.",
		}, []string{"exit_reason"}),
		PositionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradingd_positions_open",
			Help: "Number of positions currently open across all users.",
		}),
		CrashesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradingd_crashes_total",
			Help: "Number of executor crashes (fatal, non-degraded exits).",
		}),
		LastRecoverySecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradingd_last_recovery_time_seconds",
			Help: "Wall-clock duration of the most recent startup reconciliation pass.",
		}),
		APIRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradingd_api_requests_total",
			Help: "Total HTTP requests served, by route and status class.",
		}, []string{"route", "status"}),
		APIErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradingd_api_errors_total",
			Help: "Total HTTP requests that returned >= 400.",
		}),
		BracketRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradingd_bracket_retries_total",
			Help: "Total bracket attach retry attempts across all users.",
		}),
		HealthDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradingd_users_degraded",
			Help: "Number of users currently flagged degraded (manual intervention required).",
		}),
	}
	r.UptimeSeconds = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tradingd_uptime_seconds",
		Help: "Seconds since process start.",
	}, func() float64 { return time.Since(startedAt).Seconds() })
	r.MemoryUsedPercent = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tradingd_memory_used_percent",
		Help: "System memory utilization percentage (gopsutil).",
	}, func() float64 {
		stat, err := mem.VirtualMemory()
		if err != nil {
			return 0
		}
		return stat.UsedPercent
	})

	reg.MustRegister(
		r.TradesTotal, r.PositionsOpen, r.CrashesTotal, r.LastRecoverySecs,
		r.APIRequestsTotal, r.APIErrorsTotal, r.BracketRetries, r.HealthDegraded,
		r.UptimeSeconds, r.MemoryUsedPercent,
	)
	return r
}

// Registerer exposes the underlying prometheus.Registry for promhttp.HandlerFor.
func (r *Registry) Registerer() *prometheus.Registry { return r.reg }

func (r *Registry) Uptime() time.Duration { return time.Since(r.startedAt) }
