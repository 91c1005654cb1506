// Package telemetry provides Prometheus metrics, tracing and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollCycles        *prometheus.CounterVec // result=success|retry|exhausted|discarded|panic
	PollDropped       prometheus.Counter
	ArtifactOps       *prometheus.CounterVec // op=open|close, result=success|error|gone
	TokenRefreshes    *prometheus.CounterVec // result=success|error
	RewardClaims      *prometheus.CounterVec // result=success|duplicate|error
	OverlayBroadcasts *prometheus.CounterVec // result=success|error|skipped
	BridgeRequests    *prometheus.CounterVec // method, result=ok|error|timeout

	// Histograms (seconds)
	PollDuration prometheus.Observer

	// Gauges
	MonitoringActiveGauge prometheus.Gauge
	LiveChannelsGauge     prometheus.Gauge
	OpenArtifactsGauge    prometheus.Gauge
	BridgeConnectedGauge  prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{Name: "warden_poll_cycles_total", Help: "Poll cycle attempts by outcome"}, []string{"result"})
		PollDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "warden_poll_dropped_total", Help: "Timer firings dropped because a cycle was already running"})
		ArtifactOps = promauto.NewCounterVec(prometheus.CounterOpts{Name: "warden_artifact_ops_total", Help: "Tab/window open and close operations"}, []string{"op", "result"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "warden_token_refreshes_total", Help: "Interactive token authorizations"}, []string{"result"})
		RewardClaims = promauto.NewCounterVec(prometheus.CounterOpts{Name: "warden_reward_claims_total", Help: "Reward claim reports"}, []string{"result"})
		OverlayBroadcasts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "warden_overlay_broadcasts_total", Help: "Overlay broadcasts"}, []string{"result"})
		BridgeRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "warden_bridge_requests_total", Help: "Requests sent to the extension bridge"}, []string{"method", "result"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "warden_poll_duration_seconds", Help: "Poll cycle duration seconds", Buckets: prometheus.DefBuckets})
		MonitoringActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "warden_monitoring_active", Help: "Monitoring active=1 inactive=0"})
		LiveChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "warden_live_channels", Help: "Configured channels currently live"})
		OpenArtifactsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "warden_open_artifacts", Help: "Tabs/windows currently held in the registry"})
		BridgeConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "warden_bridge_connected", Help: "Extension bridge connected=1"})
	})
}

func incVec(v *prometheus.CounterVec, labels ...string) {
	if v != nil {
		v.WithLabelValues(labels...).Inc()
	}
}

func setBool(g prometheus.Gauge, b bool) {
	if g == nil {
		return
	}
	if b {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

// IncPollCycle counts one cycle attempt outcome.
func IncPollCycle(result string) { incVec(PollCycles, result) }

// IncPollDropped counts a timer firing skipped by the single-flight guard.
func IncPollDropped() {
	if PollDropped != nil {
		PollDropped.Inc()
	}
}

func IncArtifactOp(op, result string)        { incVec(ArtifactOps, op, result) }
func IncTokenRefresh(result string)          { incVec(TokenRefreshes, result) }
func IncRewardClaim(result string)           { incVec(RewardClaims, result) }
func IncOverlayBroadcast(result string)      { incVec(OverlayBroadcasts, result) }
func IncBridgeRequest(method, result string) { incVec(BridgeRequests, method, result) }
func SetMonitoringActive(active bool)        { setBool(MonitoringActiveGauge, active) }
func SetBridgeConnected(connected bool)      { setBool(BridgeConnectedGauge, connected) }

// SetLiveChannels records how many configured channels are live.
func SetLiveChannels(n int) {
	if LiveChannelsGauge != nil {
		LiveChannelsGauge.Set(float64(n))
	}
}

// SetOpenArtifacts records the registry size.
func SetOpenArtifacts(n int) {
	if OpenArtifactsGauge != nil {
		OpenArtifactsGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present, plus the
// trace and span ids when tracing is enabled.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	attrs := traceAttrs(ctx)
	if id := GetCorrelation(ctx); id != "" {
		attrs = append([]any{slog.String("corr", id)}, attrs...)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
