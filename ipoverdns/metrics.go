package ipoverdns

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// PrometheusResultLabel is the name of the label describing the outcome of an inbound frame.
	PrometheusResultLabel = "result"
	// PrometheusDirectionLabel is the name of the label describing the direction of a tunneled packet.
	PrometheusDirectionLabel = "direction"
	// PrometheusVerdictLabel is the name of the label describing the correlation verdict of a DNS query.
	PrometheusVerdictLabel = "verdict"
)

// Metrics are the prometheus counters of the tunnel engine. All methods are
// safe to call on a nil Metrics, in which case nothing is recorded.
type Metrics struct {
	frames           *prometheus.CounterVec
	packets          *prometheus.CounterVec
	queries          *prometheus.CounterVec
	queriesLost      prometheus.Counter
	sessionTeardowns prometheus.Counter
}

// NewMetrics returns metrics with all of their collectors initialised.
func NewMetrics() *Metrics {
	return &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipoverdns_frames_total",
			Help: "The number of inbound frames by the outcome of their processing",
		}, []string{PrometheusResultLabel}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipoverdns_packets_total",
			Help: "The number of tunneled packets completely sent or reassembled",
		}, []string{PrometheusDirectionLabel}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipoverdns_queries_total",
			Help: "The number of tunnel DNS queries by their correlation verdict",
		}, []string{PrometheusVerdictLabel}),
		queriesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipoverdns_queries_lost_total",
			Help: "The number of tunnel DNS queries that expired without an answer",
		}),
		sessionTeardowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipoverdns_session_teardowns_total",
			Help: "The number of sessions torn down for repeated protocol violations",
		}),
	}
}

// Register registers all collectors with the registerer.
func (metrics *Metrics) Register(registerer prometheus.Registerer) error {
	if metrics == nil {
		return nil
	}
	for _, collector := range []prometheus.Collector{metrics.frames, metrics.packets, metrics.queries, metrics.queriesLost, metrics.sessionTeardowns} {
		if err := registerer.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

func (metrics *Metrics) frame(result string) {
	if metrics != nil {
		metrics.frames.With(prometheus.Labels{PrometheusResultLabel: result}).Inc()
	}
}

func (metrics *Metrics) packet(direction string) {
	if metrics != nil {
		metrics.packets.With(prometheus.Labels{PrometheusDirectionLabel: direction}).Inc()
	}
}

func (metrics *Metrics) query(verdict CorrelationVerdict) {
	if metrics != nil {
		metrics.queries.With(prometheus.Labels{PrometheusVerdictLabel: verdict.String()}).Inc()
	}
}

func (metrics *Metrics) lostQueries(count int) {
	if metrics != nil && count > 0 {
		metrics.queriesLost.Add(float64(count))
	}
}

func (metrics *Metrics) teardown() {
	if metrics != nil {
		metrics.sessionTeardowns.Inc()
	}
}
