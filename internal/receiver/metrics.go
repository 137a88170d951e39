package receiver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	resultOK    = "ok"
	resultError = "error"
)

// Metrics live in private prometheus registry, several receivers may coexist in one process (tests).
type Metrics struct {
	Registry     *prometheus.Registry
	Observations prometheus.Counter
	Malformed    prometheus.Counter
	Forwards     *prometheus.CounterVec
	Devices      prometheus.Gauge
	LogErrors    prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Observations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envrelay_observations_total",
			Help: "Valid telemetry frames received from bus.",
		}),
		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envrelay_malformed_frames_total",
			Help: "Frames discarded because of wrong length.",
		}),
		Forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envrelay_forwards_total",
			Help: "Sink deliveries by result.",
		}, []string{"result"}),
		Devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "envrelay_devices",
			Help: "Devices known to registry.",
		}),
		LogErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envrelay_log_errors_total",
			Help: "Messages logged at error level.",
		}),
	}
	m.Registry.MustRegister(
		m.Observations,
		m.Malformed,
		m.Forwards,
		m.Devices,
		m.LogErrors,
	)
	// pre-create label values so they show up as 0
	m.Forwards.WithLabelValues(resultOK)
	m.Forwards.WithLabelValues(resultError)
	return m
}

// Handler serves /metrics and /healthz.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}
