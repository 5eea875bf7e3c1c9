package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/lagnet/go-lag-server/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	TCPRxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_messages_total",
		Help: "Total protocol messages received from TCP clients.",
	})
	TCPTxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_messages_total",
		Help: "Total protocol messages written to TCP clients.",
	})
	Broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcasts_total",
		Help: "Total broadcast messages staged for fan-out.",
	})
	Pings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pings_total",
		Help: "Total ping messages received (dropped by design).",
	})
	ImposterRejects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imposter_rejects_total",
		Help: "Total client updates dropped because the claimed id did not match the connection token.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (bad magic, unknown code, bad length, truncation).",
	})
	AcceptRejects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accept_rejects_total",
		Help: "Total accepted sockets dropped because the connection slab was full.",
	})
	ActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_clients",
		Help: "Current number of connected clients.",
	})
	BroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast tick.",
	})
	SendQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "send_queue_depth_max",
		Help: "Observed max queued messages among connections at the last tick.",
	})
	SendQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "send_queue_depth_avg",
		Help: "Approximate average queued messages per connection at the last tick.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead  = "tcp_read"
	ErrTCPWrite = "tcp_write"
	ErrAccept   = "accept"
	ErrProtocol = "protocol"
	ErrReactor  = "reactor"
	ErrImposter = "imposter"
)

// StartHTTP serves Prometheus metrics at /metrics on the given address.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localTCPRx     uint64
	localTCPTx     uint64
	localBroadcast uint64
	localPings     uint64
	localImposters uint64
	localMalformed uint64
	localRejects   uint64
	localErrors    uint64
	localClients   uint64
	localFanout    uint64
	localQDMax     uint64
	localQDAvg     uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	TCPRx         uint64
	TCPTx         uint64
	Broadcasts    uint64
	Pings         uint64
	Imposters     uint64
	Malformed     uint64
	AcceptRejects uint64
	Errors        uint64 // sum across error labels
	Clients       uint64
	Fanout        uint64
	QueueDepthMax uint64
	QueueDepthAvg uint64
}

func Snap() Snapshot {
	return Snapshot{
		TCPRx:         atomic.LoadUint64(&localTCPRx),
		TCPTx:         atomic.LoadUint64(&localTCPTx),
		Broadcasts:    atomic.LoadUint64(&localBroadcast),
		Pings:         atomic.LoadUint64(&localPings),
		Imposters:     atomic.LoadUint64(&localImposters),
		Malformed:     atomic.LoadUint64(&localMalformed),
		AcceptRejects: atomic.LoadUint64(&localRejects),
		Errors:        atomic.LoadUint64(&localErrors),
		Clients:       atomic.LoadUint64(&localClients),
		Fanout:        atomic.LoadUint64(&localFanout),
		QueueDepthMax: atomic.LoadUint64(&localQDMax),
		QueueDepthAvg: atomic.LoadUint64(&localQDAvg),
	}
}

// Wrapper helpers to keep call sites simple.
func IncTCPRx() {
	TCPRxMessages.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxMessages.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncBroadcast() {
	Broadcasts.Inc()
	atomic.AddUint64(&localBroadcast, 1)
}

func IncPing() {
	Pings.Inc()
	atomic.AddUint64(&localPings, 1)
}

func IncImposter() {
	ImposterRejects.Inc()
	atomic.AddUint64(&localImposters, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncAcceptReject() {
	AcceptRejects.Inc()
	atomic.AddUint64(&localRejects, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func SetClients(n int) {
	ActiveClients.Set(float64(n))
	atomic.StoreUint64(&localClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	BroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

// SetQueueDepth records a snapshot of max and avg send-queue depth.
func SetQueueDepth(max, avg int) {
	SendQueueDepthMax.Set(float64(max))
	SendQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrAccept,
		ErrProtocol, ErrReactor, ErrImposter,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
