package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce sync.Once

	sessionsFinished     *prometheus.CounterVec
	sessionDurationHist  *prometheus.HistogramVec
	epochsRecorded       prometheus.Counter
	eventsDropped        *prometheus.CounterVec
	activeCoordinators   prometheus.Gauge
	reservationsRejected prometheus.Counter
)

func ensureMetrics() {
	metricsOnce.Do(func() {
		sessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "training",
			Subsystem: "session",
			Name:      "finished_total",
			Help:      "Training sessions that reached a terminal status",
		}, []string{"status"})
		sessionDurationHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "training",
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Wall time from session start to terminal status",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"status"})
		epochsRecorded = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "training",
			Subsystem: "session",
			Name:      "epochs_recorded_total",
			Help:      "Epoch results appended to session stores",
		})
		eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "training",
			Subsystem: "coordinator",
			Name:      "events_dropped_total",
			Help:      "Peer events ignored by coordinators",
		}, []string{"reason"})
		activeCoordinators = promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "training",
			Subsystem: "coordinator",
			Name:      "active",
			Help:      "Coordinators currently driving a session",
		})
		reservationsRejected = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "training",
			Subsystem: "registry",
			Name:      "reservations_rejected_total",
			Help:      "Reservations rejected for lack of idle peers",
		})
	})
}

// SessionFinished 记录会话终态与耗时
func SessionFinished(status string, duration time.Duration) {
	ensureMetrics()
	sessionsFinished.WithLabelValues(status).Inc()
	sessionDurationHist.WithLabelValues(status).Observe(duration.Seconds())
}

// EpochRecorded 记录一次成功追加的 epoch 结果
func EpochRecorded() {
	ensureMetrics()
	epochsRecorded.Inc()
}

// EventDropped 记录被丢弃的事件
func EventDropped(reason string) {
	ensureMetrics()
	eventsDropped.WithLabelValues(reason).Inc()
}

// CoordinatorStarted / CoordinatorStopped 维护活跃协调器数量
func CoordinatorStarted() {
	ensureMetrics()
	activeCoordinators.Inc()
}

func CoordinatorStopped() {
	ensureMetrics()
	activeCoordinators.Dec()
}

// ReservationRejected 记录因空闲节点不足被拒绝的预留
func ReservationRejected() {
	ensureMetrics()
	reservationsRejected.Inc()
}
