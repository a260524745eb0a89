package monitoring

import (
	"context"
	"log/slog"
	"time"

	"peerprep/models"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bucketLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matching_bucket_length",
			Help: "Current number of waiting requests per bucket",
		},
		[]string{"difficulty", "topic"},
	)

	bucketOldestWait = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matching_bucket_oldest_wait_seconds",
			Help: "Wait time of the oldest request per bucket",
		},
		[]string{"difficulty", "topic"},
	)

	matchOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matching_operations_total",
			Help: "Total matching operations",
		},
		[]string{"operation", "status"},
	)

	hubConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_connections",
			Help: "Current number of open collaboration connections",
		},
	)

	residentSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_resident_sessions",
			Help: "Current number of sessions held in memory",
		},
	)

	handoffDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "session_handoff_duration_seconds",
			Help:    "Duration of session handoffs",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"outcome"},
	)

	brokerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_total",
			Help: "Messages published to or consumed from the broker",
		},
		[]string{"routing_key", "direction", "status"},
	)
)

// TrackMatchOperation counts a matching operation, e.g. ("pair", "success").
func TrackMatchOperation(operation, status string) {
	matchOperations.WithLabelValues(operation, status).Inc()
}

func ObserveHandoff(outcome string, d time.Duration) {
	handoffDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func AddHubConnections(delta int) {
	hubConnections.Add(float64(delta))
}

func SetResidentSessions(n int) {
	residentSessions.Set(float64(n))
}

func TrackBrokerMessage(routingKey, direction, status string) {
	brokerMessages.WithLabelValues(routingKey, direction, status).Inc()
}

type StatsSource interface {
	Stats(ctx context.Context) ([]models.BucketStats, error)
}

// Monitor periodically exports queue bucket gauges.
type Monitor struct {
	source    StatsSource
	scheduler gocron.Scheduler
}

func NewMonitor(source StatsSource, interval time.Duration) (*Monitor, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	m := &Monitor{source: source, scheduler: sched}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			m.CollectQueueMetrics(context.Background())
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Monitor) Start() {
	m.scheduler.Start()
}

func (m *Monitor) Shutdown() error {
	return m.scheduler.Shutdown()
}

func (m *Monitor) CollectQueueMetrics(ctx context.Context) {
	stats, err := m.source.Stats(ctx)
	if err != nil {
		slog.Warn("collect queue metrics", "error", err)
		return
	}

	bucketLength.Reset()
	bucketOldestWait.Reset()
	for _, s := range stats {
		bucketLength.WithLabelValues(string(s.Difficulty), s.Topic).Set(float64(s.Size))
		bucketOldestWait.WithLabelValues(string(s.Difficulty), s.Topic).Set(s.OldestWaitSeconds)
	}
}
