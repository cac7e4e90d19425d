package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "airguard_"

	ResultAccepted      = "accepted"
	ResultDuplicate     = "duplicate"
	ResultUnknownSensor = "unknown_sensor"
	ResultMalformed     = "malformed"
	ResultFailed        = "failed"
	ResultStatus        = "status"

	DeliverySent   = "sent"
	DeliveryRetry  = "retry"
	DeliveryFailed = "failed"
)

var (
	registerOnce sync.Once

	ingestMessages *prometheus.CounterVec
	ingestLatency  prometheus.Histogram
	ingestDropped  *prometheus.CounterVec
	evalDropped    prometheus.Counter
	evalErrors     prometheus.Counter

	alertEvents *prometheus.CounterVec

	notifications *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec

	sweepLatency    prometheus.Histogram
	stationsOffline prometheus.Gauge

	feedDropped *prometheus.CounterVec
)

// Init registers the collectors with reg, or with the default registerer
// when reg is nil. Only the first call has an effect.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		ingestMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_messages_total",
				Help: "Inbound sensor messages by source and result",
			},
			[]string{"source", "result"},
		)
		ingestLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Time to validate and persist one message",
				Buckets: prometheus.DefBuckets,
			},
		)
		ingestDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_dropped_total",
				Help: "Messages dropped because the intake queue was full",
			},
			[]string{"source"},
		)
		evalDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "evaluation_dropped_total",
				Help: "Readings persisted but not evaluated because the evaluation queue was full",
			},
		)
		evalErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "evaluation_errors_total",
				Help: "Evaluations that returned a non-fatal error",
			},
		)
		alertEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_events_total",
				Help: "Alert lifecycle events by type",
			},
			[]string{"event"},
		)
		notifications = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Notification delivery attempts by channel and outcome",
			},
			[]string{"channel", "result"},
		)
		queueDepth = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "queue_depth",
				Help: "Current depth of internal queues",
			},
			[]string{"queue"},
		)
		sweepLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "monitor_sweep_seconds",
				Help:    "Station monitor sweep duration",
				Buckets: prometheus.DefBuckets,
			},
		)
		stationsOffline = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "stations_offline",
				Help: "Stations currently offline after the last sweep",
			},
		)
		feedDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "feed_dropped_total",
				Help: "Live feed events dropped for slow consumers",
			},
			[]string{"sink"},
		)

		reg.MustRegister(
			ingestMessages,
			ingestLatency,
			ingestDropped,
			evalDropped,
			evalErrors,
			alertEvents,
			notifications,
			queueDepth,
			sweepLatency,
			stationsOffline,
			feedDropped,
		)
	})
}

// ObserveIngest counts one processed message and, for messages that reached
// the store, its processing time.
func ObserveIngest(source, result string, duration time.Duration) {
	if source == "" {
		source = "unknown"
	}
	if result == "" {
		result = ResultAccepted
	}
	if ingestMessages != nil {
		ingestMessages.WithLabelValues(source, result).Inc()
	}
	if ingestLatency != nil && duration > 0 {
		ingestLatency.Observe(duration.Seconds())
	}
}

func IncDropped(source string) {
	if source == "" {
		source = "unknown"
	}
	if ingestDropped != nil {
		ingestDropped.WithLabelValues(source).Inc()
	}
}

func IncEvalDropped() {
	if evalDropped != nil {
		evalDropped.Inc()
	}
}

func IncEvalError() {
	if evalErrors != nil {
		evalErrors.Inc()
	}
}

// IncAlertEvent increments alert lifecycle counters.
func IncAlertEvent(event string) {
	if event == "" {
		event = "unknown"
	}
	if alertEvents != nil {
		alertEvents.WithLabelValues(event).Inc()
	}
}

func ObserveNotification(channel, result string) {
	if channel == "" {
		channel = "unknown"
	}
	if notifications != nil {
		notifications.WithLabelValues(channel, result).Inc()
	}
}

func SetQueueDepth(queue string, depth int) {
	if queueDepth != nil {
		queueDepth.WithLabelValues(queue).Set(float64(depth))
	}
}

func ObserveSweep(duration time.Duration, offline int) {
	if sweepLatency != nil {
		sweepLatency.Observe(duration.Seconds())
	}
	if stationsOffline != nil {
		stationsOffline.Set(float64(offline))
	}
}

func IncFeedDropped(sink string) {
	if feedDropped != nil {
		feedDropped.WithLabelValues(sink).Inc()
	}
}
