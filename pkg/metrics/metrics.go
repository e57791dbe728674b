package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	StageMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stage_messages_total",
			Help: "Total number of messages handled by a stage (count)",
		},
		[]string{"stage", "status"},
	)

	StageErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stage_errors_total",
			Help: "Total number of errors absorbed by a stage (count)",
		},
		[]string{"stage", "kind"},
	)

	StageProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stage_processing_duration_ms",
			Help:    "Duration of one stage processing step in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"stage"},
	)

	StageState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stage_state",
			Help: "Stage lifecycle state (0=constructed, 1=initializing, 2=running, 3=draining, 4=stopped) (state code)",
		},
		[]string{"stage"},
	)

	ChannelMessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_messages_sent_total",
			Help: "Total number of messages accepted by a channel (count)",
		},
		[]string{"channel", "kind"},
	)

	ChannelMessagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_messages_received_total",
			Help: "Total number of messages delivered to consumers of a channel (count)",
		},
		[]string{"channel", "kind"},
	)

	ChannelOverwrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_overwritten_total",
			Help: "Total number of broadcast entries lost to a lagging consumer (count)",
		},
		[]string{"channel"},
	)

	ChannelSendBlockedDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "channel_send_blocked_duration_ms",
			Help:    "Time a producer spent suspended on a full channel in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
		[]string{"channel", "kind"},
	)

	TimingDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timing_drops_total",
			Help: "Total number of messages dropped by timing policy (count)",
		},
		[]string{"stage", "reason"},
	)

	TimingWatermark = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "timing_watermark_ms",
			Help: "Current watermark of a stage as milliseconds since epoch",
		},
		[]string{"stage"},
	)

	TimingWatermarkEmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timing_watermark_emissions_total",
			Help: "Total number of watermark emissions (count)",
		},
		[]string{"stage", "strategy"},
	)

	TimingProcessingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timing_processing_latency_ms",
			Help:    "Time between ingestion and processing of a message in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"stage"},
	)

	TimingJitterExceededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timing_jitter_exceeded_total",
			Help: "Total number of messages whose processing latency exceeded the jitter bound (count)",
		},
		[]string{"stage"},
	)

	SinkWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_writes_total",
			Help: "Total number of writes to external sinks (count)",
		},
		[]string{"stage", "sink", "status"},
	)

	SinkWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sink_write_duration_ms",
			Help:    "Duration of writes to external sinks in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"stage", "sink"},
	)

	DedupMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_messages_total",
			Help: "Total number of messages checked by deduplication stages (count)",
		},
		[]string{"stage", "status"},
	)

	RuleEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_evaluations_total",
			Help: "Total number of rule and filter evaluations (count)",
		},
		[]string{"stage", "result"},
	)

	FallbackUsageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallback_usage_total",
			Help: "Total number of times fallback strategies were used (count)",
		},
		[]string{"stage", "strategy", "reason"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"stage", "operation"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"stage", "topic"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"stage", "topic"},
	)

	KafkaMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_message_size_bytes",
			Help:    "Size of Kafka messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"stage", "topic", "direction"},
	)

	KafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag (difference between latest offset and committed offset) (count)",
		},
		[]string{"stage", "topic", "partition"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to a dead letter topic (count)",
		},
		[]string{"stage", "source_topic", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)
)

func RegisterStageMetrics() {
	prometheus.MustRegister(StageMessagesTotal)
	prometheus.MustRegister(StageErrorsTotal)
	prometheus.MustRegister(StageProcessingDuration)
	prometheus.MustRegister(StageState)
}

func RegisterChannelMetrics() {
	prometheus.MustRegister(ChannelMessagesSentTotal)
	prometheus.MustRegister(ChannelMessagesReceivedTotal)
	prometheus.MustRegister(ChannelOverwrittenTotal)
	prometheus.MustRegister(ChannelSendBlockedDuration)
}

func RegisterTimingMetrics() {
	prometheus.MustRegister(TimingDropsTotal)
	prometheus.MustRegister(TimingWatermark)
	prometheus.MustRegister(TimingWatermarkEmissionsTotal)
	prometheus.MustRegister(TimingProcessingLatency)
	prometheus.MustRegister(TimingJitterExceededTotal)
}

func RegisterProcessorMetrics() {
	prometheus.MustRegister(SinkWritesTotal)
	prometheus.MustRegister(SinkWriteDuration)
	prometheus.MustRegister(DedupMessagesTotal)
	prometheus.MustRegister(RuleEvaluationsTotal)
	prometheus.MustRegister(FallbackUsageTotal)
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(KafkaMessagesReadTotal)
	prometheus.MustRegister(KafkaMessagesWrittenTotal)
	prometheus.MustRegister(KafkaMessageSizeBytes)
	prometheus.MustRegister(KafkaConsumerLag)
	prometheus.MustRegister(DLQMessagesTotal)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func RegisterAdminMetrics() {
	prometheus.MustRegister(RateLimitRequestsTotal)
}

func IncStageMessages(stage, status string) {
	StageMessagesTotal.WithLabelValues(stage, status).Inc()
}

func IncStageErrors(stage, kind string) {
	StageErrorsTotal.WithLabelValues(stage, kind).Inc()
}

func ObserveStageDuration(stage string, duration time.Duration) {
	StageProcessingDuration.WithLabelValues(stage).Observe(float64(duration.Milliseconds()))
}

func SetStageState(stage string, state int) {
	StageState.WithLabelValues(stage).Set(float64(state))
}

func IncChannelSent(channel, kind string) {
	ChannelMessagesSentTotal.WithLabelValues(channel, kind).Inc()
}

func IncChannelReceived(channel, kind string) {
	ChannelMessagesReceivedTotal.WithLabelValues(channel, kind).Inc()
}

func AddChannelOverwritten(channel string, count uint64) {
	ChannelOverwrittenTotal.WithLabelValues(channel).Add(float64(count))
}

func ObserveChannelSendBlocked(channel, kind string, duration time.Duration) {
	ChannelSendBlockedDuration.WithLabelValues(channel, kind).Observe(float64(duration.Milliseconds()))
}

func IncTimingDrop(stage, reason string) {
	TimingDropsTotal.WithLabelValues(stage, reason).Inc()
}

func SetWatermark(stage, strategy string, watermark time.Time) {
	TimingWatermark.WithLabelValues(stage).Set(float64(watermark.UnixMilli()))
	TimingWatermarkEmissionsTotal.WithLabelValues(stage, strategy).Inc()
}

func ObserveProcessingLatency(stage string, latency time.Duration) {
	TimingProcessingLatency.WithLabelValues(stage).Observe(float64(latency.Milliseconds()))
}

func IncJitterExceeded(stage string) {
	TimingJitterExceededTotal.WithLabelValues(stage).Inc()
}

func IncSinkWrite(stage, sink, status string) {
	SinkWritesTotal.WithLabelValues(stage, sink, status).Inc()
}

func ObserveSinkWriteDuration(stage, sink string, duration time.Duration) {
	SinkWriteDuration.WithLabelValues(stage, sink).Observe(float64(duration.Milliseconds()))
}

func IncDedupMessages(stage, status string) {
	DedupMessagesTotal.WithLabelValues(stage, status).Inc()
}

func IncRuleEvaluation(stage, result string) {
	RuleEvaluationsTotal.WithLabelValues(stage, result).Inc()
}

func IncFallbackUsage(stage, strategy, reason string) {
	FallbackUsageTotal.WithLabelValues(stage, strategy, reason).Inc()
}

func IncRetryAttempt(stage, operation string) {
	RetryAttemptsTotal.WithLabelValues(stage, operation).Inc()
}

func IncKafkaMessagesRead(stage, topic string) {
	KafkaMessagesReadTotal.WithLabelValues(stage, topic).Inc()
}

func IncKafkaMessagesWritten(stage, topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(stage, topic).Inc()
}

func ObserveKafkaMessageSize(stage, topic, direction string, sizeBytes int) {
	KafkaMessageSizeBytes.WithLabelValues(stage, topic, direction).Observe(float64(sizeBytes))
}

func SetKafkaConsumerLag(stage, topic string, partition int, lag int64) {
	KafkaConsumerLag.WithLabelValues(stage, topic, fmt.Sprintf("%d", partition)).Set(float64(lag))
}

func IncDLQMessages(stage, sourceTopic, reason string) {
	DLQMessagesTotal.WithLabelValues(stage, sourceTopic, reason).Inc()
}
