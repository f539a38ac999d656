package metrics

import "pricerelay/logger"

// DropMetric identifies the metric name emitted when work is discarded.
type DropMetric string

const (
	// DropMetricAccumulatorFrame records accumulator frames dropped on a full channel.
	DropMetricAccumulatorFrame DropMetric = "accumulator_frames_dropped"
	// DropMetricVAAFrame records signed root frames dropped on a full channel.
	DropMetricVAAFrame DropMetric = "vaa_frames_dropped"
	// DropMetricMalformedMessage records raw messages that failed to decode.
	DropMetricMalformedMessage DropMetric = "malformed_messages_dropped"
	// DropMetricInvalidSlot records slots whose signed root did not verify.
	DropMetricInvalidSlot DropMetric = "invalid_slots_dropped"
)

// EmitDropMetric logs and publishes one dropped item. Optional source and
// stage are attached as dimensions when set.
func EmitDropMetric(log *logger.Log, metric DropMetric, source, stage string) {
	if log == nil {
		log = logger.GetLogger()
	}
	fields := logger.Fields{}
	if source != "" {
		fields["source"] = source
	}
	if stage != "" {
		fields["stage"] = stage
	}

	if metric == DropMetricMalformedMessage {
		IncMalformed()
	}
	log.LogMetric("drops", string(metric), 1, "counter", fields)
}
