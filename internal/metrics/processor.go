package metrics

import "pricerelay/logger"

// IngestStats holds counters of an ingest processor.
type IngestStats struct {
	FramesProcessed int64
	SlotsFinalized  int64
	SlotsInvalid    int64
	ErrorsCount     int64
	AccumulatorLen  int
	AccumulatorCap  int
	VAALen          int
	VAACap          int
}

// ReportIngest emits the ingest processor metrics.
func ReportIngest(log *logger.Log, stats IngestStats) {
	l := log.WithComponent("ingest")

	errorRate := float64(0)
	if stats.FramesProcessed+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.FramesProcessed+stats.ErrorsCount)
	}

	l.LogMetric("ingest", "frames_processed", stats.FramesProcessed, "counter", logger.Fields{})
	l.LogMetric("ingest", "slots_finalized", stats.SlotsFinalized, "counter", logger.Fields{})
	l.LogMetric("ingest", "slots_invalid", stats.SlotsInvalid, "counter", logger.Fields{})
	l.LogMetric("ingest", "errors_count", stats.ErrorsCount, "counter", logger.Fields{})
	l.LogMetric("ingest", "error_rate", errorRate, "gauge", logger.Fields{})

	l.WithFields(logger.Fields{
		"frames_processed": stats.FramesProcessed,
		"slots_finalized":  stats.SlotsFinalized,
		"slots_invalid":    stats.SlotsInvalid,
		"errors_count":     stats.ErrorsCount,
		"error_rate":       errorRate,
		"accumulator_len":  stats.AccumulatorLen,
		"accumulator_cap":  stats.AccumulatorCap,
		"vaa_len":          stats.VAALen,
		"vaa_cap":          stats.VAACap,
	}).Info("ingest metrics")
}
