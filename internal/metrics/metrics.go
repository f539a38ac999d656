// Registers:
//
//	#pricerelay_updates_observed_total
//	#pricerelay_latest_slot
//	#pricerelay_slots_completed_total
//	#pricerelay_slot_completion_seconds
//	#pricerelay_pending_slots
//	#pricerelay_messages_stored_total
//	#pricerelay_messages_malformed_total
//	#pricerelay_events_dropped_total
//	#pricerelay_channel_length / _dropped
//	#pricerelay_reader_frames_total / _reconnects_total
//	#pricerelay_archive_objects_total / _bytes_total
//	#go_* and process_* system metrics
//
// Exposes them on the configured address under /metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pricerelay/logger"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	updatesObserved   *prometheus.CounterVec
	latestSlot        *prometheus.GaugeVec
	slotsCompleted    *prometheus.CounterVec
	completionLatency prometheus.Histogram
	pendingSlots      prometheus.Gauge
	messagesStored    *prometheus.CounterVec
	messagesMalformed prometheus.Counter
	eventsDropped     prometheus.Counter
	channelLength     *prometheus.GaugeVec
	channelDropped    *prometheus.GaugeVec
	readerFrames      *prometheus.CounterVec
	readerReconnects  prometheus.Counter
	archiveObjects    *prometheus.CounterVec
	archiveBytes      prometheus.Counter
)

// Init creates and registers the collectors. It is safe to call more than
// once; helpers are no-ops until it has run.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		updatesObserved = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricerelay_updates_observed_total",
				Help: "Accumulator batches and signed roots observed",
			},
			[]string{"event"},
		)
		latestSlot = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pricerelay_latest_slot",
				Help: "Latest slot seen per event",
			},
			[]string{"event"},
		)
		slotsCompleted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricerelay_slots_completed_total",
				Help: "Slots that reached a terminal state",
			},
			[]string{"outcome"},
		)
		completionLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pricerelay_slot_completion_seconds",
				Help:    "Time from first observation of a slot to its finalization",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)
		pendingSlots = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pricerelay_pending_slots",
				Help: "Slots waiting for their messages or signed root",
			},
		)
		messagesStored = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricerelay_messages_stored_total",
				Help: "Proven messages inserted into the store",
			},
			[]string{"type"},
		)
		messagesMalformed = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pricerelay_messages_malformed_total",
				Help: "Raw messages dropped because they could not be decoded",
			},
		)
		eventsDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pricerelay_events_dropped_total",
				Help: "Aggregation events not delivered to a slow subscriber",
			},
		)
		channelLength = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pricerelay_channel_length",
				Help: "Frames buffered per channel",
			},
			[]string{"channel"},
		)
		channelDropped = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pricerelay_channel_dropped",
				Help: "Frames dropped per channel since start",
			},
			[]string{"channel"},
		)
		readerFrames = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricerelay_reader_frames_total",
				Help: "Frames received from relay endpoints",
			},
			[]string{"kind"},
		)
		readerReconnects = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pricerelay_reader_reconnects_total",
				Help: "Relay websocket reconnect attempts",
			},
		)
		archiveObjects = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricerelay_archive_objects_total",
				Help: "Archive uploads by status",
			},
			[]string{"status"},
		)
		archiveBytes = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pricerelay_archive_bytes_total",
				Help: "Bytes uploaded to the archive",
			},
		)

		registry.MustRegister(
			updatesObserved, latestSlot, slotsCompleted, completionLatency,
			pendingSlots, messagesStored, messagesMalformed, eventsDropped,
			channelLength, channelDropped, readerFrames, readerReconnects,
			archiveObjects, archiveBytes,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registered collectors.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.GetLogger().WithComponent("metrics").WithFields(logger.Fields{
		"address": addr,
	}).Info("metrics server listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ObserveUpdate records an accumulator batch or signed root for slot.
func ObserveUpdate(event string, slot uint64) {
	if updatesObserved == nil {
		return
	}
	updatesObserved.WithLabelValues(event).Inc()
	latestSlot.WithLabelValues(event).Set(float64(slot))
}

// CompleteSlot records a terminal slot. latency is ignored when zero.
func CompleteSlot(outcome string, slot uint64, latency time.Duration) {
	if slotsCompleted == nil {
		return
	}
	slotsCompleted.WithLabelValues(outcome).Inc()
	if outcome == "finalized" {
		latestSlot.WithLabelValues("completed").Set(float64(slot))
		if latency > 0 {
			completionLatency.Observe(latency.Seconds())
		}
	}
}

// SetPendingSlots sets the in-flight slot gauge.
func SetPendingSlots(n int) {
	if pendingSlots != nil {
		pendingSlots.Set(float64(n))
	}
}

// AddStoredMessages counts n stored messages of the given type.
func AddStoredMessages(messageType string, n int) {
	if messagesStored != nil {
		messagesStored.WithLabelValues(messageType).Add(float64(n))
	}
}

// IncMalformed counts a dropped raw message.
func IncMalformed() {
	if messagesMalformed != nil {
		messagesMalformed.Inc()
	}
}

// IncEventsDropped counts an event a subscriber did not receive.
func IncEventsDropped() {
	if eventsDropped != nil {
		eventsDropped.Inc()
	}
}

// IncReaderFrame counts a frame received by a reader.
func IncReaderFrame(kind string) {
	if readerFrames != nil {
		readerFrames.WithLabelValues(kind).Inc()
	}
}

// IncReconnect counts a reader reconnect attempt.
func IncReconnect() {
	if readerReconnects != nil {
		readerReconnects.Inc()
	}
}

// ObserveArchive records an archive upload.
func ObserveArchive(success bool, bytes int) {
	if archiveObjects == nil {
		return
	}
	if !success {
		archiveObjects.WithLabelValues("error").Inc()
		return
	}
	archiveObjects.WithLabelValues("success").Inc()
	archiveBytes.Add(float64(bytes))
}
