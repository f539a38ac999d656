package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appconfig "pricerelay/config"
	"pricerelay/internal/aggregate"
	"pricerelay/internal/channel/frames"
	"pricerelay/internal/metrics"
	"pricerelay/internal/pending"
	"pricerelay/logger"
	"pricerelay/models"
)

// Ingestor consumes decoded-on-demand relay frames.
type Ingestor interface {
	IngestAccumulatorFrame(data []byte) error
	IngestVAA(data []byte) error
}

// IngestProcessor drains the frame channels into the aggregation engine.
// Each worker serves both channels so a slow signed root never waits behind
// a backlog of batches.
type IngestProcessor struct {
	config   *appconfig.Config
	channels *frames.Channels
	ingestor Ingestor
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	unsubscribe func()

	framesProcessed int64
	slotsFinalized  int64
	slotsInvalid    int64
	errorsCount     int64
}

func NewIngestProcessor(cfg *appconfig.Config, ch *frames.Channels, ingestor Ingestor) *IngestProcessor {
	return &IngestProcessor{
		config:   cfg,
		channels: ch,
		ingestor: ingestor,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (p *IngestProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("ingest processor already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	log := p.log.WithComponent("ingest_processor").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting ingest processor")

	workers := p.config.Processor.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	log.WithFields(logger.Fields{"workers": workers}).Info("starting ingest workers")
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	if src, ok := p.ingestor.(aggregate.SubscriptionSource); ok {
		events, unsubscribe := src.Subscribe(256)
		p.unsubscribe = unsubscribe
		p.wg.Add(1)
		go p.countEvents(events)
	}

	p.wg.Add(1)
	go p.metricsReporter(ctx)

	log.Info("ingest processor started successfully")
	return nil
}

func (p *IngestProcessor) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("ingest_processor").Info("stopping ingest processor")
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	p.wg.Wait()
	p.reportMetrics()
	p.log.WithComponent("ingest_processor").Info("ingest processor stopped")
}

func (p *IngestProcessor) worker(id int) {
	defer p.wg.Done()

	log := p.log.WithComponent("ingest_processor").WithFields(logger.Fields{
		"worker_id": id,
		"worker":    "ingest",
	})

	accumulator, vaa := p.channels.Accumulator, p.channels.VAA
	for accumulator != nil || vaa != nil {
		select {
		case <-p.ctx.Done():
			log.Debug("worker stopped due to context cancellation")
			return
		case frame, ok := <-accumulator:
			if !ok {
				accumulator = nil
				continue
			}
			p.handleFrame(log, frame)
		case frame, ok := <-vaa:
			if !ok {
				vaa = nil
				continue
			}
			p.handleFrame(log, frame)
		}
	}
	log.Debug("frame channels closed, worker stopping")
}

func (p *IngestProcessor) handleFrame(log *logger.Entry, frame models.RawFrame) {
	start := time.Now()

	var err error
	switch frame.Kind {
	case models.FrameAccumulatorMessages:
		err = p.ingestor.IngestAccumulatorFrame(frame.Data)
	case models.FrameVAA:
		err = p.ingestor.IngestVAA(frame.Data)
	default:
		err = fmt.Errorf("unknown frame kind %q", frame.Kind)
	}
	defer atomic.AddInt64(&p.framesProcessed, 1)

	entry := log.WithFrame(string(frame.Kind), len(frame.Data)).WithFields(logger.Fields{
		"source": frame.Source,
	})

	switch {
	case err == nil:
		logger.LogPerformanceEntry(entry, "ingest_processor", "ingest_frame", time.Since(start), nil)
	case errors.Is(err, pending.ErrInvalidProof) || errors.Is(err, pending.ErrEmptyAccumulation):
		atomic.AddInt64(&p.slotsInvalid, 1)
		metrics.EmitDropMetric(p.log, metrics.DropMetricInvalidSlot, frame.Source, "aggregate")
	default:
		atomic.AddInt64(&p.errorsCount, 1)
		entry.WithError(err).Warn("failed to ingest frame")
	}
}

func (p *IngestProcessor) countEvents(events <-chan aggregate.Event) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			atomic.AddInt64(&p.slotsFinalized, 1)
		}
	}
}

// Stats returns a snapshot of the processor counters.
func (p *IngestProcessor) Stats() metrics.IngestStats {
	return metrics.IngestStats{
		FramesProcessed: atomic.LoadInt64(&p.framesProcessed),
		SlotsFinalized:  atomic.LoadInt64(&p.slotsFinalized),
		SlotsInvalid:    atomic.LoadInt64(&p.slotsInvalid),
		ErrorsCount:     atomic.LoadInt64(&p.errorsCount),
		AccumulatorLen:  len(p.channels.Accumulator),
		AccumulatorCap:  cap(p.channels.Accumulator),
		VAALen:          len(p.channels.VAA),
		VAACap:          cap(p.channels.VAA),
	}
}

func (p *IngestProcessor) reportMetrics() {
	metrics.ReportIngest(p.log, p.Stats())
}

func (p *IngestProcessor) metricsReporter(ctx context.Context) {
	defer p.wg.Done()
	interval := p.config.Processor.ReportInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.RLock()
			running := p.running
			p.mu.RUnlock()
			if !running {
				return
			}
			p.reportMetrics()
		}
	}
}
