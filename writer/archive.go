package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "pricerelay/config"
	"pricerelay/internal/aggregate"
	"pricerelay/internal/metrics"
	"pricerelay/internal/store"
	"pricerelay/logger"
	"pricerelay/models"
)

// PriceRecord is one archived price update.
type PriceRecord struct {
	FeedID          string `parquet:"name=feed_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Slot            int64  `parquet:"name=slot, type=INT64"`
	Event           string `parquet:"name=event, type=BYTE_ARRAY, convertedtype=UTF8"`
	PublishTime     int64  `parquet:"name=publish_time, type=INT64"`
	PrevPublishTime int64  `parquet:"name=prev_publish_time, type=INT64"`
	Price           int64  `parquet:"name=price, type=INT64"`
	Conf            int64  `parquet:"name=conf, type=INT64"`
	Expo            int32  `parquet:"name=expo, type=INT32"`
	EMAPrice        int64  `parquet:"name=ema_price, type=INT64"`
	EMAConf         int64  `parquet:"name=ema_conf, type=INT64"`
	PriceDecimal    string `parquet:"name=price_decimal, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceivedAt      int64  `parquet:"name=received_at, type=INT64"`
	ProofDepth      int32  `parquet:"name=proof_depth, type=INT32"`
}

// Source is the part of the aggregation engine the archive reads from.
type Source interface {
	aggregate.SubscriptionSource
	AvailableKeys() map[models.FeedID]struct{}
	FetchMessageStates(keys []aggregate.Key, rt store.RequestTime) ([]*aggregate.MessageState, error)
}

// Uploader stores an object. *s3.Client satisfies it.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveWriter follows completed slots and writes the price updates they
// carried to S3 as parquet files.
type ArchiveWriter struct {
	config   *appconfig.Config
	source   Source
	uploader Uploader
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	now      func() time.Time

	unsubscribe func()

	bufMu  sync.Mutex
	buffer []PriceRecord

	rowsWritten  int64
	filesWritten int64
	bytesWritten int64
	errorsCount  int64
}

// NewArchiveWriter configures the AWS SDK and the S3 client used for uploads.
func NewArchiveWriter(cfg *appconfig.Config, src Source) (*ArchiveWriter, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("archive_writer").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	log.WithComponent("archive_writer").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("archive writer initialized")

	return newArchiveWriter(cfg, src, client), nil
}

func newArchiveWriter(cfg *appconfig.Config, src Source, uploader Uploader) *ArchiveWriter {
	return &ArchiveWriter{
		config:   cfg,
		source:   src,
		uploader: uploader,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		now:      time.Now,
	}
}

func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting archive writer")

	bufferSize := w.config.Writer.EventBuffer
	if bufferSize <= 0 {
		bufferSize = 64
	}
	events, unsubscribe := w.source.Subscribe(bufferSize)
	w.unsubscribe = unsubscribe

	w.wg.Add(1)
	go w.worker(events)

	log.Info("archive writer started successfully")
	return nil
}

// Stop unsubscribes, flushes what is buffered and waits for the worker.
func (w *ArchiveWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.log.WithComponent("archive_writer").Info("stopping archive writer")
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
	w.wg.Wait()
	metrics.ReportWriter(w.log, "archive_writer", w.Stats())
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

func (w *ArchiveWriter) worker(events <-chan aggregate.Event) {
	defer w.wg.Done()

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"worker": "archive"})

	interval := w.config.Writer.Batch.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.flush("shutdown")
			log.Info("worker stopped due to context cancellation")
			return
		case ev, ok := <-events:
			if !ok {
				w.flush("shutdown")
				log.Info("event stream closed, worker stopping")
				return
			}
			w.collect(ev)
			if w.buffered() >= w.config.Writer.Batch.Size && w.config.Writer.Batch.Size > 0 {
				w.flush("size")
			}
		case <-ticker.C:
			w.flush("interval")
			metrics.ReportWriter(w.log, "archive_writer", w.Stats())
		}
	}
}

// collect buffers the price updates produced in the event's slot.
func (w *ArchiveWriter) collect(ev aggregate.Event) {
	var rows []PriceRecord
	for id := range w.source.AvailableKeys() {
		key := aggregate.Key{FeedID: id, Type: models.PriceFeedMessageType}
		states, err := w.source.FetchMessageStates([]aggregate.Key{key}, store.AtSlot(ev.Slot))
		if errors.Is(err, aggregate.ErrNotFound) {
			continue
		}
		if err != nil {
			atomic.AddInt64(&w.errorsCount, 1)
			w.log.WithComponent("archive_writer").WithSlot(ev.Slot).WithFeed(id).WithError(err).Warn("failed to fetch message state")
			continue
		}
		if row, ok := toRecord(states[0], ev.Kind); ok {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return
	}
	w.bufMu.Lock()
	w.buffer = append(w.buffer, rows...)
	w.bufMu.Unlock()
}

func toRecord(s *aggregate.MessageState, kind aggregate.EventKind) (PriceRecord, bool) {
	msg, ok := s.Message.(*models.PriceFeedMessage)
	if !ok {
		return PriceRecord{}, false
	}
	feed := msg.PriceFeed()
	return PriceRecord{
		FeedID:          msg.FeedID.String(),
		Slot:            int64(s.Slot),
		Event:           kind.String(),
		PublishTime:     msg.PublishTime,
		PrevPublishTime: msg.PrevPublishTime,
		Price:           msg.Price,
		Conf:            int64(msg.Conf),
		Expo:            msg.Exponent,
		EMAPrice:        msg.EMAPrice,
		EMAConf:         int64(msg.EMAConf),
		PriceDecimal:    feed.Price.Decimal().String(),
		ReceivedAt:      s.ReceivedAt,
		ProofDepth:      int32(len(s.Proof.Path)),
	}, true
}

func (w *ArchiveWriter) buffered() int {
	w.bufMu.Lock()
	defer w.bufMu.Unlock()
	return len(w.buffer)
}

func (w *ArchiveWriter) flush(reason string) {
	w.bufMu.Lock()
	rows := w.buffer
	w.buffer = nil
	w.bufMu.Unlock()

	if len(rows) == 0 {
		return
	}

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"record_count": len(rows),
		"reason":       reason,
		"operation":    "flush",
	})

	key := w.generateS3Key(rows, w.now())
	log = log.WithFields(logger.Fields{"s3_key": key})

	data, err := w.createParquetFile(rows)
	if err != nil {
		atomic.AddInt64(&w.errorsCount, 1)
		metrics.ObserveArchive(false, 0)
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	if err := w.uploadToS3(key, data); err != nil {
		atomic.AddInt64(&w.errorsCount, 1)
		metrics.ObserveArchive(false, 0)
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": w.config.Storage.S3.Bucket}).
			Error("failed to upload to S3")
		return
	}

	atomic.AddInt64(&w.rowsWritten, int64(len(rows)))
	atomic.AddInt64(&w.filesWritten, 1)
	atomic.AddInt64(&w.bytesWritten, int64(len(data)))
	metrics.ObserveArchive(true, len(data))
	logger.IncrementArchiveWrite(int64(len(data)))
	logger.LogDataFlowEntry(log, "aggregate", "s3", len(rows), "price_updates")
	log.WithFields(logger.Fields{"file_size": len(data)}).Info("archive uploaded")
}

// generateS3Key lays files out as prefix/date=<day>/hour=<hh>/slots_<first>-<last>_<id>.parquet.
func (w *ArchiveWriter) generateS3Key(rows []PriceRecord, at time.Time) string {
	at = at.UTC()
	first, last := rows[0].Slot, rows[0].Slot
	for _, r := range rows[1:] {
		if r.Slot < first {
			first = r.Slot
		}
		if r.Slot > last {
			last = r.Slot
		}
	}

	layout := w.config.Writer.Partitioning.TimeFormat
	if layout == "" {
		layout = "2006-01-02"
	}
	prefix := w.config.Writer.Partitioning.Prefix
	if prefix == "" {
		prefix = "price_updates"
	}

	filename := fmt.Sprintf("slots_%d-%d_%s.parquet", first, last, uuid.New().String())
	return path.Join(
		prefix,
		"date="+at.Format(layout),
		fmt.Sprintf("hour=%02d", at.Hour()),
		filename,
	)
}

func (w *ArchiveWriter) createParquetFile(rows []PriceRecord) ([]byte, error) {
	buf := &bytes.Buffer{}
	pw, err := writer.NewParquetWriterFromWriter(buf, new(PriceRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	pq := w.config.Writer.Formats.Parquet
	if pq.PageSize > 0 {
		pw.PageSize = pq.PageSize
	}
	if pq.RowGroup > 0 {
		pw.RowGroupSize = pq.RowGroup
	}
	switch pq.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "zstd":
		pw.CompressionType = parquet.CompressionCodec_ZSTD
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return buf.Bytes(), nil
}

func (w *ArchiveWriter) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        w.config.Writer.Formats.Parquet.Compression,
			"pricerelay-version": w.config.Relay.Version,
		},
	}

	// Shutdown flushes must still reach S3.
	ctx := context.WithoutCancel(w.ctx)
	if _, err := w.uploader.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.config.Storage.S3.Bucket, err)
	}
	return nil
}

// Stats returns a snapshot of the writer counters.
func (w *ArchiveWriter) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		RowsBuffered: w.buffered(),
		RowsWritten:  atomic.LoadInt64(&w.rowsWritten),
		FilesWritten: atomic.LoadInt64(&w.filesWritten),
		BytesWritten: atomic.LoadInt64(&w.bytesWritten),
		ErrorsCount:  atomic.LoadInt64(&w.errorsCount),
	}
}
