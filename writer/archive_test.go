package writer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "pricerelay/config"
	"pricerelay/internal/aggregate"
	"pricerelay/internal/merkle"
	"pricerelay/internal/wire"
	"pricerelay/models"
)

type fakeUploader struct {
	mu      sync.Mutex
	keys    []string
	bodies  [][]byte
	failErr error
}

func (f *fakeUploader) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.keys = append(f.keys, *in.Key)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeUploader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

func archiveConfig(batchSize int) *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Relay.Version = "test"
	cfg.Storage.S3.Bucket = "archive-bucket"
	cfg.Writer.EventBuffer = 8
	cfg.Writer.Batch.Size = batchSize
	cfg.Writer.Batch.FlushInterval = time.Hour
	cfg.Writer.Partitioning.Prefix = "price_updates"
	cfg.Writer.Partitioning.TimeFormat = "2006-01-02"
	cfg.Writer.Formats.Parquet.Compression = "snappy"
	return cfg
}

func finalize(t *testing.T, e *aggregate.Engine, slot uint64, ids ...byte) {
	t.Helper()
	var raw [][]byte
	for i, b := range ids {
		var id models.FeedID
		id[0] = b
		msg, err := wire.EncodeMessage(&models.PriceFeedMessage{
			FeedID:      id,
			Price:       int64(1000 + i),
			Conf:        5,
			Exponent:    -2,
			PublishTime: int64(slot),
			EMAPrice:    1000,
			EMAConf:     6,
		})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		raw = append(raw, msg)
	}
	tree, ok := merkle.FromSet(merkle.Keccak160{}, raw)
	if !ok {
		t.Fatalf("empty set")
	}
	if err := e.IngestMessages(slot, raw); err != nil {
		t.Fatalf("ingest messages: %v", err)
	}
	root := models.MerkleRoot{Slot: slot, RingSize: 10000, Root: [20]byte(tree.Root())}
	if err := e.IngestRoot(root, []byte{byte(slot)}); err != nil {
		t.Fatalf("ingest root: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func isParquet(b []byte) bool {
	return len(b) > 8 && bytes.HasPrefix(b, []byte("PAR1")) && bytes.HasSuffix(b, []byte("PAR1"))
}

func TestArchiveWriterFlushesOnBatchSize(t *testing.T) {
	engine := aggregate.NewEngine(aggregate.Options{})
	up := &fakeUploader{}
	w := newArchiveWriter(archiveConfig(2), engine, up)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.Start(ctx); err == nil {
		t.Fatal("second start should fail")
	}

	finalize(t, engine, 10, 1, 2)
	waitFor(t, "upload", func() bool { return up.count() == 1 })

	up.mu.Lock()
	key, body := up.keys[0], up.bodies[0]
	up.mu.Unlock()
	if !strings.HasPrefix(key, "price_updates/date=") || !strings.Contains(key, "slots_10-10_") || !strings.HasSuffix(key, ".parquet") {
		t.Fatalf("unexpected key %q", key)
	}
	if !isParquet(body) {
		t.Fatalf("upload is not a parquet file")
	}

	w.Stop()
	stats := w.Stats()
	if stats.RowsWritten != 2 || stats.FilesWritten != 1 || stats.BytesWritten != int64(len(body)) {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestArchiveWriterFlushesOnStop(t *testing.T) {
	engine := aggregate.NewEngine(aggregate.Options{})
	up := &fakeUploader{}
	w := newArchiveWriter(archiveConfig(100), engine, up)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	finalize(t, engine, 3, 7)
	finalize(t, engine, 4, 7, 8)
	waitFor(t, "buffered rows", func() bool { return w.Stats().RowsBuffered == 3 })
	if up.count() != 0 {
		t.Fatal("nothing should be uploaded before the batch fills")
	}

	w.Stop()
	if up.count() != 1 {
		t.Fatalf("expected one upload on stop, got %d", up.count())
	}
	if !strings.Contains(up.keys[0], "slots_3-4_") {
		t.Fatalf("unexpected key %q", up.keys[0])
	}
}

func TestArchiveWriterCountsUploadErrors(t *testing.T) {
	engine := aggregate.NewEngine(aggregate.Options{})
	up := &fakeUploader{failErr: errors.New("denied")}
	w := newArchiveWriter(archiveConfig(1), engine, up)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	finalize(t, engine, 1, 1)
	waitFor(t, "upload error", func() bool { return w.Stats().ErrorsCount == 1 })
	w.Stop()

	if stats := w.Stats(); stats.FilesWritten != 0 || stats.RowsBuffered != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestGenerateS3Key(t *testing.T) {
	w := newArchiveWriter(archiveConfig(1), nil, nil)
	at := time.Date(2026, 1, 2, 7, 30, 0, 0, time.UTC)
	key := w.generateS3Key([]PriceRecord{{Slot: 5}, {Slot: 3}, {Slot: 9}}, at)

	if !strings.HasPrefix(key, "price_updates/date=2026-01-02/hour=07/slots_3-9_") {
		t.Fatalf("unexpected key %q", key)
	}
}

func TestToRecord(t *testing.T) {
	var id models.FeedID
	id[0] = 0xab
	state := &aggregate.MessageState{
		Slot:       12,
		ReceivedAt: 99,
		Message: &models.PriceFeedMessage{
			FeedID:      id,
			Price:       12345,
			Conf:        7,
			Exponent:    -2,
			PublishTime: 1700000000,
		},
		Proof: aggregate.InclusionProof{Path: make(merkle.Path, 3)},
	}

	row, ok := toRecord(state, aggregate.EventOutOfOrder)
	if !ok {
		t.Fatal("price message not converted")
	}
	if row.PriceDecimal != "123.45" || row.Event != "out_of_order" || row.ProofDepth != 3 || row.Slot != 12 {
		t.Fatalf("unexpected row: %+v", row)
	}

	state.Message = &models.TwapMessage{FeedID: id}
	if _, ok := toRecord(state, aggregate.EventNew); ok {
		t.Fatal("twap message should not produce a row")
	}
}
