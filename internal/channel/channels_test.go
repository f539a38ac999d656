package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"pricerelay/logger"
	"pricerelay/models"
)

func TestNewChannels(t *testing.T) {
	c := NewChannels(1, 1)
	if c.Frames == nil {
		t.Fatalf("expected non-nil frame channels")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.startMetricsReporting(ctx, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	cancel()
	c.Close()
}

func TestLogChannelStatsWarnsOnDrops(t *testing.T) {
	log := logger.GetLogger()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stdout) })

	c := NewChannels(1, 1)
	ctx := context.Background()
	c.Frames.SendVAA(ctx, models.RawFrame{Kind: models.FrameVAA})
	c.Frames.SendVAA(ctx, models.RawFrame{Kind: models.FrameVAA})

	buf.Reset()
	c.logChannelStats(log)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}
	if entry["level"] != "warning" {
		t.Fatalf("expected warning level, got %v", entry["level"])
	}
	if entry["vaa_dropped"] != float64(1) {
		t.Fatalf("expected vaa_dropped=1, got %v", entry["vaa_dropped"])
	}
}
