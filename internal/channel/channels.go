package channel

import (
	"context"
	"time"

	"pricerelay/internal/channel/frames"
	"pricerelay/logger"
)

type Channels struct {
	Frames *frames.Channels
}

func NewChannels(accumulatorBufferSize, vaaBufferSize int) *Channels {
	return &Channels{
		Frames: frames.NewChannels(accumulatorBufferSize, vaaBufferSize),
	}
}

func (c *Channels) Close() {
	if c.Frames != nil {
		c.Frames.Close()
	}
}

// StartMetricsReporting logs buffer occupancy and send/drop counters every
// 30 seconds until ctx is done.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	c.startMetricsReporting(ctx, 30*time.Second)
}

func (c *Channels) startMetricsReporting(ctx context.Context, interval time.Duration) {
	log := logger.GetLogger()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.logChannelStats(log)
			}
		}
	}()
}

func (c *Channels) logChannelStats(log *logger.Log) {
	if c.Frames == nil {
		return
	}
	stats := c.Frames.GetStats()
	logger.RecordChannelMessage("accumulator", len(c.Frames.Accumulator))
	logger.RecordChannelMessage("vaa", len(c.Frames.VAA))

	entry := log.WithComponent("channels").WithFields(logger.Fields{
		"accumulator_len":     len(c.Frames.Accumulator),
		"accumulator_cap":     cap(c.Frames.Accumulator),
		"vaa_len":             len(c.Frames.VAA),
		"vaa_cap":             cap(c.Frames.VAA),
		"accumulator_sent":    stats.AccumulatorSent,
		"accumulator_dropped": stats.AccumulatorDropped,
		"vaa_sent":            stats.VAASent,
		"vaa_dropped":         stats.VAADropped,
	})
	if stats.AccumulatorDropped > 0 || stats.VAADropped > 0 {
		entry.Warn("frame channels dropping")
		return
	}
	entry.Debug("frame channel stats")
}
