package metrics

import (
	"context"
	"time"

	"pricerelay/internal/channel"
	"pricerelay/logger"
)

// StartChannelSizeMetrics publishes occupancy and drop counts of the frame
// channels every `interval` until the context is cancelled. When
// interval <= 0, a one-second cadence is used.
func StartChannelSizeMetrics(ctx context.Context, channels *channel.Channels, interval time.Duration) {
	if channels == nil || channels.Frames == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reportChannelSizes(log, channels)
			}
		}
	}()
}

func reportChannelSizes(log *logger.Log, channels *channel.Channels) {
	f := channels.Frames
	stats := f.GetStats()

	if channelLength != nil {
		channelLength.WithLabelValues("accumulator").Set(float64(len(f.Accumulator)))
		channelLength.WithLabelValues("vaa").Set(float64(len(f.VAA)))
		channelDropped.WithLabelValues("accumulator").Set(float64(stats.AccumulatorDropped))
		channelDropped.WithLabelValues("vaa").Set(float64(stats.VAADropped))
	}

	log.WithComponent("channel_buffers").WithFields(logger.Fields{
		"accumulator_len": len(f.Accumulator),
		"accumulator_cap": cap(f.Accumulator),
		"vaa_len":         len(f.VAA),
		"vaa_cap":         cap(f.VAA),
	}).Debug("channel buffer sizes")
}
