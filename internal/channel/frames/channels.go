package frames

import (
	"context"
	"sync"

	"pricerelay/logger"
	"pricerelay/models"
)

type ChannelStats struct {
	AccumulatorSent    int64
	VAASent            int64
	AccumulatorDropped int64
	VAADropped         int64
}

// Channels carries undecoded frames from the relay readers to the ingest
// workers. Accumulator batches and signed roots travel separately so a burst
// of one never starves the other.
type Channels struct {
	Accumulator chan models.RawFrame
	VAA         chan models.RawFrame

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(accumulatorBufferSize, vaaBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Accumulator: make(chan models.RawFrame, accumulatorBufferSize),
		VAA:         make(chan models.RawFrame, vaaBufferSize),
		log:         log,
	}

	log.WithComponent("frame_channels").WithFields(logger.Fields{
		"accumulator_buffer_size": accumulatorBufferSize,
		"vaa_buffer_size":         vaaBufferSize,
	}).Info("frame channels initialized")

	return c
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Accumulator)
		close(c.VAA)
		c.log.WithComponent("frame_channels").Info("frame channels closed")
	})
}

func (c *Channels) IncrementAccumulatorSent() {
	c.statsMutex.Lock()
	c.stats.AccumulatorSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementVAASent() {
	c.statsMutex.Lock()
	c.stats.VAASent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementAccumulatorDropped() {
	c.statsMutex.Lock()
	c.stats.AccumulatorDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementVAADropped() {
	c.statsMutex.Lock()
	c.stats.VAADropped++
	c.statsMutex.Unlock()
}

// Send routes a frame by kind. It never blocks: a full buffer drops the frame
// and counts it.
func (c *Channels) Send(ctx context.Context, frame models.RawFrame) bool {
	switch frame.Kind {
	case models.FrameAccumulatorMessages:
		return c.SendAccumulator(ctx, frame)
	case models.FrameVAA:
		return c.SendVAA(ctx, frame)
	default:
		return false
	}
}

func (c *Channels) SendAccumulator(ctx context.Context, frame models.RawFrame) bool {
	select {
	case c.Accumulator <- frame:
		c.IncrementAccumulatorSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementAccumulatorDropped()
		return false
	}
}

func (c *Channels) SendVAA(ctx context.Context, frame models.RawFrame) bool {
	select {
	case c.VAA <- frame:
		c.IncrementVAASent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementVAADropped()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
