package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	appconfig "pricerelay/config"
	"pricerelay/internal/channel/frames"
	"pricerelay/internal/metrics"
	"pricerelay/logger"
	"pricerelay/models"
)

// RelayReader subscribes to one relay websocket and forwards accumulator
// batches and signed roots into the frame channels. Dropped connections are
// re-established, paced by the configured rate limit, until the context is
// cancelled.
type RelayReader struct {
	config   *appconfig.Config
	endpoint appconfig.EndpointConfig
	channels *frames.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	limiter  *rate.Limiter

	writeMu sync.Mutex
}

// relayEvent is the envelope of every text message on the relay socket.
// Data is base64 in JSON.
type relayEvent struct {
	Event string              `json:"event,omitempty"`
	Type  models.RawFrameKind `json:"type,omitempty"`
	Data  []byte              `json:"data,omitempty"`
	Msg   string              `json:"msg,omitempty"`
}

type subscribeRequest struct {
	Op   string                `json:"op"`
	Args []models.RawFrameKind `json:"args"`
}

func NewRelayReader(cfg *appconfig.Config, endpoint appconfig.EndpointConfig, ch *frames.Channels) *RelayReader {
	rps := cfg.Reader.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 0.2
	}
	burst := cfg.Reader.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return &RelayReader{
		config:   cfg,
		endpoint: endpoint,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RelayReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("relay reader %s already running", r.endpoint.Name)
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("relay_reader").WithFields(logger.Fields{
		"operation": "start",
		"endpoint":  r.endpoint.Name,
		"url":       r.endpoint.URL,
	})
	log.Info("starting relay reader")

	r.wg.Add(1)
	go r.stream()

	log.Info("relay reader started successfully")
	return nil
}

func (r *RelayReader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("relay_reader").WithFields(logger.Fields{"endpoint": r.endpoint.Name}).Info("stopping relay reader")
	r.wg.Wait()
	r.log.WithComponent("relay_reader").WithFields(logger.Fields{"endpoint": r.endpoint.Name}).Info("relay reader stopped")
}

func (r *RelayReader) dialer() *websocket.Dialer {
	d := &websocket.Dialer{HandshakeTimeout: r.config.Reader.Timeout}
	if r.endpoint.LocalIP != "" {
		if ip := net.ParseIP(r.endpoint.LocalIP); ip != nil {
			d.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
		}
	}
	return d
}

// stream owns the connection lifecycle.
func (r *RelayReader) stream() {
	defer r.wg.Done()
	log := r.log.WithComponent("relay_reader").WithFields(logger.Fields{
		"endpoint": r.endpoint.Name,
		"worker":   "relay_stream",
	})

	attempt := 0
	for {
		if err := r.limiter.Wait(r.ctx); err != nil {
			return
		}
		if attempt > 0 {
			metrics.IncReconnect()
		}
		attempt++

		conn, _, err := r.dialer().DialContext(r.ctx, r.endpoint.URL, nil)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("failed to connect websocket, retrying")
			continue
		}
		log.WithFields(logger.Fields{"attempt": attempt}).Info("connected to relay")

		if err := r.serve(conn); err != nil && r.ctx.Err() == nil {
			log.WithError(err).Warn("websocket read error, reconnecting")
		}
		if r.ctx.Err() != nil {
			return
		}
	}
}

// serve subscribes and reads frames until the connection fails or the
// context is cancelled.
func (r *RelayReader) serve(conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	if limit := r.config.Reader.ReadLimitBytes; limit > 0 {
		conn.SetReadLimit(limit)
	}

	sub := subscribeRequest{Op: "subscribe", Args: []models.RawFrameKind{models.FrameAccumulatorMessages, models.FrameVAA}}
	if err := r.writeJSON(conn, sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	interval := r.config.Reader.PingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	deadline := func() time.Time { return time.Now().Add(2 * interval) }
	conn.SetReadDeadline(deadline())
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(deadline())
	})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-r.ctx.Done():
				// Unblocks ReadMessage.
				conn.Close()
				return
			case <-ticker.C:
				r.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				r.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(deadline())
		r.processMessage(conn, msg)
	}
}

func (r *RelayReader) writeJSON(conn *websocket.Conn, v interface{}) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// processMessage handles one text message. It reports whether a frame was
// forwarded.
func (r *RelayReader) processMessage(conn *websocket.Conn, msg []byte) bool {
	log := r.log.WithComponent("relay_reader").WithFields(logger.Fields{"endpoint": r.endpoint.Name})

	var evt relayEvent
	if err := json.Unmarshal(msg, &evt); err != nil {
		log.WithError(err).Debug("failed to decode message")
		return false
	}

	switch evt.Event {
	case "":
	case "ping":
		if conn != nil {
			if err := r.writeJSON(conn, map[string]string{"op": "pong"}); err != nil {
				log.WithError(err).Debug("failed to answer ping")
			}
		}
		return false
	case "error":
		log.WithFields(logger.Fields{"msg": evt.Msg}).Warn("relay reported an error")
		return false
	default:
		log.WithFields(logger.Fields{"event": evt.Event}).Debug("relay event")
		return false
	}

	if evt.Type != models.FrameAccumulatorMessages && evt.Type != models.FrameVAA {
		log.WithFields(logger.Fields{"type": evt.Type}).Debug("ignoring unknown frame type")
		return false
	}
	if len(evt.Data) == 0 {
		log.WithFrame(string(evt.Type), 0).Warn("empty frame")
		return false
	}

	frame := models.RawFrame{
		Source:    r.endpoint.Name,
		Kind:      evt.Type,
		Data:      evt.Data,
		Timestamp: time.Now(),
	}
	metrics.IncReaderFrame(string(evt.Type))

	if r.channels.Send(r.ctx, frame) {
		logger.IncrementFrameRead(string(evt.Type), len(evt.Data))
		return true
	}
	if r.ctx.Err() == nil {
		dropMetric := metrics.DropMetricAccumulatorFrame
		if evt.Type == models.FrameVAA {
			dropMetric = metrics.DropMetricVAAFrame
		}
		metrics.EmitDropMetric(r.log, dropMetric, r.endpoint.Name, "reader")
	}
	return false
}
