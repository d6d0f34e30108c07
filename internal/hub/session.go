package hub

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/fleetbus/fleetbus-server/internal/metrics"
)

// writeWait is the time allowed to write a message to the peer.
const writeWait = 10 * time.Second

// wsConn is the subset of *websocket.Conn the session uses. The hub never touches the socket; everything reaches it
// through this interface, which also keeps the session testable without a network.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetPingHandler(h func(appData string) error)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// SessionParams carries the identity established during the WebSocket handshake.
type SessionParams struct {
	AccountID    string
	DeviceID     string
	DeviceTypeID string
}

// Session owns one WebSocket connection and mediates between it and the hub. Each session runs two goroutines: the
// read loop (Run) parses inbound frames and forwards hub commands; the write pump drains the send channel and
// carries the heartbeat timer.
type Session struct {
	hub    *Hub
	conn   wsConn
	events EventRecorder
	log    zerolog.Logger

	accountID    string
	deviceID     string
	deviceTypeID string

	send chan []byte
	done chan struct{}

	rate        *RateLimit
	rateCeiling uint64 // set by the hub during Connect, before the pumps start

	lastActivity atomic.Int64 // unix nanos of the last peer ping or pong
}

// NewSession creates a session for an upgraded connection. Run must be called to admit it to the hub and start the
// pumps.
func NewSession(h *Hub, conn wsConn, params SessionParams, logger zerolog.Logger) *Session {
	s := &Session{
		hub:    h,
		conn:   conn,
		events: h.events,
		log: logger.With().Str("component", "session").
			Str("account_id", params.AccountID).Str("device_id", params.DeviceID).Logger(),
		accountID:    params.AccountID,
		deviceID:     params.DeviceID,
		deviceTypeID: params.DeviceTypeID,
		send:         make(chan []byte, h.cfg.SendBufferSize),
		done:         make(chan struct{}),
		rate:         NewRateLimit(),
	}
	s.touch()
	return s
}

// Run admits the session to the hub and blocks in the read loop until the connection ends. Admission failure closes
// the socket immediately; the client observes an abrupt close.
func (s *Session) Run(ctx context.Context) error {
	if err := s.hub.Connect(ctx, s); err != nil {
		s.log.Debug().Err(err).Msg("Session refused by hub")
		_ = s.conn.Close()
		return err
	}

	go s.writePump()
	s.readPump()
	return nil
}

// readPump reads inbound frames until the connection errors. It owns session teardown: on exit it tells the hub,
// releases the write pump, and drops the socket.
func (s *Session) readPump() {
	defer func() {
		s.hub.Disconnect(s)
		close(s.done)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(s.hub.cfg.MaxFrameBytes)
	s.touch()
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})
	s.conn.SetPingHandler(func(string) error {
		s.touch()
		return s.conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(writeWait))
	})

	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if msgType != websocket.TextMessage {
			metrics.FramesDropped.WithLabelValues("binary").Inc()
			s.log.Debug().Int("type", msgType).Msg("Dropping non-text frame")
			continue
		}

		if s.rate.Record() > s.rateCeiling {
			// Over-limit frames are dropped without any notice to the peer.
			metrics.FramesDropped.WithLabelValues("rate_limit").Inc()
			continue
		}

		frame, err := ParseInbound(payload)
		if err != nil {
			metrics.FramesDropped.WithLabelValues("parse").Inc()
			s.events.Error(s.accountID, map[string]any{
				"event":     "parse_failure",
				"device_id": s.deviceID,
				"error":     err.Error(),
			})
			continue
		}

		switch {
		case frame.Message != nil:
			s.hub.Publish(DeviceOrigin(s.deviceID, s.deviceTypeID), s.accountID, *frame.Message)
		case frame.Register != nil:
			s.hub.RegisterTopics(s.accountID, s.deviceID, frame.Register.Topics)
		}
	}
}

// writePump drains the send channel and drives the heartbeat: every interval it closes the connection if the peer
// has been silent past the timeout, otherwise it pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.hub.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.Debug().Err(err).Msg("WebSocket write error")
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idle > s.hub.cfg.ClientTimeout {
				s.log.Debug().Dur("idle", idle).Msg("Peer timed out")
				_ = s.conn.Close()
				return
			}
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.log.Debug().Err(err).Msg("Ping failed")
				_ = s.conn.Close()
				return
			}
		}
	}
}

// enqueue hands an outbound payload to the write pump. A full buffer closes the connection so a slow consumer
// cannot stall the hub.
func (s *Session) enqueue(msg []byte) {
	select {
	case s.send <- msg:
	default:
		s.log.Warn().Msg("Session send buffer full, closing connection")
		_ = s.conn.Close()
	}
}

// shutdown delivers the server-restart close frame. The read loop observes the closed socket and performs normal
// teardown.
func (s *Session) shutdown() {
	msg := websocket.FormatCloseMessage(CloseRestart, restartReason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = s.conn.Close()
}

// close drops the socket without a close frame. Used when a reconnecting device displaces its old session.
func (s *Session) close() {
	_ = s.conn.Close()
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}
