// Package notification pushes change notices to map clients over websockets.
// Clients subscribe to a device (or to the overview, device 0) and are told to
// refetch when new locations for it land.
package notification

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/smukkama/devicemap/internal/connection"
	"github.com/smukkama/devicemap/internal/logger"
	"github.com/smukkama/devicemap/internal/protocol"
	"github.com/smukkama/devicemap/internal/timer"
)

// Conn serialises writes to a websocket
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

// NewConn wraps ws so concurrent senders are serialised
func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{ws: ws, writeTimeout: writeTimeout}
}

// Send writes msg as a JSON text frame
func (c *Conn) Send(msg interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteJSON(msg)
}

// Close closes the websocket
func (c *Conn) Close() error {
	return c.ws.Close()
}

// Hub owns the subscriber registry and fans notices out to it
type Hub struct {
	manager      *connection.Manager
	sched        *timer.Scheduler
	inactivity   time.Duration
	writeTimeout time.Duration
	log          zerolog.Logger
}

// NewHub creates a hub. Subscribers silent for longer than inactivity are
// disconnected.
func NewHub(manager *connection.Manager, sched *timer.Scheduler, inactivity, writeTimeout time.Duration) *Hub {
	return &Hub{
		manager:      manager,
		sched:        sched,
		inactivity:   inactivity,
		writeTimeout: writeTimeout,
		log:          logger.WithComponent("hub"),
	}
}

// Broadcast sends msg to every subscriber of deviceID and returns how many
// received it. A subscriber whose write fails is closed; its read loop then
// unregisters it.
func (h *Hub) Broadcast(deviceID int64, msg interface{}) int {
	return h.deliver(h.manager.ByDevice(deviceID), msg)
}

// NotifySession tells the sockets attached to a map session that its viewport
// settled and markers should be fetched again.
func (h *Hub) NotifySession(sessionID string) int {
	return h.deliver(h.manager.BySession(sessionID), protocol.NewViewportMessage(sessionID))
}

func (h *Hub) deliver(subs []*connection.Subscriber, msg interface{}) int {
	delivered := 0
	for _, sub := range subs {
		if err := sub.Conn.Send(msg); err != nil {
			h.log.Warn().Err(err).Str("connection_id", sub.ID).Msg("send failed, closing")
			sub.Conn.Close()
			continue
		}
		delivered++
	}
	return delivered
}

// Stats returns subscriber statistics
func (h *Hub) Stats() connection.ManagerStats {
	return h.manager.Stats()
}

// Serve runs the read loop of an upgraded socket until it closes
func (h *Hub) Serve(ws *websocket.Conn) {
	conn := NewConn(ws, h.writeTimeout)
	defer conn.Close()

	id := uuid.New().String()
	log := h.log.With().Str("connection_id", id).Str("remote_addr", ws.RemoteAddr().String()).Logger()

	if err := h.manager.Register(id, conn); err != nil {
		log.Warn().Err(err).Msg("rejecting websocket")
		conn.Send(protocol.NewAckMessage(protocol.AckStatusError))
		return
	}
	defer h.manager.Unregister(id)
	defer h.sched.Cancel(inactivityKey(id))

	log.Info().Msg("websocket connected")
	h.scheduleInactivityTimer(id)

	start := time.Now()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Dur("duration", time.Since(start)).Msg("websocket closed unexpectedly")
			} else {
				log.Info().Dur("duration", time.Since(start)).Msg("websocket closed")
			}
			return
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			log.Debug().Err(err).Msg("bad frame")
			if err := conn.Send(protocol.NewAckMessage(protocol.AckStatusError)); err != nil {
				return
			}
			continue
		}

		if err := h.handleMessage(id, msg, conn); err != nil {
			log.Warn().Err(err).Msg("failed to handle message")
			return
		}

		h.manager.UpdateActivity(id)
		h.scheduleInactivityTimer(id)
	}
}

func (h *Hub) handleMessage(id string, msg interface{}, conn *Conn) error {
	switch m := msg.(type) {
	case *protocol.SubscribeMessage:
		if err := h.manager.Subscribe(id, m.DeviceID, m.SessionID); err != nil {
			return err
		}
		h.log.Debug().
			Str("connection_id", id).
			Int64("device_id", m.DeviceID).
			Str("session_id", m.SessionID).
			Msg("subscribed")
		return conn.Send(protocol.NewAckMessage(protocol.AckStatusSubscribed))

	case *protocol.KeepaliveMessage:
		return conn.Send(protocol.NewAckMessage(protocol.AckStatusAlive))
	}
	return nil
}

func inactivityKey(id string) string {
	return "inactivity:" + id
}

// scheduleInactivityTimer closes the socket if nothing arrives in time
func (h *Hub) scheduleInactivityTimer(id string) {
	if h.inactivity <= 0 {
		return
	}

	err := h.sched.After(inactivityKey(id), h.inactivity, func() {
		sub, exists := h.manager.Get(id)
		if !exists {
			return
		}
		h.log.Info().Str("connection_id", id).Msg("inactivity timeout")
		sub.Conn.Close()
	})
	if err != nil {
		h.log.Debug().Err(err).Str("connection_id", id).Msg("inactivity timer not scheduled")
	}
}
