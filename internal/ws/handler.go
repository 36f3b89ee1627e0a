// Package ws streams round lifecycle events to websocket subscribers.
// Connections are read-only for clients; all state changes go through the
// HTTP API.
package ws

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"lotto-service/internal/service/round"
	appErr "lotto-service/pkg/errors"
	"lotto-service/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Handler struct {
	roundSvc *round.Service
}

func NewHandler(roundSvc *round.Service) *Handler {
	return &Handler{roundSvc: roundSvc}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for dev
	},
}

func (h *Handler) HandleRoundWS(c *gin.Context) {
	roundID, err := strconv.ParseInt(c.Param("roundId"), 10, 64)
	if err != nil || roundID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid round id"})
		return
	}

	if _, err := h.roundSvc.Get(c.Request.Context(), roundID); err != nil {
		if errors.Is(err, appErr.ErrRoundNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "round not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load round"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	logger.Log.Info("New WebSocket connection", zap.Int64("roundID", roundID))

	client := newClient(conn, roundID, h.roundSvc.Events())
	client.run()
}

type client struct {
	conn         *websocket.Conn
	roundID      int64
	hub          *round.Hub
	subscriberID int64
	outbound     chan round.Event
	done         chan struct{}
	pingEvery    time.Duration
}

func newClient(conn *websocket.Conn, roundID int64, hub *round.Hub) *client {
	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	subscriberID, outbound := hub.Subscribe(roundID)
	return &client{
		conn:         conn,
		roundID:      roundID,
		hub:          hub,
		subscriberID: subscriberID,
		outbound:     outbound,
		done:         make(chan struct{}),
		pingEvery:    25 * time.Second,
	}
}

func (c *client) run() {
	go c.writePump()
	c.readPump()
}

func (c *client) readPump() {
	defer c.close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.pingEvery)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case event, ok := <-c.outbound:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	select {
	case <-c.done:
	default:
		close(c.done)
		c.hub.Unsubscribe(c.roundID, c.subscriberID)
		c.conn.Close()
	}
}
