// internal/api/websocket.go
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Tighten in production deployments.
		return true
	},
}

// progressClient is one websocket subscriber to a generation job.
type progressClient struct {
	conn   *websocket.Conn
	jobID  string
	send   chan []byte
	closed int32
}

func (client *progressClient) close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		client.conn.Close()
	}
}

func (client *progressClient) isClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// enqueue queues a message without blocking. A slow consumer loses updates
// rather than stalling generation.
func (client *progressClient) enqueue(message []byte) {
	if client.isClosed() {
		return
	}
	select {
	case client.send <- message:
	default:
		logrus.WithField("job_id", client.jobID).Warn("progress queue full, update dropped")
	}
}

// ProgressHub fans generation progress out to websocket subscribers, keyed
// by job id.
type ProgressHub struct {
	clients map[string]map[*progressClient]struct{}
	mu      sync.RWMutex
}

// NewProgressHub creates an empty hub.
func NewProgressHub() *ProgressHub {
	return &ProgressHub{
		clients: make(map[string]map[*progressClient]struct{}),
	}
}

// Subscribe upgrades the request and streams updates for jobID until the
// client disconnects.
func (hub *ProgressHub) Subscribe(c *gin.Context, jobID string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &progressClient{
		conn:  conn,
		jobID: jobID,
		send:  make(chan []byte, 64),
	}

	hub.mu.Lock()
	if hub.clients[jobID] == nil {
		hub.clients[jobID] = make(map[*progressClient]struct{})
	}
	hub.clients[jobID][client] = struct{}{}
	hub.mu.Unlock()

	go hub.writePump(client)
	hub.readPump(client)
}

// Publish sends an update to every subscriber of jobID.
func (hub *ProgressHub) Publish(jobID string, update interface{}) {
	payload, err := json.Marshal(update)
	if err != nil {
		logrus.WithError(err).Error("failed to marshal progress update")
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	for client := range hub.clients[jobID] {
		client.enqueue(payload)
	}
}

// SubscriberCount reports active subscribers for a job.
func (hub *ProgressHub) SubscriberCount(jobID string) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients[jobID])
}

func (hub *ProgressHub) remove(client *progressClient) {
	hub.mu.Lock()
	if set, ok := hub.clients[client.jobID]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(hub.clients, client.jobID)
		}
	}
	hub.mu.Unlock()
	client.close()
}

// readPump drains client frames so control messages are processed; the
// stream is one-way and incoming data is discarded.
func (hub *ProgressHub) readPump(client *progressClient) {
	defer hub.remove(client)

	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (hub *ProgressHub) writePump(client *progressClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
