package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/domain"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/metrics"
)

type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type wsClient struct {
	hub  *wsHub
	conn *websocket.Conn
	send chan []byte
}

type wsHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	logger     *slog.Logger
}

func newWSHub(logger *slog.Logger) *wsHub {
	return &wsHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *wsHub) run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				_ = client.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(2*time.Second),
				)
				close(client.send)
				delete(h.clients, client)
			}
			metrics.WSClientsConnected.Set(0)
			h.logger.Debug("ws hub stopped, all clients disconnected")
			return
		case client := <-h.register:
			h.clients[client] = true
			metrics.WSClientsConnected.Set(float64(len(h.clients)))
			h.logger.Debug("ws client connected", slog.Int("total", len(h.clients)))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				metrics.WSClientsConnected.Set(float64(len(h.clients)))
				h.logger.Debug("ws client disconnected", slog.Int("total", len(h.clients)))
			}
		case msg := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					close(client.send)
					delete(h.clients, client)
					metrics.WSClientsConnected.Set(float64(len(h.clients)))
				}
			}
		}
	}
}

// Close signals the hub to stop and disconnect all clients.
func (h *wsHub) Close() {
	close(h.done)
}

// Broadcast sends a typed JSON message to all connected clients. Slow
// clients are disconnected rather than blocking the hub.
func (h *wsHub) Broadcast(msgType string, data interface{}) {
	if len(h.clients) == 0 {
		return
	}
	msg := wsMessage{Type: msgType, Data: data}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal failed", slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- payload:
		metrics.WSBroadcastsTotal.Inc()
	default:
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

// activeJobSummary is the slice of a job the state feed publishes.
type activeJobSummary struct {
	ID       string           `json:"id"`
	ItemID   string           `json:"itemId"`
	WorkerID string           `json:"workerId"`
	Status   domain.JobStatus `json:"status"`
	Progress domain.Progress  `json:"progress"`
	ItemPath string           `json:"itemPath,omitempty"`
}

type stateSnapshot struct {
	ScanStatus domain.ScanStatus  `json:"scanStatus"`
	ActiveJobs []activeJobSummary `json:"activeJobs"`
	Counts     stateCounts        `json:"counts"`
}

type stateCounts struct {
	ItemsByStatus map[string]int `json:"itemsByStatus"`
	WorkersOnline int            `json:"workersOnline"`
}

// RunStateFeed pushes a compact coordinator snapshot to the websocket hub
// once a second, skipping ticks where nothing changed. Observer-only; the
// coordination protocol never rides this channel.
func (s *Server) RunStateFeed(ctx context.Context) {
	if s.wsHub == nil {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var last []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := s.buildStateSnapshot()
			payload, err := json.Marshal(snapshot)
			if err != nil {
				continue
			}
			if bytes.Equal(payload, last) {
				continue
			}
			last = payload
			s.wsHub.Broadcast("state", snapshot)
		}
	}
}

func (s *Server) buildStateSnapshot() stateSnapshot {
	snapshot := stateSnapshot{
		ActiveJobs: []activeJobSummary{},
		Counts:     stateCounts{ItemsByStatus: map[string]int{}},
	}
	s.store.View(func(doc *domain.Document) {
		snapshot.ScanStatus = doc.ScanStatus
		itemsByID := make(map[string]*domain.Item, len(doc.Items))
		for i := range doc.Items {
			item := &doc.Items[i]
			itemsByID[item.ID] = item
			snapshot.Counts.ItemsByStatus[string(item.Status)]++
		}
		for _, worker := range doc.Workers {
			if worker.Status == domain.WorkerOnline {
				snapshot.Counts.WorkersOnline++
			}
		}
		for _, job := range doc.Jobs {
			if !job.Status.Active() {
				continue
			}
			summary := activeJobSummary{
				ID:       job.ID,
				ItemID:   job.ItemID,
				WorkerID: job.WorkerID,
				Status:   job.Status,
				Progress: job.Progress,
			}
			if item := itemsByID[job.ItemID]; item != nil {
				summary.ItemPath = item.Path
			}
			snapshot.ActiveJobs = append(snapshot.ActiveJobs, summary)
		}
	})
	return snapshot
}
