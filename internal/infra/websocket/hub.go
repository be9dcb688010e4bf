package websocket

import (
	"context"
	"sync"

	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/logger"
)

const (
	// Max connections per subject.
	maxConnectionsPerSubject = 10

	// Broadcast buffer size.
	broadcastBufferSize = 256
)

// Hub maintains the set of active clients and broadcasts scan events to them.
type Hub struct {
	clients map[*Client]bool

	subjectConnCounts map[string]int

	// channel -> subscribed clients
	channels map[string]map[*Client]bool

	broadcast  chan *broadcastMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	logger *logger.Logger
	mu     sync.RWMutex
}

type broadcastMessage struct {
	Channel string
	Message *Message
}

// NewHub creates a new Hub. Run must be started before clients connect.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:           make(map[*Client]bool),
		subjectConnCounts: make(map[string]int),
		channels:          make(map[string]map[*Client]bool),
		broadcast:         make(chan *broadcastMessage, broadcastBufferSize),
		register:          make(chan *Client),
		unregister:        make(chan *Client),
		done:              make(chan struct{}),
		logger:            log.With("component", "websocket-hub"),
	}
}

// authorize reports whether channel is one clients may subscribe to.
func authorize(channel string) bool {
	typ, id := ParseChannel(channel)
	switch typ {
	case ChannelTypeScan:
		return id != ""
	case ChannelTypeScans:
		return id == ""
	default:
		return false
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket hub stopping")
			close(h.done)
			h.closeAllClients()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastToChannel(msg)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	if client.Subject != "" {
		count := h.subjectConnCounts[client.Subject]
		if count >= maxConnectionsPerSubject {
			h.mu.Unlock()
			h.logger.Warn("connection limit exceeded", "subject", client.Subject, "max", maxConnectionsPerSubject)
			client.Close()
			return
		}
		h.subjectConnCounts[client.Subject] = count + 1
	}
	h.clients[client] = true
	h.mu.Unlock()

	h.logger.Debug("client registered", "client_id", client.ID, "subject", client.Subject)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[client] {
		return
	}
	delete(h.clients, client)
	for channel, clients := range h.channels {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}
	if client.Subject != "" {
		if count := h.subjectConnCounts[client.Subject] - 1; count > 0 {
			h.subjectConnCounts[client.Subject] = count
		} else {
			delete(h.subjectConnCounts, client.Subject)
		}
	}
	h.logger.Debug("client unregistered", "client_id", client.ID)
}

// RegisterClient registers a new client. It reports false once the hub has stopped.
func (h *Hub) RegisterClient(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// PublishScan broadcasts the scan's state on its own channel and on the all-scans
// channel. It never blocks; events are dropped while the broadcast buffer is full.
func (h *Hub) PublishScan(_ context.Context, scan *triage.Scan) {
	event := NewScanEvent(scan)
	for _, channel := range []string{MakeChannel(ChannelTypeScan, event.ScanID), ChannelAllScans} {
		msg := &broadcastMessage{
			Channel: channel,
			Message: NewMessage(MessageTypeEvent).WithChannel(channel).WithData(event),
		}
		select {
		case h.broadcast <- msg:
		default:
			h.logger.Warn("broadcast buffer full, dropping scan event", "scan_id", event.ScanID)
		}
	}
}

// NewScanEvent builds the event payload for scan.
func NewScanEvent(scan *triage.Scan) ScanEvent {
	c := scan.Counts()
	return ScanEvent{
		ScanID:          scan.ID().String(),
		ConfigurationID: scan.ConfigurationID().String(),
		Status:          string(scan.Status()),
		Progress:        scan.Progress(),
		Message:         scan.Message(),
		ErrorMessage:    scan.ErrorMessage(),
		Control:         string(scan.Control()),
		TotalFindings:   c.Total,
		Processed:       c.Processed(),
		FalsePositives:  c.FalsePositives,
		TruePositives:   c.TruePositives,
		NeedsReview:     c.NeedsReview,
		CompletedAt:     scan.CompletedAt(),
		UpdatedAt:       scan.UpdatedAt(),
	}
}

func (h *Hub) subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][client] = true
}

func (h *Hub) unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.channels[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}
}

func (h *Hub) broadcastToChannel(msg *broadcastMessage) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.channels[msg.Channel]))
	for client := range h.channels[msg.Channel] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.SendMessage(msg.Message)
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
	h.channels = make(map[string]map[*Client]bool)
	h.subjectConnCounts = make(map[string]int)
}

// Stats returns hub statistics.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	channelStats := make(map[string]int, len(h.channels))
	for channel, clients := range h.channels {
		channelStats[channel] = len(clients)
	}
	return HubStats{
		TotalClients:   len(h.clients),
		TotalChannels:  len(h.channels),
		ChannelClients: channelStats,
	}
}

// HubStats contains hub statistics.
type HubStats struct {
	TotalClients   int            `json:"total_clients"`
	TotalChannels  int            `json:"total_channels"`
	ChannelClients map[string]int `json:"channel_clients"`
}
