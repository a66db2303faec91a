// Package websocket pushes call lifecycle events to subscribed clients.
// Clients subscribe to topics ("calls", "calls/<id>", "policy") and receive
// every event published to them.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Event types published by the call manager.
const (
	EventCallCreated      = "call.created"
	EventCallVerified     = "call.verified"
	EventCallStatus       = "call.status"
	EventCallCompleted    = "call.completed"
	EventCallCancelled    = "call.cancelled"
	EventCallJoined       = "call.joined"
	EventSummaryGenerated = "summary.generated"
	EventPolicyUpdated    = "policy.updated"
)

// Topics.
const (
	TopicCalls  = "calls"
	TopicPolicy = "policy"
)

// CallTopic is the per-call topic.
func CallTopic(callID string) string { return TopicCalls + "/" + callID }

// Event is a real-time notification sent to clients.
type Event struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	CallID string `json:"callId,omitempty"`
	Actor  string `json:"actor,omitempty"`
	// Tenant limits delivery to clients of that tenant; empty reaches all.
	Tenant    string          `json:"tenant,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event with payload marshalled as JSON.
func NewEvent(eventType, topic, callID, actor string, payload interface{}, at time.Time) (Event, error) {
	ev := Event{Type: eventType, Topic: topic, CallID: callID, Actor: actor, Timestamp: at}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		ev.Data = data
	}
	return ev, nil
}

// ClientMessage is an inbound subscription request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// EventPublisher is implemented by anything that can deliver events.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Fanout publishes each event to every publisher in order and joins their
// errors. A failing publisher does not stop the others.
type Fanout []EventPublisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Client is a single websocket connection.
type Client struct {
	ID     string
	Tenant string
	Topics []string
	Send   chan []byte
	hub    *Hub
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "ws-hub").Logger(),
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(topic, client)
	}
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds topics to a registered client.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if _, ok := h.clients[topic][client]; ok {
			continue
		}
		h.addLocked(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		drop[t] = struct{}{}
		h.removeLocked(t, client)
	}
	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if _, ok := drop[t]; !ok {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) addLocked(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// ProcessMessage dispatches a ClientMessage to Subscribe or Unsubscribe.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Publish delivers the event to subscribers of its topic and of every parent
// topic, so a "calls" subscriber sees events for "calls/<id>". A client
// subscribed to both receives the event once. Tenant-scoped events skip
// clients of other tenants.
func (h *Hub) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", event.Type).Msg("marshal event")
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, topic := range topicChain(event.Topic) {
		for client := range h.clients[topic] {
			if _, ok := seen[client]; ok {
				continue
			}
			if event.Tenant != "" && client.Tenant != event.Tenant {
				continue
			}
			seen[client] = struct{}{}
			select {
			case client.Send <- data:
			default:
				h.logger.Warn().Str("client_id", client.ID).Str("type", event.Type).Msg("client buffer full, event dropped")
			}
		}
	}
	return nil
}

// topicChain returns topic followed by each of its parents.
func topicChain(topic string) []string {
	chain := []string{topic}
	for {
		i := strings.LastIndex(topic, "/")
		if i <= 0 {
			return chain
		}
		topic = topic[:i]
		chain = append(chain, topic)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Handler upgrades HTTP requests to websocket connections bound to a Hub.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler creates a Handler. allowedOrigins mirrors the CORS setting; a
// "*" entry accepts any origin.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// RegisterRoutes mounts the websocket endpoint on g.
func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection and subscribes the client to the
// topics named in the "topics" query parameter (comma separated).
func (wsh *Handler) HandleConnect(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	tenant, _ := c.Get("tenant_id").(string)
	client := &Client{
		ID:     uuid.New().String(),
		Tenant: tenant,
		Topics: parseTopics(c.QueryParam("topics")),
		Send:   make(chan []byte, 256),
		hub:    wsh.hub,
	}
	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func parseTopics(raw string) []string {
	topics := []string{}
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}
