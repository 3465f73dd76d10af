package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"hftsim-go/internal/bus"
	"hftsim-go/internal/signal"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS is enforced on the REST routes; stream clients may come from anywhere.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans bus events out to websocket clients as {event, ts, payload}
// frames. Ticks are sampled per instrument so a fast feed cannot flood
// slow clients.
type Hub struct {
	log    zerolog.Logger
	bus    *bus.Bus
	clock  clock.Clock
	sample time.Duration

	mu      sync.RWMutex
	clients map[*Client]struct{}
	subs    []*bus.Subscription

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHub builds a hub. sample <= 0 forwards every tick. Frame timestamps and
// tick sampling follow clk; a nil clock uses wall time.
func NewHub(b *bus.Bus, log zerolog.Logger, clk clock.Clock, sample time.Duration) *Hub {
	if clk == nil {
		clk = clock.New()
	}
	return &Hub{
		log:      log.With().Str("component", "ws").Logger(),
		bus:      b,
		clock:    clk,
		sample:   sample,
		clients:  make(map[*Client]struct{}),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Start subscribes to every topic.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs != nil {
		return nil
	}
	for _, topic := range signal.Topics() {
		sub, err := h.bus.Subscribe(topic, h.forward)
		if err != nil {
			for _, s := range h.subs {
				s.Unsubscribe()
			}
			h.subs = nil
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// Stop detaches from the bus and disconnects every client.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	clients := h.clients
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	for c := range clients {
		close(c.send)
	}
	return nil
}

// Clients reports how many stream clients are connected.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers a client. The optional
// ?topics=a,b query narrows the initial subscription set; default is all topics.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		id:     uuid.NewString(),
		topics: make(map[signal.Topic]bool),
	}
	initial := signal.Topics()
	if raw := r.URL.Query().Get("topics"); raw != "" {
		initial = parseTopics(strings.Split(raw, ","))
	}
	for _, t := range initial {
		client.topics[t] = true
	}

	h.register(client)
	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Str("client", c.id).Int("total", n).Msg("client connected")
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Str("client", c.id).Int("total", n).Msg("client disconnected")
}

func (h *Hub) forward(p signal.Payload) {
	if tick, ok := p.(signal.Tick); ok && !h.allowTick(tick.Instrument) {
		return
	}
	message, err := json.Marshal(signal.Wrap(p, h.clock.Now()))
	if err != nil {
		h.log.Error().Err(err).Str("topic", string(p.Topic())).Msg("marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subscribed(p.Topic()) {
			continue
		}
		select {
		case c.send <- message:
		default:
			// slow client, skip this frame
		}
	}
}

func (h *Hub) allowTick(instrument string) bool {
	if h.sample <= 0 {
		return true
	}
	h.limMu.Lock()
	lim, ok := h.limiters[instrument]
	if !ok {
		lim = rate.NewLimiter(rate.Every(h.sample), 1)
		h.limiters[instrument] = lim
	}
	h.limMu.Unlock()
	return lim.AllowN(h.clock.Now(), 1)
}

// Client is one websocket stream connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	topicsMu sync.RWMutex
	topics   map[signal.Topic]bool
}

func (c *Client) subscribed(t signal.Topic) bool {
	c.topicsMu.RLock()
	defer c.topicsMu.RUnlock()
	return c.topics[t]
}

func (c *Client) apply(req SubscribeRequest) {
	topics := parseTopics(req.Topics)
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	for _, t := range topics {
		switch req.Op {
		case "subscribe":
			c.topics[t] = true
		case "unsubscribe":
			delete(c.topics, t)
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Str("client", c.id).Msg("read error")
			}
			return
		}
		var req SubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.log.Warn().Err(err).Str("client", c.id).Msg("invalid message")
			continue
		}
		if req.Op != "subscribe" && req.Op != "unsubscribe" {
			c.hub.log.Warn().Str("op", req.Op).Msg("unknown op")
			continue
		}
		c.apply(req)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func parseTopics(raw []string) []signal.Topic {
	var out []signal.Topic
	for _, name := range raw {
		if t, ok := signal.ParseTopic(strings.TrimSpace(name)); ok {
			out = append(out, t)
		}
	}
	return out
}
