// Package ws hosts conversation views over websocket. Each client owns
// one playback engine; the hub routes feed events into engines and
// engine output back to the browser.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"roleplay-chat-demo/backend/conversation/service"
	"roleplay-chat-demo/backend/internal/models"
	"roleplay-chat-demo/backend/internal/progress"
	"roleplay-chat-demo/backend/internal/scroll"
	"roleplay-chat-demo/backend/internal/session"
	"roleplay-chat-demo/backend/pkg/config"
	"roleplay-chat-demo/backend/pkg/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024 // 64KB
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
}

// Frame is the wire envelope in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Hub tracks connected conversation views.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	feed       *service.FeedService
	cfg        *config.Config
	log        *logger.Logger
}

func NewHub(feed *service.FeedService, cfg *config.Config, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		feed:       feed,
		cfg:        cfg,
		log:        log,
	}
}

// Run owns the client set. Registration and teardown are serialized
// here, so no lock guards the map.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.log.Info("client registered",
				"client_id", client.ID,
				"conversation_id", client.ConversationID,
			)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.teardown()
				h.log.Info("client unregistered", "client_id", client.ID)
			}
		}
	}
}

// Client is one connected conversation view: a websocket plus the
// playback engine rendering it.
type Client struct {
	ID             string
	ConversationID string
	ScenarioID     string
	Conn           *websocket.Conn
	Send           chan []byte
	Hub            *Hub

	engine      *session.Engine
	unsubscribe func()
	log         *logger.Logger
}

// ServeWs upgrades the connection and boots a conversation view:
// engine construction, scenario opening, feed replay and subscription,
// then the read/write pumps.
func ServeWs(hub *Hub, c *gin.Context) {
	conversationID := c.Query("conversationId")
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversationId is required"})
		return
	}

	clientID := c.Query("clientId")
	if clientID == "" {
		clientID = uuid.New().String()
	}
	scenarioID := c.Query("scenarioId")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.log.LogError(err, "websocket upgrade failed")
		return
	}
	conn.EnableWriteCompression(true)

	client := &Client{
		ID:             clientID,
		ConversationID: conversationID,
		ScenarioID:     scenarioID,
		Conn:           conn,
		Send:           make(chan []byte, 256),
		Hub:            hub,
		log:            hub.log.WithClientID(clientID).WithConversationID(conversationID),
	}

	client.engine = session.New(
		session.Config{
			FlushInterval:       hub.cfg.Stream.FlushInterval,
			NotificationTTL:     hub.cfg.Stream.NotificationTTL,
			NearBottomThreshold: hub.cfg.Stream.NearBottomThreshold,
			MaxQueueDepth:       hub.cfg.Stream.MaxQueueDepth,
		},
		session.Callbacks{
			Render:           client.sendRender,
			QueueChange:      client.sendQueueChange,
			Scroll:           client,
			Progress:         client.sendProgress,
			PresentationMode: client.sendPresentationMode,
			MarkStreamed:     client.persistStreamed,
		},
		client.log,
	)

	ctx := c.Request.Context()
	if opening := hub.feed.Opening(ctx, scenarioID); opening != "" {
		client.engine.SetOpening(opening)
	}
	if objectives := hub.feed.Objectives(ctx, scenarioID); len(objectives) > 0 {
		client.engine.UpdateProgress(objectives)
	}

	history, err := hub.feed.Replay(ctx, conversationID)
	if err != nil {
		client.log.LogError(err, "feed replay failed")
	} else if len(history) > 0 {
		client.engine.IngestReplay(history...)
	}

	client.unsubscribe = hub.feed.Subscribe(conversationID, client.handleFeedEvent)

	hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}

// handleFeedEvent routes one feed occurrence into the engine.
func (c *Client) handleFeedEvent(ev service.Event) {
	switch ev.Type {
	case service.EventMessage:
		if ev.Message != nil {
			c.engine.Ingest(*ev.Message)
		}
	case service.EventToken:
		if ev.Content != "" {
			c.engine.WriteContent(ev.MessageID, ev.Content)
		} else {
			c.engine.AppendToken(ev.MessageID, ev.Token)
		}
	case service.EventDone:
		c.engine.CompleteStream(ev.MessageID)
	case service.EventProgress:
		c.engine.UpdateProgress(ev.Progress)
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.LogError(err, "websocket read failed")
			}
			break
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn("bad client frame", "error", err.Error())
			continue
		}

		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame Frame) {
	switch frame.Type {
	case "user_message":
		c.handleUserMessage(frame.Content)
	case "skip":
		var body struct {
			MessageID string `json:"message_id"`
		}
		if err := json.Unmarshal(frame.Content, &body); err != nil {
			c.sendError("invalid skip payload")
			return
		}
		c.engine.SkipStreaming(body.MessageID)
	case "skip_all":
		c.engine.SkipAllStreaming()
	case "scroll":
		var body struct {
			OffsetFromBottom float64 `json:"offset_from_bottom"`
		}
		if err := json.Unmarshal(frame.Content, &body); err != nil {
			c.sendError("invalid scroll payload")
			return
		}
		c.engine.ObserveScroll(body.OffsetFromBottom)
	case "ping":
		c.send("pong", nil)
	default:
		c.log.Warn("unknown frame type", "type", frame.Type)
	}
}

func (c *Client) handleUserMessage(raw json.RawMessage) {
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("invalid message payload")
		return
	}
	if msg.Type == "" {
		msg.Type = models.TypeUserMessage
	}
	if msg.Type != models.TypeUserMessage {
		c.sendError("only user messages may be sent on this channel")
		return
	}
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	// Sending implies the user wants to be at the bottom.
	c.engine.NotifyUserSend()

	ctx, cancel := contextWithTimeout()
	defer cancel()
	if err := c.Hub.feed.IngestMessage(ctx, c.ConversationID, msg); err != nil {
		c.log.LogError(err, "user message ingest failed")
		c.sendError("failed to send message")
	}
}

// persistStreamed records finished streamed displays so reconnects show
// them instantly.
func (c *Client) persistStreamed(ids []string) {
	if err := c.Hub.feed.MarkStreamed(c.ConversationID, ids); err != nil {
		c.log.LogError(err, "mark streamed failed")
	}
}

// ScrollToBottom implements scroll.Sink by forwarding the intent to the
// browser.
func (c *Client) ScrollToBottom(behavior scroll.Behavior) {
	c.send("scroll", map[string]any{"behavior": behavior})
}

func (c *Client) sendRender(states []session.RenderState) {
	c.send("render", map[string]any{
		"messages":               states,
		"queue_length":           c.engine.QueueLength(),
		"currently_streaming_id": c.engine.CurrentlyStreamingID(),
	})
}

func (c *Client) sendQueueChange(queueLength int, anyStreaming bool) {
	c.send("queue", map[string]any{
		"queue_length":     queueLength,
		"is_any_streaming": anyStreaming,
	})
}

func (c *Client) sendProgress(active []progress.Notification) {
	c.send("progress", map[string]any{"notifications": active})
}

func (c *Client) sendPresentationMode(streaming bool) {
	c.send("presentation", map[string]any{"streaming": streaming})
}

func (c *Client) sendError(message string) {
	c.send("error", map[string]string{"message": message})
}

func (c *Client) send(frameType string, content any) {
	var raw json.RawMessage
	if content != nil {
		encoded, err := json.Marshal(content)
		if err != nil {
			c.log.LogError(err, "frame content encode failed", "type", frameType)
			return
		}
		raw = encoded
	}
	data, err := json.Marshal(Frame{Type: frameType, Content: raw})
	if err != nil {
		c.log.LogError(err, "frame encode failed", "type", frameType)
		return
	}

	select {
	case c.Send <- data:
	default:
		// Slow consumer; drop the frame rather than block the engine.
		c.log.Warn("send buffer full, dropping frame", "type", frameType)
	}
}

func (c *Client) teardown() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.engine.Close()
	close(c.Send)
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain any queued frames as separate websocket frames
			n := len(c.Send)
			for i := 0; i < n; i++ {
				extra := <-c.Send
				if err := c.Conn.WriteMessage(websocket.TextMessage, extra); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func contextWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
