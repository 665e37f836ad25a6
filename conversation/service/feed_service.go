// Package service owns the realtime feed: persisting rows, replaying
// them on connect, and fanning events out to local subscribers and,
// through redis, to other instances.
package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	convmodels "roleplay-chat-demo/backend/conversation/models"
	"roleplay-chat-demo/backend/conversation/repository"
	domain "roleplay-chat-demo/backend/internal/models"
	"roleplay-chat-demo/backend/pkg/cache"
	"roleplay-chat-demo/backend/pkg/logger"
	"roleplay-chat-demo/backend/pkg/resilience"
	"roleplay-chat-demo/backend/shared/redis"

	"github.com/google/uuid"
)

// RelayChannel is the redis pub/sub channel carrying feed events between
// instances.
const RelayChannel = "feed.events"

// Event types carried over the relay.
const (
	EventMessage  = "message"
	EventToken    = "token"
	EventDone     = "done"
	EventProgress = "progress"
)

// Event is one feed occurrence for a conversation. Message events are
// persisted; token, done and progress events are transient.
type Event struct {
	Type           string                  `json:"type"`
	Origin         string                  `json:"origin,omitempty"`
	ConversationID string                  `json:"conversation_id"`
	Message        *domain.Message         `json:"message,omitempty"`
	MessageID      string                  `json:"message_id,omitempty"`
	Token          string                  `json:"token,omitempty"`
	Content        string                  `json:"content,omitempty"`
	Progress       domain.ProgressSnapshot `json:"progress,omitempty"`
}

// Handler receives feed events for a subscribed conversation.
type Handler func(Event)

// FeedService persists and fans out the realtime feed. Every event is
// dispatched locally first and then relayed through redis for other
// instances; the relay sits behind a circuit breaker so a dead redis
// degrades to local-only delivery instead of stalling ingest. Relay
// echoes of our own events are filtered by origin id, and downstream
// dedup absorbs any redelivery the filter misses.
type FeedService struct {
	messages  repository.MessageRepository
	scenarios repository.ScenarioRepository
	relay     *redis.Client
	breaker   *resilience.CircuitBreaker
	local     *cache.Cache
	log       *logger.Logger
	origin    string

	mu          sync.Mutex
	subscribers map[string]map[int]Handler
	nextSubID   int
}

// Config bundles the service dependencies. Relay may be nil for
// single-instance deployments.
type Config struct {
	Messages  repository.MessageRepository
	Scenarios repository.ScenarioRepository
	Relay     *redis.Client
	Cache     *cache.Cache
	Logger    *logger.Logger
}

func NewFeedService(cfg Config) *FeedService {
	log := cfg.Logger
	if log == nil {
		log = logger.GetGlobal()
	}
	local := cfg.Cache
	if local == nil {
		local = cache.New(5*time.Minute, 10*time.Minute, 1000)
	}
	return &FeedService{
		messages:    cfg.Messages,
		scenarios:   cfg.Scenarios,
		relay:       cfg.Relay,
		breaker:     resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("feed-relay"), log),
		local:       local,
		log:         log,
		origin:      uuid.New().String(),
		subscribers: make(map[string]map[int]Handler),
	}
}

// Subscribe registers a handler for a conversation's events and returns
// an unsubscribe func. Handlers run on the publishing goroutine.
func (s *FeedService) Subscribe(conversationID string, h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribers[conversationID] == nil {
		s.subscribers[conversationID] = make(map[int]Handler)
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[conversationID][id] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers[conversationID], id)
		if len(s.subscribers[conversationID]) == 0 {
			delete(s.subscribers, conversationID)
		}
	}
}

// IngestMessage persists a feed record and fans it out. Duplicate
// deliveries are absorbed at the row level and again by the pipeline's
// dedup, so callers never see a conflict error.
func (s *FeedService) IngestMessage(ctx context.Context, conversationID string, m domain.Message) error {
	row := convmodels.FromDomain(conversationID, m)
	if err := s.messages.CreateIfAbsent(&row); err != nil {
		return err
	}
	s.publish(ctx, Event{
		Type:           EventMessage,
		ConversationID: conversationID,
		Message:        &m,
	})
	return nil
}

// IngestToken fans out a partial-content update for the message being
// generated. Content carries a cumulative partial, Token a delta; the
// producer sets exactly one. Tokens are never persisted.
func (s *FeedService) IngestToken(ctx context.Context, conversationID, messageID, token, content string) {
	s.publish(ctx, Event{
		Type:           EventToken,
		ConversationID: conversationID,
		MessageID:      messageID,
		Token:          token,
		Content:        content,
	})
}

// CompleteGeneration fans out the completion marker for a message.
func (s *FeedService) CompleteGeneration(ctx context.Context, conversationID, messageID string) {
	s.publish(ctx, Event{
		Type:           EventDone,
		ConversationID: conversationID,
		MessageID:      messageID,
	})
}

// PublishProgress fans out a full objective-progress snapshot.
func (s *FeedService) PublishProgress(ctx context.Context, conversationID string, snapshot domain.ProgressSnapshot) {
	s.publish(ctx, Event{
		Type:           EventProgress,
		ConversationID: conversationID,
		Progress:       snapshot,
	})
}

// Replay returns the conversation's persisted rows as feed records, for
// seeding an engine on connect.
func (s *FeedService) Replay(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.messages.GetByConversation(conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Message, len(rows))
	for i, row := range rows {
		out[i] = row.Domain()
	}
	return out, nil
}

// MarkStreamed persists the streamed flag for messages that finished
// their first streamed display.
func (s *FeedService) MarkStreamed(conversationID string, externalIDs []string) error {
	return s.messages.MarkStreamed(conversationID, externalIDs)
}

// Opening returns a scenario's opening narration, checking the local
// cache, then redis, then the database. Missing scenarios yield an empty
// opening; the engine simply skips the synthetic turn-0 message.
func (s *FeedService) Opening(ctx context.Context, scenarioID string) string {
	if scenarioID == "" {
		return ""
	}
	cacheKey := "scenario:opening:" + scenarioID
	if v, ok := s.local.Get(cacheKey); ok {
		return v.(string)
	}
	if s.relay != nil {
		if v, err := s.relay.Get(ctx, cacheKey); err == nil {
			s.local.Set(cacheKey, v)
			return v
		} else if !redis.IsNil(err) {
			s.log.Warn("redis opening lookup failed", "error", err.Error())
		}
	}
	scenario, err := s.scenarios.GetByExternalID(scenarioID)
	if err != nil {
		s.log.Warn("scenario lookup failed", "scenario_id", scenarioID, "error", err.Error())
		return ""
	}
	s.local.Set(cacheKey, scenario.Opening)
	if s.relay != nil {
		if err := s.relay.Set(ctx, cacheKey, scenario.Opening, time.Hour); err != nil {
			s.log.Warn("redis opening cache failed", "error", err.Error())
		}
	}
	return scenario.Opening
}

// Objectives returns a scenario's objective definitions as the initial
// progress snapshot.
func (s *FeedService) Objectives(ctx context.Context, scenarioID string) domain.ProgressSnapshot {
	if scenarioID == "" {
		return domain.ProgressSnapshot{}
	}
	scenario, err := s.scenarios.GetByExternalID(scenarioID)
	if err != nil {
		return domain.ProgressSnapshot{}
	}
	return scenario.Objectives()
}

// StartRelay consumes the redis relay channel until ctx is cancelled,
// dispatching events from other instances to local subscribers. Safe to
// skip entirely when no relay is configured.
func (s *FeedService) StartRelay(ctx context.Context) {
	if s.relay == nil {
		return
	}
	go func() {
		err := s.relay.Subscribe(ctx, RelayChannel, func(payload []byte) {
			var ev Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				s.log.Warn("relay event decode failed", "error", err.Error())
				return
			}
			if ev.Origin == s.origin {
				return
			}
			s.dispatch(ev)
		})
		if err != nil && ctx.Err() == nil {
			s.log.LogError(err, "feed relay subscription ended")
		}
	}()
}

func (s *FeedService) publish(ctx context.Context, ev Event) {
	s.dispatch(ev)

	if s.relay == nil {
		return
	}
	ev.Origin = s.origin
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.LogError(err, "relay event encode failed")
		return
	}
	err = s.breaker.Execute(func() error {
		return s.relay.Publish(ctx, RelayChannel, payload)
	})
	if err != nil {
		s.log.Warn("relay publish skipped", "type", ev.Type, "error", err.Error())
	}
}

func (s *FeedService) dispatch(ev Event) {
	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.subscribers[ev.ConversationID]))
	for _, h := range s.subscribers[ev.ConversationID] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}
