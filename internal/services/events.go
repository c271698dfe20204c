package services

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"stackyn/builder/internal/domain"
)

const (
	eventChannelPrefix = "builds:"
	eventChannelSuffix = ":events"

	// EventChannelPattern matches the event channel of every build
	EventChannelPattern = eventChannelPrefix + "*" + eventChannelSuffix
)

// EventChannel returns the Redis channel carrying the events of a build
func EventChannel(buildID string) string {
	return eventChannelPrefix + buildID + eventChannelSuffix
}

// buildIDFromChannel is the inverse of EventChannel
func buildIDFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, eventChannelPrefix) || !strings.HasSuffix(channel, eventChannelSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(channel, eventChannelPrefix), eventChannelSuffix)
	return id, id != ""
}

// EventMessage is the payload published for every pipeline event
type EventMessage struct {
	BuildID string       `json:"build_id"`
	Event   domain.Event `json:"event"`
}

// RedisPublisher is the part of the Redis client the publisher needs
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// EventPublisher publishes pipeline events from build workers
type EventPublisher struct {
	rdb    RedisPublisher
	logger *zap.Logger
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(rdb RedisPublisher, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{
		rdb:    rdb,
		logger: logger,
	}
}

// ForBuild returns an observer publishing the events of buildID
func (p *EventPublisher) ForBuild(ctx context.Context, buildID string) *BuildEventSink {
	return &BuildEventSink{
		ctx:     context.WithoutCancel(ctx),
		rdb:     p.rdb,
		buildID: buildID,
		channel: EventChannel(buildID),
		logger:  p.logger.With(zap.String("build_id", buildID)),
	}
}

// BuildEventSink publishes the events of one build. Publish failures are
// logged; live events are best effort and the build log is authoritative.
type BuildEventSink struct {
	ctx     context.Context
	rdb     RedisPublisher
	buildID string
	channel string
	logger  *zap.Logger
}

// OnEvent publishes event
func (s *BuildEventSink) OnEvent(event domain.Event) {
	payload, err := json.Marshal(EventMessage{BuildID: s.buildID, Event: event})
	if err != nil {
		s.logger.Warn("Failed to encode build event", zap.Error(err))
		return
	}
	if err := s.rdb.Publish(s.ctx, s.channel, payload).Err(); err != nil {
		s.logger.Warn("Failed to publish build event",
			zap.String("kind", string(event.Kind)),
			zap.Error(err),
		)
	}
}

// EventRelay forwards published build events to the websocket hub
type EventRelay struct {
	rdb    *redis.Client
	hub    *Hub
	logger *zap.Logger
}

// NewEventRelay creates a new relay
func NewEventRelay(rdb *redis.Client, hub *Hub, logger *zap.Logger) *EventRelay {
	return &EventRelay{
		rdb:    rdb,
		hub:    hub,
		logger: logger,
	}
}

// Run relays events until ctx is done
func (r *EventRelay) Run(ctx context.Context) error {
	pubsub := r.rdb.PSubscribe(ctx, EventChannelPattern)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	r.logger.Info("Relaying build events", zap.String("pattern", EventChannelPattern))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			buildID, ok := buildIDFromChannel(msg.Channel)
			if !ok {
				continue
			}
			r.hub.Broadcast(buildID, []byte(msg.Payload))
		}
	}
}
