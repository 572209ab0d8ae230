package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

const (
	DefaultStreamMaxLen = 100000
	DefaultEventTTL     = 7 * 24 * time.Hour
	DefaultRedisPrefix  = "analytics"
)

// RedisStreamAdapter поток событий с вторичными индексами и pub/sub рассылкой.
// Событие хранится по ключу <prefix>:event:<id>, индексы - sorted set по времени.
type RedisStreamAdapter struct {
	name   string
	client *redis.Client
	prefix string
	maxLen int64
	ttl    time.Duration
	logger logger.Logger
}

type RedisStreamOptions struct {
	Prefix   string
	MaxLen   int64
	EventTTL time.Duration
}

func NewRedisStreamAdapter(name string, client *redis.Client, opts RedisStreamOptions, log logger.Logger) *RedisStreamAdapter {
	if opts.Prefix == "" {
		opts.Prefix = DefaultRedisPrefix
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = DefaultStreamMaxLen
	}
	if opts.EventTTL <= 0 {
		opts.EventTTL = DefaultEventTTL
	}
	return &RedisStreamAdapter{
		name:   name,
		client: client,
		prefix: opts.Prefix,
		maxLen: opts.MaxLen,
		ttl:    opts.EventTTL,
		logger: log.WithField("backend", name),
	}
}

func (a *RedisStreamAdapter) streamKey() string {
	return a.prefix + ":events"
}

func (a *RedisStreamAdapter) eventKey(id string) string {
	return a.prefix + ":event:" + id
}

func (a *RedisStreamAdapter) typeIndexKey(eventType string) string {
	return a.prefix + ":idx:type:" + eventType
}

func (a *RedisStreamAdapter) actorIndexKey(actorID string) string {
	return a.prefix + ":idx:actor:" + actorID
}

func (a *RedisStreamAdapter) timeIndexKey() string {
	return a.prefix + ":idx:all"
}

// ChannelName канал pub/sub для событий типа eventType
func (a *RedisStreamAdapter) ChannelName(eventType string) string {
	return a.prefix + ":events:" + eventType
}

func (a *RedisStreamAdapter) Name() string {
	return a.name
}

func (a *RedisStreamAdapter) Record(ctx context.Context, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	score := float64(event.Timestamp.UnixMilli())
	member := redis.Z{Score: score, Member: event.ID}
	indexes := []string{a.typeIndexKey(event.Type), a.timeIndexKey()}
	if actor := event.ActorID(); actor != "" {
		indexes = append(indexes, a.actorIndexKey(actor))
	}
	expireBefore := strconv.FormatInt(time.Now().Add(-a.ttl).UnixMilli(), 10)

	pipe := a.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: a.streamKey(),
		MaxLen: a.maxLen,
		Approx: true,
		Values: map[string]interface{}{"id": event.ID, "type": event.Type, "data": data},
	})
	pipe.Set(ctx, a.eventKey(event.ID), data, a.ttl)
	for _, idx := range indexes {
		pipe.ZAdd(ctx, idx, member)
		pipe.ZRemRangeByScore(ctx, idx, "-inf", "("+expireBefore)
	}
	pipe.Publish(ctx, a.ChannelName(event.Type), data)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write event to redis: %w", err)
	}
	return nil
}

// indexFor выбирает самый узкий индекс для фильтра
func (a *RedisStreamAdapter) indexFor(filter models.EventFilter) []string {
	switch {
	case filter.ActorID != "":
		return []string{a.actorIndexKey(filter.ActorID)}
	case len(filter.EventTypes) > 0:
		keys := make([]string, len(filter.EventTypes))
		for i, t := range filter.EventTypes {
			keys[i] = a.typeIndexKey(t)
		}
		return keys
	default:
		return []string{a.timeIndexKey()}
	}
}

func scoreRange(filter models.EventFilter) *redis.ZRangeBy {
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !filter.From.IsZero() {
		rng.Min = strconv.FormatInt(filter.From.UnixMilli(), 10)
	}
	if !filter.To.IsZero() {
		rng.Max = strconv.FormatInt(filter.To.UnixMilli(), 10)
	}
	return rng
}

func (a *RedisStreamAdapter) Query(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	rng := scoreRange(filter)

	seen := make(map[string]struct{})
	var keys []string
	for _, idx := range a.indexFor(filter) {
		ids, err := a.client.ZRangeByScore(ctx, idx, rng).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read index %s: %w", idx, err)
		}
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			keys = append(keys, a.eventKey(id))
		}
	}

	events := make([]models.Event, 0, len(keys))
	if len(keys) == 0 {
		return events, nil
	}

	values, err := a.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// событие истекло, а индекс еще не почищен
			continue
		}
		var ev models.Event
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			a.logger.WithError(err).Warn("Skipping undecodable event", logger.Field{Key: "key", Value: keys[i]})
			continue
		}
		if !filter.Matches(ev) {
			continue
		}
		events = append(events, ev)
	}

	sortByTimestamp(events)
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, nil
}

// Subscribe подписывается на живой поток событий указанных типов
func (a *RedisStreamAdapter) Subscribe(ctx context.Context, eventTypes ...string) (<-chan models.Event, func() error) {
	channels := make([]string, len(eventTypes))
	for i, t := range eventTypes {
		channels[i] = a.ChannelName(t)
	}
	var pubsub *redis.PubSub
	if len(channels) == 0 {
		pubsub = a.client.PSubscribe(ctx, a.ChannelName("*"))
	} else {
		pubsub = a.client.Subscribe(ctx, channels...)
	}

	out := make(chan models.Event)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var ev models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				a.logger.WithError(err).Warn("Skipping undecodable pub/sub message")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, pubsub.Close
}

func (a *RedisStreamAdapter) HealthCheck(ctx context.Context) error {
	if err := a.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}
