package relay

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventSink receives relay lifecycle events (client connected, session
// attached, extension disconnected, ...) for external observability.
// Publishing is fire-and-forget and never blocks routing; it does not
// persist session state (spec.md §1 Non-goals).
type EventSink interface {
	Publish(event string, fields map[string]interface{})
	Close()
}

type noopEventSink struct{}

func (noopEventSink) Publish(string, map[string]interface{}) {}
func (noopEventSink) Close()                                 {}

// RedisEventSink publishes lifecycle events to a Redis pub/sub channel,
// adapted from packages/go-shared/redis.go's RedisClient wrapper (there
// used to persist session state in a hash; here repurposed to a pure
// broadcast stream).
type RedisEventSink struct {
	client  *redis.Client
	channel string
	log     *log.Logger
}

func NewRedisEventSink(addr, password, channel string) *RedisEventSink {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	return &RedisEventSink{
		client:  rdb,
		channel: channel,
		log:     log.New(log.Writer(), "cdp-relay[eventsink]: ", log.LstdFlags),
	}
}

func (s *RedisEventSink) Publish(event string, fields map[string]interface{}) {
	payload := map[string]interface{}{
		"event":  event,
		"fields": fields,
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Printf("marshal event %s: %v", event, err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
			s.log.Printf("publish event %s: %v", event, err)
		}
	}()
}

func (s *RedisEventSink) Close() {
	_ = s.client.Close()
}
