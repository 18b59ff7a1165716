package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	streamName     = "PROCURE_EVENTS"
	streamSubjects = "procure.events.>"
	publishTimeout = 5 * time.Second
)

// BrokerPublisher publishes every event twice: to a redis pub/sub channel
// for real-time dashboard fan-out and to a NATS JetStream subject for the
// durable audit/archival stream. Both publishes are fire-and-forget from
// the caller's perspective; failures are logged, never propagated to the
// command that produced the event.
type BrokerPublisher struct {
	redis *redis.Client
	js    jetstream.JetStream
	log   zerolog.Logger
}

func NewBrokerPublisher(redisClient *redis.Client, natsConn *nats.Conn, log zerolog.Logger) (*BrokerPublisher, error) {
	p := &BrokerPublisher{redis: redisClient, log: log}

	if natsConn != nil {
		js, err := jetstream.New(natsConn)
		if err != nil {
			return nil, fmt.Errorf("jetstream context: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     streamName,
			Subjects: []string{streamSubjects},
			Storage:  jetstream.FileStorage,
			MaxAge:   30 * 24 * time.Hour,
		})
		if err != nil {
			return nil, fmt.Errorf("ensure stream: %w", err)
		}
		p.js = js
	}
	return p, nil
}

func (p *BrokerPublisher) Publish(channel string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error().Err(err).Str("channel", channel).Msg("marshal event")
		return
	}

	if p.redis != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()
			if err := p.redis.Publish(ctx, channel, payload).Err(); err != nil {
				p.log.Warn().Err(err).Str("channel", channel).Msg("redis publish failed")
			}
		}()
	}

	if p.js != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()
			subject := "procure.events." + ev.Kind + "." + ev.EntityID.String()
			if _, err := p.js.Publish(ctx, subject, payload); err != nil {
				p.log.Warn().Err(err).Str("subject", subject).Msg("jetstream publish failed")
			}
		}()
	}
}
