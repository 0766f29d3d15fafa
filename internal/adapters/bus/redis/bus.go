// Package redis implements the message bus, output ring buffer, and
// telemetry cache on a single Redis client. Events fan out on one pub/sub
// channel per owner, commands on one channel per machine; publishing to a
// channel with no subscriber is a silent drop, which is exactly the
// at-most-once command contract.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetdeck.gateway/internal/core/domain"
	"fleetdeck.gateway/internal/core/logger"
	"fleetdeck.gateway/internal/core/ports"
	"fleetdeck.gateway/internal/core/protocol"
)

const (
	eventChannelPrefix   = "relay:events:"
	commandChannelPrefix = "relay:commands:"
	outputKeyPrefix      = "relay:output:"
	telemetryKeyPrefix   = "relay:telemetry:"

	// Per-subscriber delivery buffer. When a dashboard cannot drain this
	// fast enough its messages are dropped, never the publisher blocked.
	subscriberBuffer = 256
)

type Adapter struct {
	client       *redis.Client
	maxLines     int64
	outputTTL    time.Duration
	telemetryTTL time.Duration
}

func NewAdapter(url string, maxLines int, outputTTL, telemetryTTL time.Duration) (*Adapter, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	return &Adapter{
		client:       client,
		maxLines:     int64(maxLines),
		outputTTL:    outputTTL,
		telemetryTTL: telemetryTTL,
	}, client, nil
}

// Bus implementation

func (a *Adapter) PublishEvent(ctx context.Context, ownerID string, event protocol.Event) error {
	data, err := event.Encode()
	if err != nil {
		return err
	}
	return a.client.Publish(ctx, eventChannelPrefix+ownerID, data).Err()
}

func (a *Adapter) SubscribeEvents(ctx context.Context, ownerID string) (<-chan protocol.Event, func(), error) {
	pubsub := a.client.Subscribe(ctx, eventChannelPrefix+ownerID)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, err
	}

	ch := make(chan protocol.Event, subscriberBuffer)
	go func() {
		defer close(ch)
		for msg := range pubsub.Channel() {
			event, err := protocol.DecodeEvent([]byte(msg.Payload))
			if err != nil {
				logger.Debug("dropping malformed bus event", "error", err)
				continue
			}
			select {
			case ch <- event:
			default:
				// Slow subscriber: drop rather than block the bus reader.
			}
		}
	}()

	return ch, func() { pubsub.Close() }, nil
}

func (a *Adapter) PublishCommand(ctx context.Context, machineID string, cmd *protocol.Command) error {
	data, err := cmd.Encode()
	if err != nil {
		return err
	}
	return a.client.Publish(ctx, commandChannelPrefix+machineID, data).Err()
}

func (a *Adapter) SubscribeCommands(ctx context.Context, machineID string) (<-chan *protocol.Command, func(), error) {
	pubsub := a.client.Subscribe(ctx, commandChannelPrefix+machineID)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, err
	}

	ch := make(chan *protocol.Command, subscriberBuffer)
	go func() {
		defer close(ch)
		for msg := range pubsub.Channel() {
			cmd, err := protocol.DecodeCommand([]byte(msg.Payload))
			if err != nil {
				logger.Debug("dropping malformed bus command", "error", err)
				continue
			}
			select {
			case ch <- cmd:
			default:
			}
		}
	}()

	return ch, func() { pubsub.Close() }, nil
}

func (a *Adapter) SubscribeAllEvents(ctx context.Context) (<-chan ports.OwnedEvent, func(), error) {
	pubsub := a.client.PSubscribe(ctx, eventChannelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, err
	}

	ch := make(chan ports.OwnedEvent, subscriberBuffer)
	go func() {
		defer close(ch)
		for msg := range pubsub.Channel() {
			event, err := protocol.DecodeEvent([]byte(msg.Payload))
			if err != nil {
				continue
			}
			owned := ports.OwnedEvent{
				OwnerID: msg.Channel[len(eventChannelPrefix):],
				Event:   event,
			}
			select {
			case ch <- owned:
			default:
			}
		}
	}()

	return ch, func() { pubsub.Close() }, nil
}

// OutputBuffer implementation: a capped list per session. LTRIM keeps the
// newest maxLines entries and every append pushes the expiry forward.

func (a *Adapter) Append(ctx context.Context, sessionID string, chunk []byte) error {
	key := outputKeyPrefix + sessionID
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, chunk)
		pipe.LTrim(ctx, key, -a.maxLines, -1)
		pipe.Expire(ctx, key, a.outputTTL)
		return nil
	})
	return err
}

func (a *Adapter) Read(ctx context.Context, sessionID string, offset, limit int64) ([][]byte, error) {
	if limit <= 0 {
		limit = a.maxLines
	}
	values, err := a.client.LRange(ctx, outputKeyPrefix+sessionID, offset, offset+limit-1).Result()
	if err != nil {
		return nil, err
	}
	chunks := make([][]byte, len(values))
	for i, v := range values {
		chunks[i] = []byte(v)
	}
	return chunks, nil
}

// TelemetryCache implementation

func (a *Adapter) Put(ctx context.Context, sample *domain.TelemetrySample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	return a.client.Set(ctx, telemetryKeyPrefix+sample.MachineID, data, a.telemetryTTL).Err()
}

func (a *Adapter) Get(ctx context.Context, machineID string) (*domain.TelemetrySample, error) {
	data, err := a.client.Get(ctx, telemetryKeyPrefix+machineID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var sample domain.TelemetrySample
	if err := json.Unmarshal(data, &sample); err != nil {
		return nil, fmt.Errorf("decode telemetry sample: %w", err)
	}
	return &sample, nil
}
