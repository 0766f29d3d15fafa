// Package mqtt bridges relay events to an external MQTT broker for
// integrations that cannot hold a dashboard WebSocket open. Only status
// and alert events are republished; terminal output stays inside the
// relay.
package mqtt

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"fleetdeck.gateway/internal/core/logger"
	"fleetdeck.gateway/internal/core/ports"
	"fleetdeck.gateway/internal/core/protocol"
)

type Publisher struct {
	client mqtt.Client
	bus    ports.Bus
	prefix string
}

// NewPublisher connects to the broker and returns the bridge.
func NewPublisher(bus ports.Bus, brokerURL string) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("fleetdeck-gateway-%d", time.Now().UnixNano()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	logger.Info("connected to MQTT broker", "broker", brokerURL)
	return &Publisher{
		client: client,
		bus:    bus,
		prefix: "fleetdeck",
	}, nil
}

// Start consumes the event bus until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	events, cancel, err := p.bus.SubscribeAllEvents(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to relay events: %w", err)
	}

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case owned, ok := <-events:
				if !ok {
					return
				}
				p.republish(owned)
			}
		}
	}()
	return nil
}

func (p *Publisher) republish(owned ports.OwnedEvent) {
	var topic string
	switch owned.Event.Type {
	case protocol.TypeMachineUpdated:
		// Topic: fleetdeck/{owner}/machines
		topic = fmt.Sprintf("%s/%s/machines", p.prefix, owned.OwnerID)
	case protocol.TypeAlertFired:
		topic = fmt.Sprintf("%s/%s/alerts", p.prefix, owned.OwnerID)
	default:
		return
	}

	data, err := owned.Event.Encode()
	if err != nil {
		return
	}
	p.client.Publish(topic, 0, false, data)
}
