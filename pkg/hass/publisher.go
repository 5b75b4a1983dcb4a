// Package hass publishes snapshots to Home Assistant over MQTT using its
// device discovery protocol.
package hass

import (
	"context"
	"encoding/json/v2"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/nlowe/hqtt"
	"github.com/nlowe/hqtt/discovery"
	"github.com/nlowe/hqtt/hass"
	"github.com/nlowe/hqtt/mqtt"
	adapter "github.com/nlowe/hqtt/mqtt/adapter/autopaho"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/log"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/types"
)

// Publisher exposes the meter as a Home Assistant device with usage, cost,
// and price sensors. Discovery and state are re-sent whenever Home Assistant
// announces itself on its status topic.
type Publisher struct {
	brokerURL   string
	username    string
	password    string
	topicPrefix string
	deviceName  string

	writer     mqtt.Writer
	subscriber mqtt.Subscriber
	disconnect func(context.Context) error

	device     *hqtt.Device
	components map[string]json.MarshalerTo

	dayUsage   *energySensor
	weekUsage  *energySensor
	monthUsage *energySensor
	dayCost    *energySensor
	weekCost   *energySensor
	monthCost  *energySensor
	price      *priceSensor

	mu       sync.Mutex
	lastSnap types.Snapshot
	haveSnap bool
}

// Configured initializes the Publisher.
// It uses lflag to register command-line flags for configuration.
func Configured() *Publisher {
	broker := lflag.String("mqtt-broker", "mqtt://localhost:1883", "MQTT broker URL")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	topicPrefix := lflag.String("mqtt-topic-prefix", "pstryk2mqtt", "Prefix for MQTT state topics and entity IDs")
	deviceName := lflag.String("device-name", "Pstryk Meter", "Home Assistant device name")

	p := &Publisher{}

	lflag.Do(func() {
		p.brokerURL = *broker
		p.username = *username
		p.password = *password
		p.topicPrefix = *topicPrefix
		p.deviceName = *deviceName
		p.buildComponents()
	})

	return p
}

func (p *Publisher) buildComponents() {
	prefix := p.topicPrefix

	p.dayUsage = newEnergySensor(prefix, "day_usage", "Daily Usage", "kWh", "mdi:lightning-bolt", hass.StateClassTotalIncreasing)
	p.weekUsage = newEnergySensor(prefix, "week_usage", "Weekly Usage", "kWh", "mdi:lightning-bolt", hass.StateClassTotalIncreasing)
	p.monthUsage = newEnergySensor(prefix, "month_usage", "Monthly Usage", "kWh", "mdi:lightning-bolt", hass.StateClassTotalIncreasing)
	p.dayCost = newEnergySensor(prefix, "day_cost", "Daily Cost", "PLN", "mdi:cash", hass.StateClassTotal)
	p.weekCost = newEnergySensor(prefix, "week_cost", "Weekly Cost", "PLN", "mdi:cash", hass.StateClassTotal)
	p.monthCost = newEnergySensor(prefix, "month_cost", "Monthly Cost", "PLN", "mdi:cash", hass.StateClassTotal)
	p.price = newPriceSensor(prefix)

	p.device = &hqtt.Device{
		Name:         p.deviceName,
		Manufacturer: "Pstryk",
		Identifiers:  []string{prefix},
	}

	p.components = map[string]json.MarshalerTo{
		p.dayUsage.UniqueID:   p.dayUsage,
		p.weekUsage.UniqueID:  p.weekUsage,
		p.monthUsage.UniqueID: p.monthUsage,
		p.dayCost.UniqueID:    p.dayCost,
		p.weekCost.UniqueID:   p.weekCost,
		p.monthCost.UniqueID:  p.monthCost,
		p.price.UniqueID:      p.price,
	}
}

func (p *Publisher) energySensors() []*energySensor {
	return []*energySensor{p.dayUsage, p.weekUsage, p.monthUsage, p.dayCost, p.weekCost, p.monthCost}
}

// Connect dials the broker, watches Home Assistant's status topic, and sends
// the initial discovery payload.
func (p *Publisher) Connect(ctx context.Context) error {
	u, err := url.Parse(p.brokerURL)
	if err != nil {
		return fmt.Errorf("invalid mqtt-broker url (%s): %w", p.brokerURL, err)
	}

	logger := log.ForComponent("mqtt")

	cfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{u},
		KeepAlive:  20,

		// survive short broker outages without losing queued messages
		SessionExpiryInterval: 60,

		ConnectUsername: p.username,

		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("mqtt connected")
		},
		OnConnectError: func(err error) {
			logger.Error("mqtt connection error", log.Error(err))
		},

		ClientConfig: paho.ClientConfig{
			ClientID: "pstryk2mqtt:" + uuid.NewString(),
			OnClientError: func(err error) {
				logger.Error("mqtt client error", log.Error(err))
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				logger.Warn("disconnected from mqtt broker", slog.Int("reason", int(d.ReasonCode)))
			},
		},
	}
	if p.password != "" {
		cfg.ConnectPassword = []byte(p.password)
	}

	w, s, disconnect, err := adapter.DialMQTT(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	p.writer = w
	p.subscriber = s
	p.disconnect = disconnect

	hassAvailability := discovery.HomeAssistantAvailability(discovery.DefaultPrefix)
	if err := s.Subscribe(ctx, hassAvailability, mqtt.Subscription{Topic: hassAvailability.FullyQualifiedTopic("")}); err != nil {
		return fmt.Errorf("failed to subscribe to home assistant status: %w", err)
	}

	// a Home Assistant restart wipes non-retained discovery state, so resend
	// everything when it comes back
	hassAvailability.Watch(func(availability hass.Availability) {
		if availability != hass.Available {
			return
		}
		logger.Info("home assistant came up, re-sending discovery")
		if err := p.rediscover(ctx); err != nil {
			logger.Error("failed to re-send discovery", log.Error(err))
		}
		if err := p.republish(ctx); err != nil {
			logger.Error("failed to republish state", log.Error(err))
		}
	})

	return p.rediscover(ctx)
}

// Close disconnects from the broker.
func (p *Publisher) Close(ctx context.Context) error {
	if p.disconnect == nil {
		return nil
	}
	return p.disconnect(ctx)
}

// rediscover sends the device discovery payload.
func (p *Publisher) rediscover(ctx context.Context) error {
	return p.device.Configure(ctx, p.writer, discovery.DefaultPrefix, p.components)
}

// republish re-sends the last snapshot, or just availability if no snapshot
// arrived yet.
func (p *Publisher) republish(ctx context.Context) error {
	p.mu.Lock()
	snap, have := p.lastSnap, p.haveSnap
	p.mu.Unlock()

	if have {
		return p.PublishSnapshot(ctx, snap)
	}

	var errs []error
	for _, s := range p.energySensors() {
		errs = append(errs, mqtt.Error(s.Availability.Write(ctx, p.writer, s.TopicPrefix, hass.Available)))
	}
	errs = append(errs, mqtt.Error(p.price.Availability.Write(ctx, p.writer, p.price.TopicPrefix, hass.Available)))
	return errors.Join(errs...)
}

// PublishSnapshot writes every sensor's state and availability.
func (p *Publisher) PublishSnapshot(ctx context.Context, snap types.Snapshot) error {
	if p.writer == nil {
		return errors.New("publisher is not connected")
	}

	p.mu.Lock()
	p.lastSnap = snap
	p.haveSnap = true
	p.mu.Unlock()

	errs := []error{
		p.writeEnergy(ctx, p.dayUsage, snap.Day.UsageKWH),
		p.writeEnergy(ctx, p.weekUsage, snap.Week.UsageKWH),
		p.writeEnergy(ctx, p.monthUsage, snap.Month.UsageKWH),
		p.writeEnergy(ctx, p.dayCost, snap.Day.CostPLN),
		p.writeEnergy(ctx, p.weekCost, snap.Week.CostPLN),
		p.writeEnergy(ctx, p.monthCost, snap.Month.CostPLN),
		p.writePrice(ctx, snap.Prices),
	}
	return errors.Join(errs...)
}

func (p *Publisher) writeEnergy(ctx context.Context, s *energySensor, v float64) error {
	return errors.Join(
		mqtt.Error(s.Platform.State.Write(ctx, p.writer, s.TopicPrefix, v)),
		mqtt.Error(s.Availability.Write(ctx, p.writer, s.TopicPrefix, hass.Available)),
	)
}

// writePrice publishes the current gross price with the board as attributes.
// The sensor is marked unavailable when the board has no frame for this hour.
func (p *Publisher) writePrice(ctx context.Context, board types.PriceBoard) error {
	now := time.Now()

	errs := []error{
		mqtt.Error(p.price.Platform.Attributes.Write(ctx, p.writer, p.price.TopicPrefix, newPriceAttributes(board, now))),
	}

	cur, ok := board.Current(now)
	if !ok {
		errs = append(errs, mqtt.Error(p.price.Availability.Write(ctx, p.writer, p.price.TopicPrefix, hass.Unavailable)))
		return errors.Join(errs...)
	}

	errs = append(errs,
		mqtt.Error(p.price.Platform.State.Write(ctx, p.writer, p.price.TopicPrefix, cur.GrossPLNPerKWH)),
		mqtt.Error(p.price.Availability.Write(ctx, p.writer, p.price.TopicPrefix, hass.Available)),
	)
	return errors.Join(errs...)
}
