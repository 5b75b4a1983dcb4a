package hass

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	hqttmqtt "github.com/nlowe/hqtt/mqtt"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu     sync.Mutex
	topics map[string][]byte
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{topics: map[string][]byte{}}
}

func (f *fakeWriter) WriteTopic(_ context.Context, topic string, _ hqttmqtt.WriteOptions, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics[topic] = value
	return nil
}

func (f *fakeWriter) payload(t *testing.T, topic string) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.topics[topic]
	require.True(t, ok, "expected a write to %s, got %v", topic, keys(f.topics))
	return string(v)
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func testPublisher(w *fakeWriter) *Publisher {
	p := &Publisher{
		topicPrefix: "pstryk2mqtt",
		deviceName:  "Pstryk Meter",
	}
	p.buildComponents()
	p.writer = w
	return p
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()

	hour := time.Now().Truncate(time.Hour)
	snap := types.Snapshot{
		MeterID: 7,
		Day:     types.EnergyTotals{UsageKWH: 10.5, CostPLN: 8.25},
		Week:    types.EnergyTotals{UsageKWH: 50, CostPLN: 40},
		Month:   types.EnergyTotals{UsageKWH: 200, CostPLN: 160},
		Prices: types.PriceBoard{
			Frames: []types.PriceFrame{
				{TSStart: hour, TSEnd: hour.Add(time.Hour), GrossPLNPerKWH: 0.85, IsCheap: true},
				{TSStart: hour.Add(time.Hour), TSEnd: hour.Add(2 * time.Hour), GrossPLNPerKWH: 1.20, IsExpensive: true},
			},
			AvgGrossPLNPerKWH: 1.02,
			FetchedAt:         time.Now(),
		},
		UpdatedAt: time.Now(),
	}

	t.Run("PublishSnapshot", func(t *testing.T) {
		w := newFakeWriter()
		p := testPublisher(w)

		require.NoError(t, p.PublishSnapshot(ctx, snap))

		assert.Equal(t, "10.5", w.payload(t, "pstryk2mqtt/day_usage/state"))
		assert.Equal(t, "50", w.payload(t, "pstryk2mqtt/week_usage/state"))
		assert.Equal(t, "200", w.payload(t, "pstryk2mqtt/month_usage/state"))
		assert.Equal(t, "8.25", w.payload(t, "pstryk2mqtt/day_cost/state"))
		assert.Equal(t, "online", w.payload(t, "pstryk2mqtt/day_usage/available"))

		assert.Equal(t, "0.85", w.payload(t, "pstryk2mqtt/current_price/state"))
		assert.Equal(t, "online", w.payload(t, "pstryk2mqtt/current_price/available"))

		var attrs priceAttributes
		require.NoError(t, json.Unmarshal([]byte(w.payload(t, "pstryk2mqtt/current_price/attributes")), &attrs))
		assert.Equal(t, 1.02, attrs.AveragePrice)
		assert.Len(t, attrs.Prices, 2)
		assert.Len(t, attrs.CheapHours, 1)
		assert.Len(t, attrs.ExpensiveHours, 1)
		assert.True(t, attrs.IsCheap)
		require.NotNil(t, attrs.NextHourPrice)
		assert.Equal(t, 1.20, *attrs.NextHourPrice)
	})

	t.Run("PriceUnavailableOutsideBoard", func(t *testing.T) {
		w := newFakeWriter()
		p := testPublisher(w)

		stale := snap
		old := hour.Add(-48 * time.Hour)
		stale.Prices = types.PriceBoard{
			Frames: []types.PriceFrame{
				{TSStart: old, TSEnd: old.Add(time.Hour), GrossPLNPerKWH: 0.5},
			},
		}

		require.NoError(t, p.PublishSnapshot(ctx, stale))

		assert.Equal(t, "offline", w.payload(t, "pstryk2mqtt/current_price/available"))
		_, wroteState := w.topics["pstryk2mqtt/current_price/state"]
		assert.False(t, wroteState, "no state should be written without a current frame")
	})

	t.Run("Rediscover", func(t *testing.T) {
		w := newFakeWriter()
		p := testPublisher(w)

		require.NoError(t, p.rediscover(ctx))

		var discoveryTopic string
		for topic := range w.topics {
			if strings.HasPrefix(topic, "homeassistant/device/") && strings.HasSuffix(topic, "/config") {
				discoveryTopic = topic
			}
		}
		require.NotEmpty(t, discoveryTopic, "discovery payload should be published")

		payload := w.payload(t, discoveryTopic)
		for _, uniqueID := range []string{
			"pstryk2mqtt_day_usage", "pstryk2mqtt_week_usage", "pstryk2mqtt_month_usage",
			"pstryk2mqtt_day_cost", "pstryk2mqtt_week_cost", "pstryk2mqtt_month_cost",
			"pstryk2mqtt_current_price",
		} {
			assert.Contains(t, payload, uniqueID)
		}
		assert.Contains(t, payload, "Pstryk Meter")
	})

	t.Run("RepublishWithoutSnapshot", func(t *testing.T) {
		w := newFakeWriter()
		p := testPublisher(w)

		require.NoError(t, p.republish(ctx))

		assert.Equal(t, "online", w.payload(t, "pstryk2mqtt/day_usage/available"))
		_, wroteState := w.topics["pstryk2mqtt/day_usage/state"]
		assert.False(t, wroteState, "no state should be written before the first snapshot")
	})

	t.Run("NotConnected", func(t *testing.T) {
		p := &Publisher{topicPrefix: "pstryk2mqtt"}
		p.buildComponents()
		require.Error(t, p.PublishSnapshot(ctx, snap))
	})
}
