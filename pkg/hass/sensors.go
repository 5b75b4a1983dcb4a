package hass

import (
	"strconv"
	"time"

	"github.com/nlowe/hqtt"
	"github.com/nlowe/hqtt/hass"
	"github.com/nlowe/hqtt/mqtt"
	"github.com/nlowe/hqtt/platform"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/types"
)

const attributeHourFormat = "2006-01-02 15:00"

// floatMarshaler writes floats as plain decimal strings, which is what Home
// Assistant expects for numeric sensor states.
var floatMarshaler mqtt.ValueMarshaler[float64] = func(v float64) ([]byte, error) {
	return []byte(strconv.FormatFloat(v, 'f', -1, 64)), nil
}

// energySensor is a retained numeric sensor without attributes.
type energySensor = hqtt.Component[*platform.Sensor[float64, struct{}]]

// priceSensor carries the current gross price with the full board as
// attributes.
type priceSensor = hqtt.Component[*platform.Sensor[float64, priceAttributes]]

// priceAttributes mirrors the price board as entity attributes so automations
// can see the whole day, not just the current hour.
type priceAttributes struct {
	Prices         map[string]float64 `json:"prices"`
	NextHourPrice  *float64           `json:"next_hour_price,omitempty"`
	AveragePrice   float64            `json:"average_price"`
	CheapHours     []string           `json:"cheap_hours"`
	ExpensiveHours []string           `json:"expensive_hours"`
	IsCheap        bool               `json:"is_cheap"`
	IsExpensive    bool               `json:"is_expensive"`
	UpdatedAt      string             `json:"updated_at,omitempty"`
}

func newPriceAttributes(board types.PriceBoard, now time.Time) priceAttributes {
	attrs := priceAttributes{
		Prices:         make(map[string]float64, len(board.Frames)),
		AveragePrice:   board.AvgGrossPLNPerKWH,
		CheapHours:     []string{},
		ExpensiveHours: []string{},
	}
	for _, f := range board.Frames {
		hour := f.TSStart.Local().Format(attributeHourFormat)
		attrs.Prices[hour] = f.GrossPLNPerKWH
		if f.IsCheap {
			attrs.CheapHours = append(attrs.CheapHours, hour)
		}
		if f.IsExpensive {
			attrs.ExpensiveHours = append(attrs.ExpensiveHours, hour)
		}
	}
	if cur, ok := board.Current(now); ok {
		attrs.IsCheap = cur.IsCheap
		attrs.IsExpensive = cur.IsExpensive
	}
	if next, ok := board.Next(now); ok {
		attrs.NextHourPrice = &next.GrossPLNPerKWH
	}
	if !board.FetchedAt.IsZero() {
		attrs.UpdatedAt = board.FetchedAt.Local().Format(time.RFC3339)
	}
	return attrs
}

func newEnergySensor(topicPrefix, key, name, unit, icon string, stateClass hass.StateClass) *energySensor {
	return &energySensor{
		UniqueID:        topicPrefix + "_" + key,
		Name:            name,
		TopicPrefix:     mqtt.JoinTopic(topicPrefix, key),
		DefaultEntityID: "sensor." + topicPrefix + "_" + key,
		Icon:            icon,

		Availability: mqtt.NewValueWithOptions("available", hass.AvailabilityMarshaler, mqtt.WriteOptions{Retain: true}),

		Platform: &platform.Sensor[float64, struct{}]{
			State:                     mqtt.NewValueWithOptions("state", floatMarshaler, mqtt.WriteOptions{Retain: true}),
			StateClass:                stateClass,
			UnitOfMeasurement:         unit,
			SuggestedDisplayPrecision: 3,
			ForceUpdate:               true,
		},

		WriteOptions: mqtt.WriteOptions{Retain: true},
	}
}

func newPriceSensor(topicPrefix string) *priceSensor {
	return &priceSensor{
		UniqueID:        topicPrefix + "_current_price",
		Name:            "Current Price",
		TopicPrefix:     mqtt.JoinTopic(topicPrefix, "current_price"),
		DefaultEntityID: "sensor." + topicPrefix + "_current_price",
		Icon:            "mdi:cash-clock",

		Availability: mqtt.NewValueWithOptions("available", hass.AvailabilityMarshaler, mqtt.WriteOptions{Retain: true}),

		Platform: &platform.Sensor[float64, priceAttributes]{
			State:                     mqtt.NewValueWithOptions("state", floatMarshaler, mqtt.WriteOptions{Retain: true}),
			Attributes:                platform.NewSensorAttributeValue[priceAttributes]("attributes", nil),
			StateClass:                hass.StateClassMeasurement,
			UnitOfMeasurement:         "PLN/kWh",
			SuggestedDisplayPrecision: 2,
		},

		WriteOptions: mqtt.WriteOptions{Retain: true},
	}
}
