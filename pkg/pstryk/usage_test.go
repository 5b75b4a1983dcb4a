package pstryk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindows(t *testing.T) {
	// Wednesday 2026-08-19 14:30 local
	now := time.Date(2026, 8, 19, 14, 30, 0, 0, plLocation)

	t.Run("Day", func(t *testing.T) {
		start, end := dayWindow(now)
		assert.Equal(t, time.Date(2026, 8, 19, 0, 0, 0, 0, plLocation), start)
		assert.Equal(t, time.Date(2026, 8, 20, 0, 0, 0, 0, plLocation), end)
	})

	t.Run("Week", func(t *testing.T) {
		start, end := weekWindow(now)
		assert.Equal(t, time.Date(2026, 8, 17, 0, 0, 0, 0, plLocation), start, "weeks start on Monday")
		assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, plLocation), end)
	})

	t.Run("WeekOnSunday", func(t *testing.T) {
		sunday := time.Date(2026, 8, 23, 9, 0, 0, 0, plLocation)
		start, _ := weekWindow(sunday)
		assert.Equal(t, time.Date(2026, 8, 17, 0, 0, 0, 0, plLocation), start, "Sunday belongs to the preceding Monday's week")
	})

	t.Run("Month", func(t *testing.T) {
		start, end := monthWindow(now)
		assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, plLocation), start)
		assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, plLocation), end)
	})

	t.Run("UnknownWindow", func(t *testing.T) {
		_, _, _, err := windowBounds(types.Window("year"), now)
		require.Error(t, err)
	})
}

func meterDataTestServer(t *testing.T, usage, cost float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/token/":
			json.NewEncoder(w).Encode(map[string]string{"access": "a", "refresh": "r"})
		case "/api/meter-data/9/power-usage/":
			json.NewEncoder(w).Encode(map[string]interface{}{"fae_total": usage})
		case "/api/meter-data/9/power-cost/":
			json.NewEncoder(w).Encode(map[string]interface{}{"fae_total": cost})
		case "/api/pricing/":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"frames": []map[string]interface{}{
					{"start": "2026-08-19T10:00:00Z", "end": "2026-08-19T11:00:00Z", "price_gross": 0.85},
				},
				"price_gross_avg": 0.85,
			})
		default:
			http.Error(w, "not found: "+r.URL.Path, 404)
		}
	}))
}

func TestUsage(t *testing.T) {
	t.Run("WindowParams", func(t *testing.T) {
		var gotResolution, gotStart, gotEnd string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/auth/token/":
				json.NewEncoder(w).Encode(map[string]string{"access": "a"})
			case "/api/meter-data/9/power-usage/":
				gotResolution = r.URL.Query().Get("resolution")
				gotStart = r.URL.Query().Get("window_start")
				gotEnd = r.URL.Query().Get("window_end")
				json.NewEncoder(w).Encode(map[string]interface{}{"fae_total": 1.0})
			default:
				http.Error(w, "not found", 404)
			}
		}))
		defer ts.Close()

		c := &Client{
			client:  ts.Client(),
			baseURL: ts.URL,
			creds:   types.Credentials{Email: "u", Password: "p", MeterID: 9},
		}

		_, err := c.Usage(context.Background(), types.WindowDay)
		require.NoError(t, err)

		assert.Equal(t, "hour", gotResolution, "day window should use hourly resolution")

		wantStart, wantEnd := dayWindow(time.Now())
		assert.Equal(t, wantStart.UTC().Format(apiTimeFormat), gotStart)
		assert.Equal(t, wantEnd.UTC().Format(apiTimeFormat), gotEnd)
	})

	t.Run("FrameFallback", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/auth/token/":
				json.NewEncoder(w).Encode(map[string]string{"access": "a"})
			case "/api/meter-data/9/power-usage/", "/api/meter-data/9/power-cost/":
				// no fae_total, totals must be summed from frames. Frames
				// carry both fields, only the one matching the endpoint
				// counts.
				json.NewEncoder(w).Encode(map[string]interface{}{
					"frames": []map[string]interface{}{
						{"fae_usage": 1.5, "fae_cost": 0.6},
						{"fae_usage": 2.5, "fae_cost": 1.0},
					},
				})
			default:
				http.Error(w, "not found", 404)
			}
		}))
		defer ts.Close()

		c := &Client{
			client:  ts.Client(),
			baseURL: ts.URL,
			creds:   types.Credentials{Email: "u", Password: "p", MeterID: 9},
		}

		usage, err := c.Usage(context.Background(), types.WindowDay)
		require.NoError(t, err)
		assert.Equal(t, 4.0, usage, "usage must only sum fae_usage")

		cost, err := c.Cost(context.Background(), types.WindowDay)
		require.NoError(t, err)
		assert.Equal(t, 1.6, cost, "cost must only sum fae_cost")
	})

	t.Run("ZeroTotal", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/auth/token/":
				json.NewEncoder(w).Encode(map[string]string{"access": "a"})
			case "/api/meter-data/9/power-usage/":
				// an explicit zero total must win over the frames
				json.NewEncoder(w).Encode(map[string]interface{}{
					"fae_total": 0.0,
					"frames": []map[string]interface{}{
						{"fae_usage": 5.0},
					},
				})
			default:
				http.Error(w, "not found", 404)
			}
		}))
		defer ts.Close()

		c := &Client{
			client:  ts.Client(),
			baseURL: ts.URL,
			creds:   types.Credentials{Email: "u", Password: "p", MeterID: 9},
		}

		usage, err := c.Usage(context.Background(), types.WindowDay)
		require.NoError(t, err)
		assert.Equal(t, 0.0, usage)
	})

	t.Run("Summary", func(t *testing.T) {
		ts := meterDataTestServer(t, 12.5, 9.75)
		defer ts.Close()

		c := &Client{
			client:  ts.Client(),
			baseURL: ts.URL,
			creds:   types.Credentials{Email: "u", Password: "p", MeterID: 9},
		}

		snap, err := c.Summary(context.Background())
		require.NoError(t, err)

		assert.Equal(t, int64(9), snap.MeterID)
		assert.Equal(t, 12.5, snap.Day.UsageKWH)
		assert.Equal(t, 9.75, snap.Day.CostPLN)
		assert.Equal(t, 12.5, snap.Month.UsageKWH)
		require.Len(t, snap.Prices.Frames, 1)
		assert.Equal(t, 0.85, snap.Prices.Frames[0].GrossPLNPerKWH)
		assert.False(t, snap.UpdatedAt.IsZero())
	})
}
