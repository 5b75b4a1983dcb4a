package pstryk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrices(t *testing.T) {
	t.Run("Parsing", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/auth/token/":
				json.NewEncoder(w).Encode(map[string]string{"access": "a"})
			case "/api/pricing/":
				assert.Equal(t, "hour", r.URL.Query().Get("resolution"))
				// frames out of order, one without an explicit end
				json.NewEncoder(w).Encode(map[string]interface{}{
					"frames": []map[string]interface{}{
						{"start": "2026-08-19T11:00:00Z", "end": "2026-08-19T12:00:00Z", "price_gross": 1.10, "is_expensive": true},
						{"start": "2026-08-19T10:00:00Z", "price_gross": 0.35, "is_cheap": true},
					},
					"price_gross_avg": 0.72,
				})
			default:
				http.Error(w, "not found", 404)
			}
		}))
		defer ts.Close()

		c := &Client{
			client:  ts.Client(),
			baseURL: ts.URL,
			creds:   types.Credentials{Email: "u", Password: "p", MeterID: 3},
		}

		board, err := c.Prices(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 0.72, board.AvgGrossPLNPerKWH)
		require.Len(t, board.Frames, 2)

		// sorted by start
		assert.Equal(t, 0.35, board.Frames[0].GrossPLNPerKWH)
		assert.True(t, board.Frames[0].IsCheap)
		assert.Equal(t, board.Frames[0].TSStart.Add(time.Hour), board.Frames[0].TSEnd, "missing end defaults to an hour")

		assert.Equal(t, 1.10, board.Frames[1].GrossPLNPerKWH)
		assert.True(t, board.Frames[1].IsExpensive)
	})

	t.Run("Caching", func(t *testing.T) {
		var requests atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/auth/token/":
				json.NewEncoder(w).Encode(map[string]string{"access": "a"})
			case "/api/pricing/":
				requests.Add(1)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"frames":          []map[string]interface{}{},
					"price_gross_avg": 0.5,
				})
			default:
				http.Error(w, "not found", 404)
			}
		}))
		defer ts.Close()

		c := &Client{
			client:  ts.Client(),
			baseURL: ts.URL,
			creds:   types.Credentials{Email: "u", Password: "p", MeterID: 3},
		}

		_, err := c.Prices(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(1), requests.Load())

		_, err = c.Prices(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(1), requests.Load(), "expected cached board")
	})
}
