package pstryk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/log"
)

const (
	streamBackoffMin   = 5 * time.Second
	streamBackoffMax   = 5 * time.Minute
	streamPingInterval = 30 * time.Second
	streamReadTimeout  = 90 * time.Second

	// The feed goes quietly stale on long-lived connections, reconnect
	// periodically regardless of connection health.
	streamMaxConnAge = 2 * time.Hour
)

// LiveTotals is one to-date bucket of a live usage message. Pointers because
// the vendor omits buckets it has no fresh data for.
type LiveTotals struct {
	FaeUsage *float64 `json:"fae_usage"`
	FaeCost  *float64 `json:"fae_cost"`
}

// LiveUsage is the message pushed on the per-meter websocket whenever the
// meter reports new readings.
type LiveUsage struct {
	DayToDate   LiveTotals `json:"day_to_date"`
	WeekToDate  LiveTotals `json:"week_to_date"`
	MonthToDate LiveTotals `json:"month_to_date"`
}

// Stream maintains the per-meter websocket connection and delivers live
// usage messages to a callback. It reconnects with exponential backoff and
// handles token expiry during the handshake.
type Stream struct {
	client    *Client
	dialer    *websocket.Dialer
	onMessage func(LiveUsage)

	backoffMin time.Duration
	backoffMax time.Duration
	maxConnAge time.Duration

	connected atomic.Bool
}

// NewStream returns a stream for the client's meter. onMessage is called from
// the stream goroutine for every live usage message.
func NewStream(c *Client, onMessage func(LiveUsage)) *Stream {
	return &Stream{
		client:    c,
		dialer:    websocket.DefaultDialer,
		onMessage: onMessage,

		backoffMin: streamBackoffMin,
		backoffMax: streamBackoffMax,
		maxConnAge: streamMaxConnAge,
	}
}

// Connected reports whether the websocket is currently established.
func (s *Stream) Connected() bool {
	return s.connected.Load()
}

// wsURL derives the websocket endpoint from the API base URL.
func (s *Stream) wsURL(meterID int64) (string, error) {
	u, err := url.Parse(s.client.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	u.Path, err = url.JoinPath(u.Path, "ws", "meter-data", fmt.Sprintf("%d", meterID), "/")
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// Run maintains the connection until ctx is canceled. Failed dials are
// retried with exponential backoff; any established connection resets it, so
// only consecutive dial failures escalate the delay.
func (s *Stream) Run(ctx context.Context) error {
	backoff := s.backoffMin
	attempt := 0

	for {
		attempt++
		log.Ctx(ctx).DebugContext(ctx, "websocket connection attempt", slog.Int("attempt", attempt))

		established, err := s.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			backoff = s.backoffMin
			attempt = 0
		}
		if err == nil {
			// clean scheduled reconnect
			continue
		}

		log.Ctx(ctx).ErrorContext(ctx, "websocket connection error", log.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > s.backoffMax {
			backoff = s.backoffMax
		}
	}
}

// connect dials, then reads messages until the connection fails or ages out.
// It reports whether the websocket was established, and returns a nil error
// only for the scheduled reconnect.
func (s *Stream) connect(ctx context.Context) (bool, error) {
	token, err := s.client.AccessToken(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get access token: %w", err)
	}
	meterID, err := s.client.MeterID(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get meter id: %w", err)
	}
	wsURL, err := s.wsURL(meterID)
	if err != nil {
		return false, err
	}

	// the access token rides in the websocket subprotocol header
	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", token)

	conn, resp, err := s.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusInternalServerError {
			// an expired token surfaces as a 500 on the handshake
			log.Ctx(ctx).DebugContext(ctx, "websocket handshake rejected, invalidating token")
			s.client.InvalidateToken()
		}
		return false, fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	s.connected.Store(true)
	defer s.connected.Store(false)

	log.Ctx(ctx).InfoContext(ctx, "websocket connected", slog.Int64("meterID", meterID))

	connectedAt := time.Now()
	done := make(chan struct{})
	defer close(done)

	// unblock ReadMessage on cancellation
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// keepalive pings, the deadline is extended by pongs below
	go func() {
		t := time.NewTicker(streamPingInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})

	// the first frame after connecting replays the vendor's cached snapshot,
	// which may be stale, drop it
	first := true

	for {
		if time.Since(connectedAt) >= s.maxConnAge {
			log.Ctx(ctx).DebugContext(ctx, "performing scheduled websocket reconnection")
			return true, nil
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("read failed: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		if first {
			first = false
			log.Ctx(ctx).DebugContext(ctx, "ignoring first message after connection")
			continue
		}

		var msg LiveUsage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "invalid json in websocket message", log.Error(err))
			continue
		}

		if s.onMessage != nil {
			s.onMessage(msg)
		}
	}
}
