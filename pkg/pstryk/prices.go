package pstryk

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"time"

	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/log"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/types"
)

type pricingFrame struct {
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	PriceGross  float64   `json:"price_gross"`
	IsCheap     bool      `json:"is_cheap"`
	IsExpensive bool      `json:"is_expensive"`
}

type pricingResponse struct {
	Frames        []pricingFrame `json:"frames"`
	PriceGrossAvg float64        `json:"price_gross_avg"`
}

// Prices returns the hourly price board covering today and tomorrow. The
// board only changes when the vendor publishes new frames, so results are
// cached per 5 minute block.
func (c *Client) Prices(ctx context.Context) (types.PriceBoard, error) {
	now := time.Now().In(plLocation)

	c.pricesMu.Lock()
	if !c.lastPriceFetch.IsZero() && !now.Truncate(5*time.Minute).After(c.lastPriceFetch) {
		board := c.cachedBoard
		c.pricesMu.Unlock()
		return board, nil
	}
	c.pricesMu.Unlock()

	board, err := c.fetchPrices(ctx, now)
	if err != nil {
		return types.PriceBoard{}, err
	}

	c.pricesMu.Lock()
	c.cachedBoard = board
	c.lastPriceFetch = now
	c.pricesMu.Unlock()

	return board, nil
}

func (c *Client) fetchPrices(ctx context.Context, now time.Time) (types.PriceBoard, error) {
	if _, err := c.MeterID(ctx); err != nil {
		return types.PriceBoard{}, err
	}

	// day-ahead frames appear in the afternoon, request through tomorrow
	start, _ := dayWindow(now)
	end := start.AddDate(0, 0, 2)

	params := url.Values{}
	params.Set("resolution", string(types.ResolutionHour))
	params.Set("window_start", start.UTC().Format(apiTimeFormat))
	params.Set("window_end", end.UTC().Format(apiTimeFormat))

	req, err := c.newGetRequest(ctx, "api/pricing/", params)
	if err != nil {
		return types.PriceBoard{}, err
	}

	var res pricingResponse
	if err := c.doAuthenticated(req, &res); err != nil {
		return types.PriceBoard{}, fmt.Errorf("pricing failed: %w", err)
	}

	board := types.PriceBoard{
		AvgGrossPLNPerKWH: res.PriceGrossAvg,
		FetchedAt:         time.Now(),
	}
	for _, f := range res.Frames {
		if f.Start.IsZero() {
			log.Ctx(ctx).WarnContext(ctx, "pricing frame missing start, skipping")
			continue
		}
		frameEnd := f.End
		if frameEnd.IsZero() {
			frameEnd = f.Start.Add(time.Hour)
		}
		board.Frames = append(board.Frames, types.PriceFrame{
			TSStart:        f.Start,
			TSEnd:          frameEnd,
			GrossPLNPerKWH: f.PriceGross,
			IsCheap:        f.IsCheap,
			IsExpensive:    f.IsExpensive,
		})
	}

	sort.Slice(board.Frames, func(i, j int) bool {
		return board.Frames[i].TSStart.Before(board.Frames[j].TSStart)
	})

	var earliest, latest time.Time
	if len(board.Frames) > 0 {
		earliest = board.Frames[0].TSStart
		latest = board.Frames[len(board.Frames)-1].TSEnd
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched price board",
		slog.Int("count", len(board.Frames)),
		slog.Float64("avg", board.AvgGrossPLNPerKWH),
		slog.Time("earliest", earliest),
		slog.Time("latest", latest),
	)

	return board, nil
}
