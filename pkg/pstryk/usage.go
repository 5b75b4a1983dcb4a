package pstryk

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/log"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/types"
)

// apiTimeFormat is the window timestamp format the meter-data endpoints
// expect. Windows are always sent in UTC.
const apiTimeFormat = "2006-01-02T15:04:05.000Z"

type meterDataFrame struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	FaeUsage float64   `json:"fae_usage"`
	FaeCost  float64   `json:"fae_cost"`
}

type meterDataResponse struct {
	Frames []meterDataFrame `json:"frames"`
	// a pointer so an explicit zero total is distinguishable from the field
	// being absent
	FaeTotal *float64 `json:"fae_total"`
}

// dayWindow returns the local Polish calendar day containing now.
func dayWindow(now time.Time) (time.Time, time.Time) {
	now = now.In(plLocation)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, plLocation)
	return start, start.AddDate(0, 0, 1)
}

// weekWindow returns the local Polish ISO week (Monday start) containing now.
func weekWindow(now time.Time) (time.Time, time.Time) {
	now = now.In(plLocation)
	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, plLocation)
	start = start.AddDate(0, 0, -(weekday - 1))
	return start, start.AddDate(0, 0, 7)
}

// monthWindow returns the local Polish calendar month containing now.
func monthWindow(now time.Time) (time.Time, time.Time) {
	now = now.In(plLocation)
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, plLocation)
	return start, start.AddDate(0, 1, 0)
}

func windowBounds(w types.Window, now time.Time) (time.Time, time.Time, types.Resolution, error) {
	switch w {
	case types.WindowDay:
		start, end := dayWindow(now)
		return start, end, types.ResolutionHour, nil
	case types.WindowWeek:
		start, end := weekWindow(now)
		return start, end, types.ResolutionWeek, nil
	case types.WindowMonth:
		start, end := monthWindow(now)
		return start, end, types.ResolutionMonth, nil
	default:
		return time.Time{}, time.Time{}, "", fmt.Errorf("unknown window: %s", w)
	}
}

func (c *Client) meterData(ctx context.Context, kind string, frameValue func(meterDataFrame) float64, res types.Resolution, start, end time.Time) (float64, error) {
	meterID, err := c.MeterID(ctx)
	if err != nil {
		return 0, err
	}

	params := url.Values{}
	params.Set("resolution", string(res))
	params.Set("window_start", start.UTC().Format(apiTimeFormat))
	params.Set("window_end", end.UTC().Format(apiTimeFormat))

	endpoint := fmt.Sprintf("api/meter-data/%d/%s/", meterID, kind)
	req, err := c.newGetRequest(ctx, endpoint, params)
	if err != nil {
		return 0, err
	}

	var data meterDataResponse
	if err := c.doAuthenticated(req, &data); err != nil {
		return 0, fmt.Errorf("%s failed: %w", kind, err)
	}

	// older API revisions omit the precomputed total
	var total float64
	if data.FaeTotal != nil {
		total = *data.FaeTotal
	} else {
		for _, f := range data.Frames {
			total += frameValue(f)
		}
	}

	log.Ctx(ctx).DebugContext(ctx, "fetched meter data",
		slog.String("kind", kind),
		slog.String("resolution", string(res)),
		slog.Time("start", start),
		slog.Time("end", end),
		slog.Float64("total", total),
		slog.Int("frames", len(data.Frames)),
	)

	return total, nil
}

// Usage returns the active energy drawn from the grid (kWh) in the given
// to-date window.
func (c *Client) Usage(ctx context.Context, w types.Window) (float64, error) {
	start, end, res, err := windowBounds(w, time.Now())
	if err != nil {
		return 0, err
	}
	return c.meterData(ctx, "power-usage", func(f meterDataFrame) float64 { return f.FaeUsage }, res, start, end)
}

// Cost returns the cost (PLN) of the energy drawn in the given to-date window.
func (c *Client) Cost(ctx context.Context, w types.Window) (float64, error) {
	start, end, res, err := windowBounds(w, time.Now())
	if err != nil {
		return 0, err
	}
	return c.meterData(ctx, "power-cost", func(f meterDataFrame) float64 { return f.FaeCost }, res, start, end)
}

// Summary fetches usage and cost for all three to-date windows plus the price
// board and assembles a full snapshot.
func (c *Client) Summary(ctx context.Context) (types.Snapshot, error) {
	meterID, err := c.MeterID(ctx)
	if err != nil {
		return types.Snapshot{}, err
	}

	snap := types.Snapshot{MeterID: meterID}

	windows := []struct {
		w    types.Window
		dest *types.EnergyTotals
	}{
		{types.WindowDay, &snap.Day},
		{types.WindowWeek, &snap.Week},
		{types.WindowMonth, &snap.Month},
	}

	for _, win := range windows {
		usage, err := c.Usage(ctx, win.w)
		if err != nil {
			return types.Snapshot{}, err
		}
		cost, err := c.Cost(ctx, win.w)
		if err != nil {
			return types.Snapshot{}, err
		}
		win.dest.UsageKWH = usage
		win.dest.CostPLN = cost
	}

	board, err := c.Prices(ctx)
	if err != nil {
		return types.Snapshot{}, err
	}
	snap.Prices = board
	snap.UpdatedAt = time.Now()

	return snap, nil
}
