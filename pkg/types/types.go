package types

import (
	"time"
)

// Window identifies a to-date accumulation window for usage and cost data.
type Window string

const (
	WindowDay   Window = "day"
	WindowWeek  Window = "week"
	WindowMonth Window = "month"
)

// Resolution identifies the bucket size for meter-data queries.
type Resolution string

const (
	ResolutionHour  Resolution = "hour"
	ResolutionWeek  Resolution = "week"
	ResolutionMonth Resolution = "month"
)

// EnergyTotals holds energy drawn from the grid and its cost accumulated over
// a single to-date window.
type EnergyTotals struct {
	UsageKWH float64 `json:"usageKWH"`
	CostPLN  float64 `json:"costPLN"`
}

// PriceFrame is the gross price of electricity in a single interval of the
// vendor's price board. Frames are hourly.
type PriceFrame struct {
	TSStart time.Time `json:"tsStart"`
	TSEnd   time.Time `json:"tsEnd"`

	// GrossPLNPerKWH is the tax-inclusive price for the interval.
	GrossPLNPerKWH float64 `json:"grossPLNPerKWH"`

	// The vendor flags hours that are notably below or above the daily
	// average so automations can branch on them directly.
	IsCheap     bool `json:"isCheap"`
	IsExpensive bool `json:"isExpensive"`
}

// PriceBoard is the published set of hourly price frames together with the
// board-wide average. Frames are ordered by TSStart.
type PriceBoard struct {
	Frames            []PriceFrame `json:"frames"`
	AvgGrossPLNPerKWH float64      `json:"avgGrossPLNPerKWH"`
	FetchedAt         time.Time    `json:"fetchedAt"`
}

// FrameAt returns the frame covering t.
func (b PriceBoard) FrameAt(t time.Time) (PriceFrame, bool) {
	for _, f := range b.Frames {
		if !t.Before(f.TSStart) && t.Before(f.TSEnd) {
			return f, true
		}
	}
	return PriceFrame{}, false
}

// Current returns the frame covering now.
func (b PriceBoard) Current(now time.Time) (PriceFrame, bool) {
	return b.FrameAt(now)
}

// Next returns the first frame starting after the frame covering now. If now
// falls outside the board it returns the first frame starting after now.
func (b PriceBoard) Next(now time.Time) (PriceFrame, bool) {
	for _, f := range b.Frames {
		if f.TSStart.After(now) {
			return f, true
		}
	}
	return PriceFrame{}, false
}

// Snapshot is the full state the bridge publishes to the entity boundary. It
// is assembled from polled REST data and patched in place by live stream
// messages.
type Snapshot struct {
	MeterID int64 `json:"meterID"`

	Day   EnergyTotals `json:"day"`
	Week  EnergyTotals `json:"week"`
	Month EnergyTotals `json:"month"`

	Prices PriceBoard `json:"prices"`

	// UpdatedAt is the time of the last successful poll cycle.
	UpdatedAt time.Time `json:"updatedAt"`
	// LiveAt is the time of the last live stream patch, zero if none arrived
	// since the process started.
	LiveAt time.Time `json:"liveAt,omitempty"`
}

// Credentials identify the account at the vendor API.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`

	// MeterID pins the bridge to a specific meter. Zero means the first meter
	// on the account is used.
	MeterID int64 `json:"meterID,omitempty"`
}

// Session is the persisted part of a vendor API session. Storing the refresh
// token lets a restart skip the password login.
type Session struct {
	RefreshToken string    `json:"refreshToken"`
	MeterID      int64     `json:"meterID"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Status is the bridge state reported by the status endpoint.
type Status struct {
	Snapshot        Snapshot  `json:"snapshot"`
	StreamConnected bool      `json:"streamConnected"`
	LastPollAt      time.Time `json:"lastPollAt,omitempty"`
	LastPollError   string    `json:"lastPollError,omitempty"`
}
