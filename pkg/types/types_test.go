package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func board(start time.Time, hours int) PriceBoard {
	b := PriceBoard{FetchedAt: start}
	for i := 0; i < hours; i++ {
		b.Frames = append(b.Frames, PriceFrame{
			TSStart:        start.Add(time.Duration(i) * time.Hour),
			TSEnd:          start.Add(time.Duration(i+1) * time.Hour),
			GrossPLNPerKWH: float64(i) / 10,
		})
	}
	return b
}

func TestPriceBoard(t *testing.T) {
	start := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	b := board(start, 24)

	t.Run("FrameAt", func(t *testing.T) {
		f, ok := b.FrameAt(start.Add(90 * time.Minute))
		require.True(t, ok)
		assert.Equal(t, start.Add(time.Hour), f.TSStart)

		// interval start is inclusive, end is exclusive
		f, ok = b.FrameAt(start.Add(2 * time.Hour))
		require.True(t, ok)
		assert.Equal(t, start.Add(2*time.Hour), f.TSStart)

		_, ok = b.FrameAt(start.Add(-time.Minute))
		assert.False(t, ok, "before the board")

		_, ok = b.FrameAt(start.Add(24 * time.Hour))
		assert.False(t, ok, "after the board")
	})

	t.Run("Next", func(t *testing.T) {
		f, ok := b.Next(start.Add(30 * time.Minute))
		require.True(t, ok)
		assert.Equal(t, start.Add(time.Hour), f.TSStart)

		// last hour of the board has no next frame
		_, ok = b.Next(start.Add(23*time.Hour + 30*time.Minute))
		assert.False(t, ok)
	})

	t.Run("Empty", func(t *testing.T) {
		var empty PriceBoard
		_, ok := empty.Current(start)
		assert.False(t, ok)
		_, ok = empty.Next(start)
		assert.False(t, ok)
	})
}
