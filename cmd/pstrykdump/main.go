// pstrykdump logs in with the configured credentials and prints the current
// snapshot and price board. Useful for verifying credentials and inspecting
// what the bridge would publish.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/log"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/pstryk"
)

func main() {
	api := pstryk.Configured()
	lflag.Configure()

	ctx := context.Background()

	if err := api.Validate(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid configuration", log.Error(err))
		os.Exit(1)
	}

	snap, err := api.Summary(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch summary", log.Error(err))
		os.Exit(1)
	}

	fmt.Printf("meter: %d\n", snap.MeterID)
	fmt.Printf("day:   %.3f kWh  %.2f PLN\n", snap.Day.UsageKWH, snap.Day.CostPLN)
	fmt.Printf("week:  %.3f kWh  %.2f PLN\n", snap.Week.UsageKWH, snap.Week.CostPLN)
	fmt.Printf("month: %.3f kWh  %.2f PLN\n", snap.Month.UsageKWH, snap.Month.CostPLN)

	fmt.Printf("\nprices (avg %.2f PLN/kWh):\n", snap.Prices.AvgGrossPLNPerKWH)
	now := time.Now()
	for _, f := range snap.Prices.Frames {
		marker := " "
		if !now.Before(f.TSStart) && now.Before(f.TSEnd) {
			marker = "*"
		}
		flag := ""
		if f.IsCheap {
			flag = " cheap"
		} else if f.IsExpensive {
			flag = " expensive"
		}
		fmt.Printf("%s %s  %.2f PLN/kWh%s\n", marker, f.TSStart.Local().Format("2006-01-02 15:04"), f.GrossPLNPerKWH, flag)
	}
}
