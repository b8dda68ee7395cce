// analyze_pnl summarizes the realized PnL CSV the risk engine reads:
// per-day totals, win/loss counts, and today's loss sum against the daily
// budget.
package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type dayStats struct {
	Total  float64
	Wins   int
	Losses int
	Loss   float64
}

func main() {
	godotenv.Load()

	path := os.Getenv("PNL_CSV_PATH")
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	if path == "" {
		fmt.Println("usage: analyze_pnl <pnl.csv>  (or set PNL_CSV_PATH)")
		os.Exit(1)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("cannot read %s: %v\n", path, err)
		os.Exit(1)
	}

	days := map[string]*dayStats{}
	for lineNo, line := range strings.Split(string(data), "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" || strings.HasPrefix(stripped, "date") {
			continue
		}
		dateValue, pnlValue, found := strings.Cut(stripped, ",")
		if !found {
			fmt.Printf("malformed line %d: %q\n", lineNo+1, stripped)
			os.Exit(1)
		}
		date := strings.TrimSpace(dateValue)
		pnl, err := strconv.ParseFloat(strings.TrimSpace(pnlValue), 64)
		if err != nil {
			fmt.Printf("malformed pnl on line %d: %q\n", lineNo+1, stripped)
			os.Exit(1)
		}

		day := days[date]
		if day == nil {
			day = &dayStats{}
			days[date] = day
		}
		day.Total += pnl
		if pnl >= 0 {
			day.Wins++
		} else {
			day.Losses++
			day.Loss += -pnl
		}
	}

	if len(days) == 0 {
		fmt.Println("no pnl rows found")
		return
	}

	dates := make([]string, 0, len(days))
	for date := range days {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	fmt.Printf("%-12s %10s %6s %6s %10s\n", "date", "total", "wins", "losses", "loss_sum")
	for _, date := range dates {
		day := days[date]
		fmt.Printf("%-12s %10.2f %6d %6d %10.2f\n", date, day.Total, day.Wins, day.Losses, day.Loss)
	}

	today := time.Now().UTC().Format("2006-01-02")
	if day, ok := days[today]; ok {
		fmt.Printf("\ntoday (%s): realized loss %.2f USDT over %d losing trades\n",
			today, day.Loss, day.Losses)
	} else {
		fmt.Printf("\ntoday (%s): no rows\n", today)
	}
}
