package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/vitos/grid_trade_engine/internal/domain"
	"github.com/vitos/grid_trade_engine/internal/infrastructure/storage"
)

// statedump prints the persisted engine state for a symbol, from postgres
// when DATABASE_URL is set and from the disk fallback otherwise.
func main() {
	_ = godotenv.Load()

	symbol := strings.ToUpper(os.Getenv("ENGINE_SYMBOL"))
	if symbol == "" {
		symbol = "TSLA"
	}
	stateID := symbol + "_state"

	ctx := context.Background()

	var (
		state domain.EngineState
		err   error
	)
	if url := os.Getenv("DATABASE_URL"); url != "" {
		pg, perr := storage.NewPostgresStore(ctx, url)
		if perr != nil {
			fmt.Printf("Failed to init postgres: %v\n", perr)
			os.Exit(1)
		}
		defer pg.Close()
		state, err = pg.Load(ctx, stateID)
		fmt.Printf("Source: postgres (%s)\n", stateID)
	} else {
		path := os.Getenv("STATE_PATH")
		if path == "" {
			path = "data/engine_state.json"
		}
		state, err = storage.NewDiskStore(path).Load(ctx, stateID)
		fmt.Printf("Source: disk (%s)\n", path)
	}
	if err != nil {
		fmt.Printf("Failed to load state: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Symbol:            %s\n", symbol)
	fmt.Printf("Anchor price:      %s\n", fmtPrice(state.AnchorPrice))
	fmt.Printf("Last trigger:      %s\n", fmtPrice(state.LastTriggerPrice))
	fmt.Printf("Last buy price:    %s\n", fmtPrice(state.LastBuyPrice))
	fmt.Printf("Buys in group:     %d\n", state.BuyCountInGroup)
	fmt.Printf("Owned qty:         %d\n", state.OwnedQty)
	fmt.Printf("Buy count total:   %d\n", state.BuyCountTotal)
	fmt.Printf("Buys today:        %d (%s)\n", state.BuysToday, state.BuysTodayDate)
	fmt.Printf("Group id:          %s\n", state.GroupID)
	if !state.LastBarTime.IsZero() {
		fmt.Printf("Last bar time:     %s\n", state.LastBarTime.Format("2006-01-02 15:04:05 MST"))
	}
}

func fmtPrice(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *p)
}
