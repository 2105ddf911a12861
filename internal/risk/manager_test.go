package risk

import (
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"tradeflow/pkg/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func newTestManager() *Manager {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewManager(DefaultSettings(), logger)
}

// healthyPortfolio is comfortably inside every default limit.
func healthyPortfolio() PortfolioState {
	return PortfolioState{
		TotalBalanceUSD:       dec("10000"),
		OpenPositionsCount:    1,
		OpenPositionsValueUSD: dec("500"),
		DailyTradesCount:      3,
		DailyPnLPercent:       dec("-1.5"),
		DailyLossPercent:      dec("1.5"),
	}
}

func validTrade() TradeRequest {
	return TradeRequest{
		UserID:     "u1",
		Symbol:     "ETHUSDT",
		Side:       types.Long,
		Quantity:   dec("0.25"),
		EntryPrice: dec("2000"),
		StopLoss:   decPtr("1950"),
		Leverage:   3,
	}
}

func TestCheckTradePasses(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	res := m.CheckTrade(validTrade(), healthyPortfolio())
	if !res.Passed {
		t.Fatalf("expected pass, got reject: %s", res.Reason)
	}
	if res.AdjustedQuantity != nil {
		t.Errorf("unexpected adjustment: %s", res.AdjustedQuantity)
	}
}

func TestCheckTradeOrder(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	tests := []struct {
		name       string
		mutate     func(*TradeRequest, *PortfolioState)
		wantReason string
	}{
		{
			"daily loss at limit",
			func(tr *TradeRequest, p *PortfolioState) {
				p.DailyLossPercent = dec("10")
			},
			"daily loss limit",
		},
		{
			"daily trades at limit",
			func(tr *TradeRequest, p *PortfolioState) {
				p.DailyTradesCount = 50
			},
			"daily trade limit",
		},
		{
			"open positions at limit",
			func(tr *TradeRequest, p *PortfolioState) {
				p.OpenPositionsCount = 5
			},
			"open position limit",
		},
		{
			"leverage too high",
			func(tr *TradeRequest, p *PortfolioState) {
				tr.Leverage = 11
			},
			"leverage",
		},
		{
			"exposure too high",
			func(tr *TradeRequest, p *PortfolioState) {
				p.OpenPositionsValueUSD = dec("8000")
			},
			"portfolio exposure",
		},
		{
			"zero balance counts as full exposure",
			func(tr *TradeRequest, p *PortfolioState) {
				p.TotalBalanceUSD = decimal.Zero
			},
			"zero balance",
		},
		{
			"missing stop loss",
			func(tr *TradeRequest, p *PortfolioState) {
				tr.StopLoss = nil
			},
			"stop loss is required",
		},
		{
			"daily loss checked before trade count",
			func(tr *TradeRequest, p *PortfolioState) {
				p.DailyLossPercent = dec("12")
				p.DailyTradesCount = 99
			},
			"daily loss limit",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			trade := validTrade()
			portfolio := healthyPortfolio()
			tt.mutate(&trade, &portfolio)

			res := m.CheckTrade(trade, portfolio)
			if res.Passed {
				t.Fatal("expected reject, got pass")
			}
			if !strings.Contains(res.Reason, tt.wantReason) {
				t.Errorf("reason = %q, want it to contain %q", res.Reason, tt.wantReason)
			}
		})
	}
}

func TestCheckTradeAdjustsOversizedPosition(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	trade := validTrade()
	trade.Quantity = dec("1") // 1 * 2000 = 2000 > 1000 max

	res := m.CheckTrade(trade, healthyPortfolio())
	if !res.Passed {
		t.Fatalf("expected pass with adjustment, got reject: %s", res.Reason)
	}
	if res.AdjustedQuantity == nil {
		t.Fatal("expected adjusted quantity")
	}
	if !res.AdjustedQuantity.Equal(dec("0.5")) { // 1000 / 2000
		t.Errorf("adjusted = %s, want 0.5", res.AdjustedQuantity)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a warning for the adjustment")
	}
}

func TestCheckTradeAdjustmentSkipsLaterChecks(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	// Oversized trade with no stop loss and near-full exposure: the size
	// adjustment accepts before the exposure and stop-loss rules run.
	trade := validTrade()
	trade.Quantity = dec("1")
	trade.StopLoss = nil
	portfolio := healthyPortfolio()
	portfolio.OpenPositionsValueUSD = dec("9000")

	res := m.CheckTrade(trade, portfolio)
	if !res.Passed {
		t.Fatalf("adjusted trade must accept immediately, got reject: %s", res.Reason)
	}
	if res.AdjustedQuantity == nil {
		t.Fatal("expected adjusted quantity")
	}
}

func TestCalculatePositionSize(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	tests := []struct {
		name    string
		balance string
		entry   string
		stop    string
		want    string
	}{
		// risk = 10000 * 2% = 200; dist = 50 → 4, but capped at 1000/2000 = 0.5
		{"capped by max position size", "10000", "2000", "1950", "0.5"},
		// risk = 1000 * 2% = 20; dist = 100 → 0.2, cap 1000/2000 = 0.5
		{"sized by risk", "1000", "2000", "1900", "0.2"},
		{"zero stop distance", "10000", "2000", "2000", "0"},
		{"short side stop above entry", "1000", "2000", "2100", "0.2"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := m.CalculatePositionSize(dec(tt.balance), dec(tt.entry), dec(tt.stop))
			if !got.Equal(dec(tt.want)) {
				t.Errorf("size = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValidateStopLoss(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	tests := []struct {
		name    string
		entry   string
		stop    string
		side    types.PositionSide
		maxPct  string
		wantErr bool
	}{
		{"long valid", "2000", "1950", types.Long, "0", false},
		{"long stop above entry", "2000", "2050", types.Long, "0", true},
		{"long stop equals entry", "2000", "2000", types.Long, "0", true},
		{"short valid", "2000", "2050", types.Short, "0", false},
		{"short stop below entry", "2000", "1950", types.Short, "0", true},
		{"long stop too far", "2000", "1800", types.Long, "0", true}, // 10% > default 5%
		{"long wide stop with custom max", "2000", "1800", types.Long, "15", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := m.ValidateStopLoss(dec(tt.entry), dec(tt.stop), tt.side, dec(tt.maxPct))
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}
