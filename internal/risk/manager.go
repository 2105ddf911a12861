// Package risk gates candidate trades against per-user limits.
//
// The manager is a pure evaluator: CheckTrade inspects a candidate trade
// and a snapshot of the user's portfolio and returns the first rule that
// fails. Rules run in a fixed order:
//
//  1. Daily loss limit reached
//  2. Daily trade count limit reached
//  3. Open position count limit reached
//  4. Leverage above maximum
//  5. Position value above maximum → quantity is adjusted down and the
//     trade is accepted with a warning (remaining rules are skipped)
//  6. Portfolio exposure above maximum
//  7. Stop-loss required but absent
//
// The rule-5 early accept mirrors the behaviour users have come to rely
// on: an adjusted-down trade is never rejected for exposure or a missing
// stop. See DESIGN.md before changing the order.
package risk

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"tradeflow/pkg/types"
)

// Settings holds a user's risk limits.
type Settings struct {
	MaxPositionSizeUSD          decimal.Decimal
	MaxLeverage                 int
	MaxOpenPositions            int
	MaxDailyTrades              int
	MaxDailyLossPercent         decimal.Decimal
	MaxPortfolioExposurePercent decimal.Decimal
	DefaultRiskPerTradePercent  decimal.Decimal
	RequireStopLoss             bool
}

// DefaultSettings returns the limits applied to users without explicit
// risk configuration.
func DefaultSettings() Settings {
	return Settings{
		MaxPositionSizeUSD:          decimal.NewFromInt(1000),
		MaxLeverage:                 10,
		MaxOpenPositions:            5,
		MaxDailyTrades:              50,
		MaxDailyLossPercent:         decimal.NewFromInt(10),
		MaxPortfolioExposurePercent: decimal.NewFromInt(80),
		DefaultRiskPerTradePercent:  decimal.NewFromInt(2),
		RequireStopLoss:             true,
	}
}

// PortfolioState is a point-in-time snapshot of the user's account used
// for risk evaluation. DailyLossPercent is non-negative; it equals
// |DailyPnLPercent| when the day's PnL is negative and zero otherwise.
type PortfolioState struct {
	TotalBalanceUSD       decimal.Decimal
	OpenPositionsCount    int
	OpenPositionsValueUSD decimal.Decimal
	DailyTradesCount      int
	DailyPnLPercent       decimal.Decimal
	DailyLossPercent      decimal.Decimal
}

// TradeRequest is a candidate trade derived from a signal.
type TradeRequest struct {
	UserID     string
	Symbol     string
	Side       types.PositionSide
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	Leverage   int
}

// CheckResult reports the outcome of a risk evaluation.
type CheckResult struct {
	Passed           bool
	Reason           string
	AdjustedQuantity *decimal.Decimal
	Warnings         []string
}

func reject(reason string) CheckResult {
	return CheckResult{Passed: false, Reason: reason}
}

// Manager evaluates trades against one user's Settings.
type Manager struct {
	settings Settings
	logger   *slog.Logger
}

// NewManager creates a risk manager for one user's settings.
func NewManager(settings Settings, logger *slog.Logger) *Manager {
	return &Manager{
		settings: settings,
		logger:   logger.With("component", "risk"),
	}
}

// CheckTrade evaluates a candidate trade against the portfolio snapshot.
// It returns the first failing rule, or Passed=true with an optional
// adjusted quantity and warnings.
func (m *Manager) CheckTrade(trade TradeRequest, portfolio PortfolioState) CheckResult {
	s := m.settings

	if portfolio.DailyLossPercent.GreaterThanOrEqual(s.MaxDailyLossPercent) {
		return reject(fmt.Sprintf("daily loss limit reached: %s%% >= %s%%",
			portfolio.DailyLossPercent, s.MaxDailyLossPercent))
	}

	if portfolio.DailyTradesCount >= s.MaxDailyTrades {
		return reject(fmt.Sprintf("daily trade limit reached: %d >= %d",
			portfolio.DailyTradesCount, s.MaxDailyTrades))
	}

	if portfolio.OpenPositionsCount >= s.MaxOpenPositions {
		return reject(fmt.Sprintf("open position limit reached: %d >= %d",
			portfolio.OpenPositionsCount, s.MaxOpenPositions))
	}

	if trade.Leverage > s.MaxLeverage {
		return reject(fmt.Sprintf("leverage %dx exceeds maximum %dx",
			trade.Leverage, s.MaxLeverage))
	}

	positionValue := trade.Quantity.Mul(trade.EntryPrice)
	if positionValue.GreaterThan(s.MaxPositionSizeUSD) {
		adjusted := s.MaxPositionSizeUSD.Div(trade.EntryPrice)
		m.logger.Warn("position size adjusted down",
			"user_id", trade.UserID,
			"symbol", trade.Symbol,
			"requested", trade.Quantity,
			"adjusted", adjusted,
		)
		// Adjusted trades accept here; exposure and stop-loss rules are
		// intentionally not re-run on the reduced size.
		return CheckResult{
			Passed:           true,
			AdjustedQuantity: &adjusted,
			Warnings: []string{fmt.Sprintf(
				"position value %s exceeds maximum %s, quantity adjusted to %s",
				positionValue, s.MaxPositionSizeUSD, adjusted)},
		}
	}

	if portfolio.TotalBalanceUSD.IsZero() {
		return reject("portfolio exposure at 100%: zero balance")
	}
	exposure := portfolio.OpenPositionsValueUSD.Add(positionValue).
		Div(portfolio.TotalBalanceUSD).
		Mul(decimal.NewFromInt(100))
	if exposure.GreaterThan(s.MaxPortfolioExposurePercent) {
		return reject(fmt.Sprintf("portfolio exposure %s%% exceeds maximum %s%%",
			exposure.Round(2), s.MaxPortfolioExposurePercent))
	}

	if s.RequireStopLoss && trade.StopLoss == nil {
		return reject("stop loss is required")
	}

	return CheckResult{Passed: true}
}

// CalculatePositionSize sizes a position so that hitting the stop loses
// DefaultRiskPerTradePercent of the balance, capped so the position
// value never exceeds MaxPositionSizeUSD. A zero stop distance yields
// zero; callers must reject zero-size trades.
func (m *Manager) CalculatePositionSize(balance, entryPrice, stopLoss decimal.Decimal) decimal.Decimal {
	dist := entryPrice.Sub(stopLoss).Abs()
	if dist.IsZero() || entryPrice.IsZero() {
		return decimal.Zero
	}

	riskAmount := balance.Mul(m.settings.DefaultRiskPerTradePercent).Div(decimal.NewFromInt(100))
	size := riskAmount.Div(dist)

	maxSize := m.settings.MaxPositionSizeUSD.Div(entryPrice)
	if size.GreaterThan(maxSize) {
		size = maxSize
	}
	return size
}

// ValidateStopLoss checks that a stop sits on the losing side of entry
// and that the implied loss stays within maxLossPercent (pass zero for
// the 5% default).
func (m *Manager) ValidateStopLoss(entryPrice, stopLoss decimal.Decimal, side types.PositionSide, maxLossPercent decimal.Decimal) error {
	if maxLossPercent.IsZero() {
		maxLossPercent = decimal.NewFromInt(5)
	}

	switch side {
	case types.Long:
		if stopLoss.GreaterThanOrEqual(entryPrice) {
			return fmt.Errorf("stop loss %s must be below entry %s for a long", stopLoss, entryPrice)
		}
	case types.Short:
		if stopLoss.LessThanOrEqual(entryPrice) {
			return fmt.Errorf("stop loss %s must be above entry %s for a short", stopLoss, entryPrice)
		}
	default:
		return fmt.Errorf("unknown position side %q", side)
	}

	if entryPrice.IsZero() {
		return fmt.Errorf("entry price is zero")
	}
	lossPct := entryPrice.Sub(stopLoss).Abs().Div(entryPrice).Mul(decimal.NewFromInt(100))
	if lossPct.GreaterThan(maxLossPercent) {
		return fmt.Errorf("stop loss distance %s%% exceeds maximum %s%%",
			lossPct.Round(2), maxLossPercent)
	}
	return nil
}
