// Package executor turns a dequeued signal into venue orders.
//
// ExecuteSignal dispatches on the action: entries resolve a price and
// quantity, pass the risk gate, and submit a market order with optional
// protective stop and take-profit; exits locate the matching position
// and close it with a reduce-only market order. The executor is not
// idempotent — every call produces new orders. The queue guarantees at
// most one concurrent invocation per signal id.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/internal/exchange"
	"tradeflow/internal/risk"
	"tradeflow/pkg/types"
)

// Executor coordinates one signal's risk check and venue calls. Build
// one per signal: the adapter carries per-user credentials and the risk
// manager carries per-user settings.
type Executor struct {
	adapter  exchange.Adapter
	risk     *risk.Manager
	slippage decimal.Decimal // percent padding on ticker-resolved prices
	logger   *slog.Logger
}

// DefaultSlippagePercent pads ticker-resolved entry prices so sizing
// assumes a slightly worse fill than the last trade.
var DefaultSlippagePercent = decimal.NewFromFloat(0.1)

// New creates an executor for one user's adapter and risk settings.
// slippagePercent applies only when the entry price comes from the
// ticker; signals that carry their own price are taken as-is.
func New(adapter exchange.Adapter, riskManager *risk.Manager, slippagePercent decimal.Decimal, logger *slog.Logger) *Executor {
	return &Executor{
		adapter:  adapter,
		risk:     riskManager,
		slippage: slippagePercent,
		logger:   logger.With("component", "executor"),
	}
}

// hypotheticalStopPercent sizes entries that arrive without a stop: a
// stop 2% away is assumed for position sizing only, no stop order is
// placed from it.
var hypotheticalStopPercent = decimal.NewFromFloat(0.02)

// ExecuteSignal executes one signal against the venue. The result is
// always non-nil; err carries the adapter error (when one occurred) so
// the caller can distinguish permanent from transient failures.
func (e *Executor) ExecuteSignal(ctx context.Context, sig *types.QueuedSignal, portfolio risk.PortfolioState) (*types.ExecutionResult, error) {
	res := &types.ExecutionResult{
		SignalID:   sig.SignalID,
		Status:     types.ExecPending,
		ExecutedAt: time.Now().UTC(),
	}

	switch {
	case sig.Action.IsEntry():
		return e.executeEntry(ctx, sig, portfolio, res)
	case sig.Action.IsExit():
		return e.executeExit(ctx, sig, res)
	}
	res.Status = types.ExecFailed
	res.Error = fmt.Sprintf("unknown action %q", sig.Action)
	return res, nil
}

func (e *Executor) executeEntry(ctx context.Context, sig *types.QueuedSignal, portfolio risk.PortfolioState, res *types.ExecutionResult) (*types.ExecutionResult, error) {
	isLong := sig.Action.IsLong()

	entryPrice, err := e.resolveEntryPrice(ctx, sig)
	if err != nil {
		res.Status = types.ExecFailed
		res.Error = err.Error()
		return res, err
	}
	if sig.Price == "" && e.slippage.IsPositive() {
		// Market orders fill off the last trade; pad the sizing price
		// in the adverse direction so risk limits hold at fill time.
		pad := entryPrice.Mul(e.slippage).Div(decimal.NewFromInt(100))
		if isLong {
			entryPrice = entryPrice.Add(pad)
		} else {
			entryPrice = entryPrice.Sub(pad)
		}
	}

	stopLoss := parseOptional(sig.StopLoss)
	takeProfit := parseOptional(sig.TakeProfit)

	quantity := e.resolveQuantity(sig, portfolio, entryPrice, stopLoss, isLong)
	if quantity.LessThanOrEqual(decimal.Zero) {
		res.Status = types.ExecFailed
		res.Error = "calculated position size is zero"
		return res, nil
	}

	side := types.Long
	if !isLong {
		side = types.Short
	}
	trade := risk.TradeRequest{
		UserID:     sig.UserID,
		Symbol:     sig.Symbol,
		Side:       side,
		Quantity:   quantity,
		EntryPrice: entryPrice,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Leverage:   sig.Leverage,
	}
	check := e.risk.CheckTrade(trade, portfolio)
	if !check.Passed {
		e.logger.Warn("risk check rejected signal",
			"signal_id", sig.SignalID,
			"user_id", sig.UserID,
			"reason", check.Reason,
		)
		res.Status = types.ExecRiskCheckFailed
		res.Error = check.Reason
		res.Warnings = check.Warnings
		return res, nil
	}
	if check.AdjustedQuantity != nil {
		quantity = *check.AdjustedQuantity
	}
	res.Warnings = check.Warnings

	orderSide := types.Buy
	if !isLong {
		orderSide = types.Sell
	}
	order, err := e.adapter.PlaceOrder(ctx, types.OrderRequest{
		Symbol:   sig.Symbol,
		Side:     orderSide,
		Type:     types.Market,
		Quantity: quantity,
		Leverage: sig.Leverage,
	})
	if err != nil {
		e.logger.Error("entry order failed",
			"signal_id", sig.SignalID,
			"symbol", sig.Symbol,
			"error", err,
		)
		res.Status = types.ExecFailed
		res.Error = err.Error()
		return res, err
	}

	res.OrderID = order.OrderID
	res.FilledQuantity = order.FilledQuantity
	res.AvgPrice = order.AvgFillPrice
	res.Fee = order.Fee
	res.Status = mapOrderStatus(order.Status)

	if order.Status == types.OrderFilled || order.Status == types.OrderPartiallyFilled {
		e.placeProtectiveOrders(ctx, sig, orderSide, order.FilledQuantity, stopLoss, takeProfit, res)
	}

	e.logger.Info("entry executed",
		"signal_id", sig.SignalID,
		"symbol", sig.Symbol,
		"side", orderSide,
		"quantity", quantity,
		"status", res.Status,
	)
	return res, nil
}

// resolveEntryPrice uses the signal's price when present, otherwise the
// venue's last trade price.
func (e *Executor) resolveEntryPrice(ctx context.Context, sig *types.QueuedSignal) (decimal.Decimal, error) {
	if sig.Price != "" {
		p, err := decimal.NewFromString(sig.Price)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid signal price %q: %w", sig.Price, err)
		}
		return p, nil
	}
	ticker, err := e.adapter.GetTicker(ctx, sig.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch ticker for %s: %w", sig.Symbol, err)
	}
	return ticker.LastPrice, nil
}

// resolveQuantity prefers the signal's explicit quantity, then sizes
// from the stop, then from a hypothetical stop 2% away.
func (e *Executor) resolveQuantity(sig *types.QueuedSignal, portfolio risk.PortfolioState, entryPrice decimal.Decimal, stopLoss *decimal.Decimal, isLong bool) decimal.Decimal {
	if sig.Quantity != "" {
		if q, err := decimal.NewFromString(sig.Quantity); err == nil {
			return q
		}
	}
	if stopLoss != nil {
		return e.risk.CalculatePositionSize(portfolio.TotalBalanceUSD, entryPrice, *stopLoss)
	}

	offset := entryPrice.Mul(hypotheticalStopPercent)
	hypothetical := entryPrice.Sub(offset)
	if !isLong {
		hypothetical = entryPrice.Add(offset)
	}
	return e.risk.CalculatePositionSize(portfolio.TotalBalanceUSD, entryPrice, hypothetical)
}

// placeProtectiveOrders submits the stop-loss and take-profit for a
// filled entry. Failures are recorded as warnings; the entry already
// succeeded and its status must not change.
func (e *Executor) placeProtectiveOrders(ctx context.Context, sig *types.QueuedSignal, entrySide types.Side, quantity decimal.Decimal, stopLoss, takeProfit *decimal.Decimal, res *types.ExecutionResult) {
	if stopLoss != nil {
		_, err := e.adapter.PlaceOrder(ctx, types.OrderRequest{
			Symbol:     sig.Symbol,
			Side:       entrySide.Opposite(),
			Type:       types.StopMarket,
			Quantity:   quantity,
			StopPrice:  *stopLoss,
			ReduceOnly: true,
		})
		if err != nil {
			e.logger.Warn("stop loss placement failed",
				"signal_id", sig.SignalID,
				"symbol", sig.Symbol,
				"stop", stopLoss,
				"error", err,
			)
			res.Warnings = append(res.Warnings, fmt.Sprintf("stop loss not placed: %v", err))
		}
	}
	if takeProfit != nil {
		_, err := e.adapter.PlaceOrder(ctx, types.OrderRequest{
			Symbol:     sig.Symbol,
			Side:       entrySide.Opposite(),
			Type:       types.Limit,
			Quantity:   quantity,
			Price:      *takeProfit,
			ReduceOnly: true,
		})
		if err != nil {
			e.logger.Warn("take profit placement failed",
				"signal_id", sig.SignalID,
				"symbol", sig.Symbol,
				"take_profit", takeProfit,
				"error", err,
			)
			res.Warnings = append(res.Warnings, fmt.Sprintf("take profit not placed: %v", err))
		}
	}
}

func (e *Executor) executeExit(ctx context.Context, sig *types.QueuedSignal, res *types.ExecutionResult) (*types.ExecutionResult, error) {
	side := types.Long
	if !sig.Action.IsLong() {
		side = types.Short
	}

	positions, err := e.adapter.GetPositions(ctx, sig.Symbol)
	if err != nil {
		res.Status = types.ExecFailed
		res.Error = err.Error()
		return res, err
	}

	var position *types.Position
	for i := range positions {
		if positions[i].Symbol == sig.Symbol && positions[i].Side == side {
			position = &positions[i]
			break
		}
	}
	if position == nil {
		res.Status = types.ExecFailed
		res.Error = fmt.Sprintf("No %s position for %s", side, sig.Symbol)
		return res, nil
	}

	quantity := position.Quantity
	if sig.Quantity != "" {
		if q, err := decimal.NewFromString(sig.Quantity); err == nil && q.IsPositive() {
			quantity = q
		}
	}

	// Closing a long sells; closing a short buys.
	orderSide := types.Sell
	if side == types.Short {
		orderSide = types.Buy
	}
	order, err := e.adapter.PlaceOrder(ctx, types.OrderRequest{
		Symbol:     sig.Symbol,
		Side:       orderSide,
		Type:       types.Market,
		Quantity:   quantity,
		ReduceOnly: true,
	})
	if err != nil {
		e.logger.Error("exit order failed",
			"signal_id", sig.SignalID,
			"symbol", sig.Symbol,
			"error", err,
		)
		res.Status = types.ExecFailed
		res.Error = err.Error()
		return res, err
	}

	res.OrderID = order.OrderID
	res.FilledQuantity = order.FilledQuantity
	res.AvgPrice = order.AvgFillPrice
	res.Fee = order.Fee
	res.Status = mapOrderStatus(order.Status)

	if order.Status == types.OrderFilled || order.Status == types.OrderPartiallyFilled {
		res.RealizedPnL = realizedPnL(position.EntryPrice, order.AvgFillPrice, order.FilledQuantity, side)
	}

	e.logger.Info("exit executed",
		"signal_id", sig.SignalID,
		"symbol", sig.Symbol,
		"side", orderSide,
		"quantity", quantity,
		"realized_pnl", res.RealizedPnL,
		"status", res.Status,
	)
	return res, nil
}

// realizedPnL is (fill − entry) · quantity, sign-flipped for shorts.
// Informational only; persistence belongs to the strategy store.
func realizedPnL(entryPrice, fillPrice, quantity decimal.Decimal, side types.PositionSide) decimal.Decimal {
	pnl := fillPrice.Sub(entryPrice).Mul(quantity)
	if side == types.Short {
		pnl = pnl.Neg()
	}
	return pnl
}

// mapOrderStatus translates a venue order status to the pipeline-level
// execution status.
func mapOrderStatus(s types.OrderStatus) types.ExecutionStatus {
	switch s {
	case types.OrderFilled:
		return types.ExecFilled
	case types.OrderPartiallyFilled:
		return types.ExecPartiallyFilled
	case types.OrderOpen:
		return types.ExecExecuting
	case types.OrderPending:
		return types.ExecPending
	}
	return types.ExecFailed
}

// parseOptional parses an optional decimal-string signal field. Invalid
// values were rejected at ingress; a parse failure here means the body
// was corrupted, treated as absent.
func parseOptional(s string) *decimal.Decimal {
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}
