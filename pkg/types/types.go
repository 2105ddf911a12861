// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the pipeline — signals, orders,
// positions, balances, and execution results. It has no dependencies on
// internal packages, so it can be imported by any layer. All monetary values
// are decimal.Decimal; floats appear only at the venue boundary.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side, used for reduce-only exits and stops.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	Market     OrderType = "market"
	Limit      OrderType = "limit"
	StopMarket OrderType = "stop_market"
	StopLimit  OrderType = "stop_limit"
)

// OrderStatus is the venue-reported order lifecycle state.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderOpen            OrderStatus = "open"
	OrderFilled          OrderStatus = "filled"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderFailed          OrderStatus = "failed"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Action is the instruction carried by a trading signal.
type Action string

const (
	LongEntry  Action = "long_entry"
	LongExit   Action = "long_exit"
	ShortEntry Action = "short_entry"
	ShortExit  Action = "short_exit"
)

// ValidActions lists every accepted action.
var ValidActions = []Action{LongEntry, LongExit, ShortEntry, ShortExit}

// ParseAction lowercases and validates an action string.
func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToLower(s))
	for _, v := range ValidActions {
		if a == v {
			return a, true
		}
	}
	return "", false
}

// IsEntry reports whether the action opens a position.
func (a Action) IsEntry() bool { return strings.Contains(string(a), "entry") }

// IsExit reports whether the action closes a position.
func (a Action) IsExit() bool { return strings.Contains(string(a), "exit") }

// IsLong reports whether the action refers to the long side.
func (a Action) IsLong() bool { return strings.Contains(string(a), "long") }

// Priority orders signals in the queue. Lower is earlier.
type Priority int

const (
	PriorityHigh   Priority = 0 // exit signals, stop losses
	PriorityNormal Priority = 1 // regular entry signals
	PriorityLow    Priority = 2 // retried / delayed signals
)

// QueuedSignal is a signal in flight through the Redis queue.
// Immutable after enqueue except for RetryCount. Price fields stay
// decimal strings in the JSON body so precision survives the round trip.
type QueuedSignal struct {
	SignalID   string    `json:"signal_id"`
	UserID     string    `json:"user_id"`
	StrategyID string    `json:"strategy_id"`
	Symbol     string    `json:"symbol"`
	Action     Action    `json:"action"`
	Price      string    `json:"price,omitempty"`
	StopLoss   string    `json:"stop_loss,omitempty"`
	TakeProfit string    `json:"take_profit,omitempty"`
	Quantity   string    `json:"quantity,omitempty"`
	Leverage   int       `json:"leverage"`
	Priority   Priority  `json:"priority"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	CreatedAt  time.Time `json:"created_at"` // UTC
}

// DefaultMaxRetries is applied when a signal is enqueued with MaxRetries 0.
const DefaultMaxRetries = 3

// NormalizeSymbol uppercases a symbol and strips the "/" and "-"
// separators so "eth/usdt" and "ETH-USDT" both become "ETHUSDT".
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	s = strings.ReplaceAll(s, "/", "")
	return strings.ReplaceAll(s, "-", "")
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the venue-independent order the executor submits.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Quantity   decimal.Decimal
	Price      decimal.Decimal // limit price; zero for market orders
	StopPrice  decimal.Decimal // trigger price for stop orders
	Leverage   int
	ReduceOnly bool
}

// OrderResult is the venue's answer to an order submission or lookup.
// The order ID is owned by the venue; the core never fabricates one.
type OrderResult struct {
	OrderID        string
	Status         OrderStatus
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Fee            decimal.Decimal
	FeeCurrency    string
}

// Position is an open position as reported by the venue.
type Position struct {
	Symbol           string
	Side             PositionSide
	Quantity         decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	Leverage         int
	LiquidationPrice decimal.Decimal
}

// Balance is a single-asset account balance.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
	Total  decimal.Decimal
}

// Ticker is a point-in-time market quote.
type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Volume24h decimal.Decimal
	Change24h decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Execution
// ————————————————————————————————————————————————————————————————————————

// ExecutionStatus is the pipeline-level outcome of executing a signal.
type ExecutionStatus string

const (
	ExecPending         ExecutionStatus = "pending"
	ExecRiskCheckFailed ExecutionStatus = "risk_check_failed"
	ExecExecuting       ExecutionStatus = "executing"
	ExecFilled          ExecutionStatus = "filled"
	ExecPartiallyFilled ExecutionStatus = "partially_filled"
	ExecFailed          ExecutionStatus = "failed"
	ExecCanceled        ExecutionStatus = "canceled"
)

// ExecutionResult describes what happened to one signal end to end.
type ExecutionResult struct {
	SignalID       string
	Status         ExecutionStatus
	OrderID        string
	FilledQuantity decimal.Decimal
	AvgPrice       decimal.Decimal
	Fee            decimal.Decimal
	RealizedPnL    decimal.Decimal // exits only, informational
	Error          string
	Warnings       []string
	ExecutedAt     time.Time
}
