// Package stores declares the collaborator interfaces the pipeline
// consumes. The core does not own strategy, subscription, or API key
// persistence; the surrounding service provides implementations backed
// by its own database. Interfaces live here so every pipeline package
// can depend on the contract without knowing the backing store.
package stores

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/internal/risk"
	"tradeflow/pkg/types"
)

// ErrNotFound is returned by lookups for missing records.
var ErrNotFound = errors.New("stores: not found")

// Strategy is a signal source a user can subscribe to.
type Strategy struct {
	ID           string
	Name         string
	WebhookToken string // verified in constant time at ingress
	Exchange     string // adapter id, e.g. "binance"
	IsActive     bool
}

// Subscription links a user to a strategy.
type Subscription struct {
	UserID        string
	StrategyID    string
	AutoTrade     bool
	ExchangeKeyID string
	IsActive      bool
}

// Credentials are a user's decrypted venue API credentials.
type Credentials struct {
	KeyID      string
	Exchange   string
	APIKey     string
	APISecret  string
	Passphrase string
}

// SignalStatus tracks a per-user signal record through its lifecycle.
type SignalStatus string

const (
	SignalReceived  SignalStatus = "received"
	SignalQueued    SignalStatus = "queued"
	SignalSkipped   SignalStatus = "skipped" // deduplicated
	SignalCompleted SignalStatus = "completed"
	SignalFailed    SignalStatus = "failed"
)

// SignalRecord is the persisted audit trail for one delivered signal.
// UserID is empty for strategy-level entries with no subscriber.
type SignalRecord struct {
	SignalID   string
	UserID     string
	StrategyID string
	Symbol     string
	Action     types.Action
	Price      string
	StopLoss   string
	TakeProfit string
	Quantity   string
	Status     SignalStatus
	Error      string
	CreatedAt  time.Time
}

// OpenPosition is a stored open position used for exposure accounting.
// Value is entry price times quantity; mark-to-market is deliberately
// not used here.
type OpenPosition struct {
	Symbol     string
	Side       types.PositionSide
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
}

// DailyStats summarizes a user's trading day.
type DailyStats struct {
	TradesCount int
	PnLPercent  decimal.Decimal
}

// StrategyStore provides strategies, subscriptions, signal records, and
// the per-user state the risk gate needs.
type StrategyStore interface {
	// Strategy returns a strategy by id, ErrNotFound if absent.
	Strategy(ctx context.Context, id string) (*Strategy, error)

	// Subscribers lists active subscriptions for a strategy. With
	// autoTradeOnly, only subscriptions with AutoTrade set are returned.
	Subscribers(ctx context.Context, strategyID string, autoTradeOnly bool) ([]Subscription, error)

	// RecordSignal persists a new signal record.
	RecordSignal(ctx context.Context, rec *SignalRecord) error

	// UpdateSignalStatus moves a signal record to a new status with an
	// optional error message.
	UpdateSignalStatus(ctx context.Context, signalID string, status SignalStatus, errMsg string) error

	// RiskSettings returns the user's risk limits, defaults if unset.
	RiskSettings(ctx context.Context, userID string) (risk.Settings, error)

	// OpenPositions lists the user's stored open positions.
	OpenPositions(ctx context.Context, userID string) ([]OpenPosition, error)

	// DailyStats returns today's trade count and PnL for the user.
	DailyStats(ctx context.Context, userID string) (DailyStats, error)
}

// KeyStore provides venue API credentials.
type KeyStore interface {
	// Credentials returns the decrypted credentials for a key id,
	// ErrNotFound if absent or revoked.
	Credentials(ctx context.Context, userID, keyID string) (*Credentials, error)

	// MarkUsed records a successful use of the key.
	MarkUsed(ctx context.Context, keyID string) error

	// MarkInvalid flags the key after the venue rejected it; subsequent
	// Credentials calls return ErrNotFound until the user rotates it.
	MarkInvalid(ctx context.Context, keyID, reason string) error
}
