// Package exchange abstracts order execution over heterogeneous venues.
//
// The Adapter interface is the capability set the executor and worker
// consume: ticker and balance reads, order placement and management,
// positions, and leverage control. Concrete adapters translate it to a
// specific venue's REST API; the Registry constructs them from a venue id
// plus API credentials.
//
// Adapter instances are not shared across signals. The worker creates one
// per signal, connects, trades, and disconnects; any pooling would live
// behind the Registry without changing these semantics.
package exchange

import (
	"context"
	"fmt"

	"tradeflow/pkg/types"
)

// Adapter is the uniform capability set over a trading venue.
// Every method takes a context and honors its deadline.
type Adapter interface {
	// Name returns the venue id, e.g. "binance".
	Name() string

	// SupportsFutures reports whether the venue trades perpetual futures.
	// Spot-only venues return no positions and refuse leverage.
	SupportsFutures() bool

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// ValidateCredentials performs an authenticated no-op call and reports
	// whether the API key is accepted.
	ValidateCredentials(ctx context.Context) (bool, error)

	GetTicker(ctx context.Context, symbol string) (*types.Ticker, error)
	GetBalance(ctx context.Context, asset string) ([]types.Balance, error)

	PlaceOrder(ctx context.Context, order types.OrderRequest) (*types.OrderResult, error)
	CancelOrder(ctx context.Context, orderID, symbol string) (bool, error)
	GetOrder(ctx context.Context, orderID, symbol string) (*types.OrderResult, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]types.OrderResult, error)

	// GetPositions returns only positions with a non-zero contract count.
	GetPositions(ctx context.Context, symbol string) ([]types.Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) (bool, error)
}

// Credentials are the decrypted API credentials for one venue account.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// VenueInfo describes a venue's capabilities for registry validation.
type VenueInfo struct {
	SupportsFutures    bool
	RequiresPassphrase bool
}

// venueCatalog lists known venues. Entries without a registered
// constructor are still rejected early with a clear error, and
// passphrase requirements are enforced before construction.
var venueCatalog = map[string]VenueInfo{
	"binance":      {SupportsFutures: true},
	"binance_spot": {SupportsFutures: false},
	"bybit":        {SupportsFutures: true},
	"kucoin":       {SupportsFutures: true, RequiresPassphrase: true},
	"okx":          {SupportsFutures: true, RequiresPassphrase: true},
	"coinbase":     {SupportsFutures: false, RequiresPassphrase: true},
}

// Constructor builds an adapter from credentials.
type Constructor func(creds Credentials) Adapter

// Registry maps venue ids to adapter constructors.
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry creates a registry with the built-in adapters registered.
func NewRegistry() *Registry {
	r := &Registry{constructors: make(map[string]Constructor)}
	r.Register("binance", func(creds Credentials) Adapter {
		return NewBinance(creds, BinanceFuturesBaseURL, true)
	})
	r.Register("binance_spot", func(creds Credentials) Adapter {
		return NewBinance(creds, BinanceSpotBaseURL, false)
	})
	return r
}

// Register adds or replaces a venue constructor.
func (r *Registry) Register(venue string, fn Constructor) {
	r.constructors[venue] = fn
}

// New constructs an adapter for the venue. It fails when the venue is
// unknown, has no registered adapter, or requires a passphrase that the
// credentials do not carry.
func (r *Registry) New(venue string, creds Credentials) (Adapter, error) {
	info, known := venueCatalog[venue]
	if !known {
		return nil, fmt.Errorf("unknown exchange %q", venue)
	}
	if info.RequiresPassphrase && creds.Passphrase == "" {
		return nil, fmt.Errorf("exchange %q requires a passphrase", venue)
	}
	fn, ok := r.constructors[venue]
	if !ok {
		return nil, fmt.Errorf("exchange %q has no adapter", venue)
	}
	return fn(creds), nil
}

// Venues returns the ids of every venue with a registered adapter.
func (r *Registry) Venues() []string {
	out := make([]string, 0, len(r.constructors))
	for v := range r.constructors {
		out = append(out, v)
	}
	return out
}
