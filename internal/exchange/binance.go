// binance.go implements the Adapter capability set against the Binance
// REST API. One type serves both flavors:
//
//   - futures (fapi.binance.com): positions, leverage, reduce-only
//   - spot    (api.binance.com):  no positions, no leverage; reduce-only
//     orders are rejected with InvalidOrderError instead of silently
//     opening a position
//
// Signed endpoints carry an HMAC-SHA256 signature of the query string and
// the X-MBX-APIKEY header. Every request is rate-limited through the
// shared token buckets.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"tradeflow/pkg/types"
)

// Base URLs for the two Binance flavors.
const (
	BinanceFuturesBaseURL = "https://fapi.binance.com"
	BinanceSpotBaseURL    = "https://api.binance.com"
)

// Binance talks to the Binance REST API. Safe for use by a single signal
// at a time; the worker constructs one adapter per signal.
type Binance struct {
	http    *resty.Client
	creds   Credentials
	rl      *RateLimiter
	futures bool
}

// NewBinance creates an adapter for the given base URL and flavor.
func NewBinance(creds Credentials, baseURL string, futures bool) *Binance {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("X-MBX-APIKEY", creds.APIKey)

	return &Binance{
		http:    httpClient,
		creds:   creds,
		rl:      NewRateLimiter(),
		futures: futures,
	}
}

// Name returns the venue id.
func (b *Binance) Name() string {
	if b.futures {
		return "binance"
	}
	return "binance_spot"
}

// SupportsFutures reports whether this adapter targets the futures API.
func (b *Binance) SupportsFutures() bool { return b.futures }

// Connect is a no-op for REST; the first signed call validates the key.
func (b *Binance) Connect(ctx context.Context) error { return nil }

// Disconnect releases the underlying HTTP client's idle connections.
func (b *Binance) Disconnect(ctx context.Context) error {
	b.http.GetClient().CloseIdleConnections()
	return nil
}

// ValidateCredentials performs a signed account read and reports whether
// the venue accepts the key.
func (b *Binance) ValidateCredentials(ctx context.Context) (bool, error) {
	_, err := b.GetBalance(ctx, "")
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// path selects the futures or spot route for an endpoint suffix.
func (b *Binance) path(futuresPath, spotPath string) string {
	if b.futures {
		return futuresPath
	}
	return spotPath
}

// sign appends timestamp and HMAC-SHA256 signature to query params.
func (b *Binance) sign(params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	mac := hmac.New(sha256.New, []byte(b.creds.APISecret))
	mac.Write([]byte(params.Encode()))
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	return params
}

// classify maps an HTTP response to the adapter error taxonomy.
func (b *Binance) classify(op string, resp *resty.Response) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(resp.Body(), &apiErr)

	base := fmt.Errorf("status %d code %d: %s", resp.StatusCode(), apiErr.Code, apiErr.Msg)

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() == 418:
		return &RateLimitError{Venue: b.Name(), Err: base}
	case resp.StatusCode() == http.StatusUnauthorized || apiErr.Code == -2015 || apiErr.Code == -1022:
		return &AuthError{Venue: b.Name(), Err: base}
	case apiErr.Code == -2010 || apiErr.Code == -2019:
		return &InsufficientFundsError{Venue: b.Name(), Err: base}
	case apiErr.Code == -1121 || apiErr.Code == -1111 || apiErr.Code == -4164:
		return &InvalidOrderError{Venue: b.Name(), Err: base}
	}
	return &Error{Venue: b.Name(), Op: op, Err: base}
}

// GetTicker fetches the 24h ticker for a symbol.
func (b *Binance) GetTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	if err := b.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}
	symbol = types.NormalizeSymbol(symbol)

	var raw struct {
		Symbol             string `json:"symbol"`
		LastPrice          string `json:"lastPrice"`
		BidPrice           string `json:"bidPrice"`
		AskPrice           string `json:"askPrice"`
		QuoteVolume        string `json:"quoteVolume"`
		PriceChangePercent string `json:"priceChangePercent"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&raw).
		Get(b.path("/fapi/v1/ticker/24hr", "/api/v3/ticker/24hr"))
	if err != nil {
		return nil, &Error{Venue: b.Name(), Op: "get ticker", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, b.classify("get ticker", resp)
	}

	return &types.Ticker{
		Symbol:    symbol,
		LastPrice: mustDecimal(raw.LastPrice),
		Bid:       mustDecimal(raw.BidPrice),
		Ask:       mustDecimal(raw.AskPrice),
		Volume24h: mustDecimal(raw.QuoteVolume),
		Change24h: mustDecimal(raw.PriceChangePercent),
	}, nil
}

// GetBalance returns account balances, optionally filtered to one asset.
// Zero-total balances are omitted unless explicitly requested.
func (b *Binance) GetBalance(ctx context.Context, asset string) ([]types.Balance, error) {
	if err := b.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var balances []types.Balance
	if b.futures {
		var raw []struct {
			Asset            string `json:"asset"`
			Balance          string `json:"balance"`
			AvailableBalance string `json:"availableBalance"`
		}
		resp, err := b.http.R().
			SetContext(ctx).
			SetQueryParamsFromValues(b.sign(url.Values{})).
			SetResult(&raw).
			Get("/fapi/v2/balance")
		if err != nil {
			return nil, &Error{Venue: b.Name(), Op: "get balance", Err: err}
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, b.classify("get balance", resp)
		}
		for _, r := range raw {
			total := mustDecimal(r.Balance)
			free := mustDecimal(r.AvailableBalance)
			if total.IsZero() && r.Asset != asset {
				continue
			}
			balances = append(balances, types.Balance{
				Asset:  r.Asset,
				Free:   free,
				Locked: total.Sub(free),
				Total:  total,
			})
		}
	} else {
		var raw struct {
			Balances []struct {
				Asset  string `json:"asset"`
				Free   string `json:"free"`
				Locked string `json:"locked"`
			} `json:"balances"`
		}
		resp, err := b.http.R().
			SetContext(ctx).
			SetQueryParamsFromValues(b.sign(url.Values{})).
			SetResult(&raw).
			Get("/api/v3/account")
		if err != nil {
			return nil, &Error{Venue: b.Name(), Op: "get balance", Err: err}
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, b.classify("get balance", resp)
		}
		for _, r := range raw.Balances {
			free := mustDecimal(r.Free)
			locked := mustDecimal(r.Locked)
			total := free.Add(locked)
			if total.IsZero() && r.Asset != asset {
				continue
			}
			balances = append(balances, types.Balance{
				Asset:  r.Asset,
				Free:   free,
				Locked: locked,
				Total:  total,
			})
		}
	}

	if asset != "" {
		filtered := balances[:0]
		for _, bal := range balances {
			if bal.Asset == asset {
				filtered = append(filtered, bal)
			}
		}
		balances = filtered
	}
	return balances, nil
}

// PlaceOrder submits an order. With leverage > 1 on futures, leverage is
// set first on a best-effort basis: a failure there is not fatal and the
// order proceeds at the venue's existing setting.
func (b *Binance) PlaceOrder(ctx context.Context, order types.OrderRequest) (*types.OrderResult, error) {
	if order.ReduceOnly && !b.futures {
		return nil, &InvalidOrderError{
			Venue: b.Name(),
			Err:   fmt.Errorf("reduce-only orders are not supported on spot"),
		}
	}
	if err := b.rl.Trade.Wait(ctx); err != nil {
		return nil, err
	}

	symbol := types.NormalizeSymbol(order.Symbol)

	if order.Leverage > 1 && b.futures {
		// Best effort: on failure the order carries the venue's existing
		// leverage setting.
		_, _ = b.SetLeverage(ctx, symbol, order.Leverage)
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", binanceSide(order.Side))
	params.Set("type", binanceOrderType(order.Type))
	params.Set("quantity", b.FormatQuantity(order.Quantity, symbol).String())

	switch order.Type {
	case types.Limit, types.StopLimit:
		params.Set("price", b.FormatPrice(order.Price, symbol).String())
		params.Set("timeInForce", "GTC")
	}
	switch order.Type {
	case types.StopMarket, types.StopLimit:
		params.Set("stopPrice", b.FormatPrice(order.StopPrice, symbol).String())
	}
	if order.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	var raw binanceOrder
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(b.sign(params)).
		SetResult(&raw).
		Post(b.path("/fapi/v1/order", "/api/v3/order"))
	if err != nil {
		return nil, &Error{Venue: b.Name(), Op: "place order", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, b.classify("place order", resp)
	}
	return raw.toResult(), nil
}

// CancelOrder cancels an order by id. Returns false when the order does
// not exist (already filled or cancelled).
func (b *Binance) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	if err := b.rl.Trade.Wait(ctx); err != nil {
		return false, err
	}

	params := url.Values{}
	params.Set("symbol", types.NormalizeSymbol(symbol))
	params.Set("orderId", orderID)

	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(b.sign(params)).
		Delete(b.path("/fapi/v1/order", "/api/v3/order"))
	if err != nil {
		return false, &Error{Venue: b.Name(), Op: "cancel order", Err: err}
	}
	if resp.StatusCode() == http.StatusBadRequest {
		return false, nil // unknown order
	}
	if resp.StatusCode() != http.StatusOK {
		return false, b.classify("cancel order", resp)
	}
	return true, nil
}

// GetOrder fetches the current state of an order.
func (b *Binance) GetOrder(ctx context.Context, orderID, symbol string) (*types.OrderResult, error) {
	if err := b.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", types.NormalizeSymbol(symbol))
	params.Set("orderId", orderID)

	var raw binanceOrder
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(b.sign(params)).
		SetResult(&raw).
		Get(b.path("/fapi/v1/order", "/api/v3/order"))
	if err != nil {
		return nil, &Error{Venue: b.Name(), Op: "get order", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, b.classify("get order", resp)
	}
	return raw.toResult(), nil
}

// GetOpenOrders returns live orders, optionally filtered by symbol.
func (b *Binance) GetOpenOrders(ctx context.Context, symbol string) ([]types.OrderResult, error) {
	if err := b.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", types.NormalizeSymbol(symbol))
	}

	var raw []binanceOrder
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(b.sign(params)).
		SetResult(&raw).
		Get(b.path("/fapi/v1/openOrders", "/api/v3/openOrders"))
	if err != nil {
		return nil, &Error{Venue: b.Name(), Op: "get open orders", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, b.classify("get open orders", resp)
	}

	results := make([]types.OrderResult, 0, len(raw))
	for _, o := range raw {
		results = append(results, *o.toResult())
	}
	return results, nil
}

// GetPositions returns open futures positions with non-zero contract
// count. Spot returns an empty list.
func (b *Binance) GetPositions(ctx context.Context, symbol string) ([]types.Position, error) {
	if !b.futures {
		return nil, nil
	}
	if err := b.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", types.NormalizeSymbol(symbol))
	}

	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		LiquidationPrice string `json:"liquidationPrice"`
		Leverage         string `json:"leverage"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(b.sign(params)).
		SetResult(&raw).
		Get("/fapi/v2/positionRisk")
	if err != nil {
		return nil, &Error{Venue: b.Name(), Op: "get positions", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, b.classify("get positions", resp)
	}

	var positions []types.Position
	for _, p := range raw {
		amt := mustDecimal(p.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := types.Long
		if amt.IsNegative() {
			side = types.Short
		}
		lev, _ := strconv.Atoi(p.Leverage)
		positions = append(positions, types.Position{
			Symbol:           p.Symbol,
			Side:             side,
			Quantity:         amt.Abs(),
			EntryPrice:       mustDecimal(p.EntryPrice),
			MarkPrice:        mustDecimal(p.MarkPrice),
			UnrealizedPnL:    mustDecimal(p.UnRealizedProfit),
			Leverage:         lev,
			LiquidationPrice: mustDecimal(p.LiquidationPrice),
		})
	}
	return positions, nil
}

// SetLeverage changes the leverage for a symbol. Spot returns false.
func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) (bool, error) {
	if !b.futures {
		return false, nil
	}
	if err := b.rl.Trade.Wait(ctx); err != nil {
		return false, err
	}

	params := url.Values{}
	params.Set("symbol", types.NormalizeSymbol(symbol))
	params.Set("leverage", strconv.Itoa(leverage))

	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(b.sign(params)).
		Post("/fapi/v1/leverage")
	if err != nil {
		return false, &Error{Venue: b.Name(), Op: "set leverage", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return false, b.classify("set leverage", resp)
	}
	return true, nil
}

// FormatQuantity truncates a quantity to the venue lot precision.
// Division-induced precision loss is absorbed here before submission.
func (b *Binance) FormatQuantity(q decimal.Decimal, symbol string) decimal.Decimal {
	return q.Truncate(int32(lotPrecision(symbol)))
}

// FormatPrice truncates a price to the venue tick precision.
func (b *Binance) FormatPrice(p decimal.Decimal, symbol string) decimal.Decimal {
	return p.Truncate(int32(tickPrecision(symbol)))
}

// Per-symbol precision would normally come from exchangeInfo; the
// built-in table covers the majors and falls back to a safe default.
var symbolLotPrecision = map[string]int{
	"BTCUSDT": 3,
	"ETHUSDT": 3,
	"SOLUSDT": 1,
	"BNBUSDT": 2,
}

var symbolTickPrecision = map[string]int{
	"BTCUSDT": 1,
	"ETHUSDT": 2,
	"SOLUSDT": 3,
	"BNBUSDT": 2,
}

func lotPrecision(symbol string) int {
	if p, ok := symbolLotPrecision[symbol]; ok {
		return p
	}
	return 4
}

func tickPrecision(symbol string) int {
	if p, ok := symbolTickPrecision[symbol]; ok {
		return p
	}
	return 4
}

// binanceOrder is the venue's order representation shared by the place,
// get, and open-orders endpoints.
type binanceOrder struct {
	OrderID     int64  `json:"orderId"`
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	ExecutedQty string `json:"executedQty"`
	AvgPrice    string `json:"avgPrice"`
	// Spot responses report cumulative quote volume instead of avgPrice.
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
}

func (o binanceOrder) toResult() *types.OrderResult {
	filled := mustDecimal(o.ExecutedQty)
	avg := mustDecimal(o.AvgPrice)
	if avg.IsZero() && !filled.IsZero() {
		if quote := mustDecimal(o.CummulativeQuoteQty); !quote.IsZero() {
			avg = quote.Div(filled)
		}
	}
	return &types.OrderResult{
		OrderID:        strconv.FormatInt(o.OrderID, 10),
		Status:         mapBinanceStatus(o.Status),
		FilledQuantity: filled,
		AvgFillPrice:   avg,
	}
}

func mapBinanceStatus(s string) types.OrderStatus {
	switch s {
	case "NEW":
		return types.OrderOpen
	case "FILLED":
		return types.OrderFilled
	case "PARTIALLY_FILLED":
		return types.OrderPartiallyFilled
	case "CANCELED", "EXPIRED":
		return types.OrderCanceled
	case "REJECTED":
		return types.OrderFailed
	}
	return types.OrderPending
}

func binanceSide(s types.Side) string {
	if s == types.Buy {
		return "BUY"
	}
	return "SELL"
}

func binanceOrderType(t types.OrderType) string {
	switch t {
	case types.Limit:
		return "LIMIT"
	case types.StopMarket:
		return "STOP_MARKET"
	case types.StopLimit:
		return "STOP"
	}
	return "MARKET"
}

// mustDecimal parses a venue decimal string, treating blanks and parse
// failures as zero. Venue payloads use "" and "0.00000000" for absent.
func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
