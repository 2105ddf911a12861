// Package worker drains the signal queue and executes signals.
//
// Each worker is an independent loop: dequeue with a short blocking
// timeout, hydrate the user's adapter and portfolio from the
// collaborator stores, run the executor under a per-signal deadline,
// then report the outcome to the queue and the notification sink. The
// blocking dequeue timeout doubles as the shutdown poll interval.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/internal/exchange"
	"tradeflow/internal/executor"
	"tradeflow/internal/notify"
	"tradeflow/internal/queue"
	"tradeflow/internal/risk"
	"tradeflow/internal/stores"
	"tradeflow/pkg/types"
)

// Options tune pool behavior. Zero values take the defaults.
type Options struct {
	DequeueTimeout   time.Duration   // blocking dequeue window, default 5s; negative = non-blocking
	MaxExecutionTime time.Duration   // per-signal budget, default 5s
	RecoverMaxAge    time.Duration   // orphan age threshold on start
	SlippagePercent  decimal.Decimal // sizing pad for ticker-resolved prices
}

func (o *Options) applyDefaults() {
	if o.DequeueTimeout == 0 {
		o.DequeueTimeout = 5 * time.Second
	}
	if o.MaxExecutionTime == 0 {
		o.MaxExecutionTime = 5 * time.Second
	}
	if o.RecoverMaxAge == 0 {
		o.RecoverMaxAge = queue.DefaultRecoverMaxAge
	}
	if o.SlippagePercent.IsZero() {
		o.SlippagePercent = executor.DefaultSlippagePercent
	}
}

// Pool runs N workers against the signal queue.
type Pool struct {
	queue      *queue.Queue
	registry   *exchange.Registry
	strategies stores.StrategyStore
	keys       stores.KeyStore
	sink       notify.Sink
	opts       Options
	logger     *slog.Logger

	wg sync.WaitGroup
}

// New creates a worker pool.
func New(q *queue.Queue, registry *exchange.Registry, strategies stores.StrategyStore, keys stores.KeyStore, sink notify.Sink, opts Options, logger *slog.Logger) *Pool {
	opts.applyDefaults()
	return &Pool{
		queue:      q,
		registry:   registry,
		strategies: strategies,
		keys:       keys,
		sink:       sink,
		opts:       opts,
		logger:     logger.With("component", "worker"),
	}
}

// Start recovers abandoned signals and spawns n worker loops. Workers
// stop when ctx is cancelled; Wait blocks until they have drained.
func (p *Pool) Start(ctx context.Context, n int) {
	recovered, err := p.queue.RecoverProcessing(ctx, p.opts.RecoverMaxAge)
	if err != nil {
		p.logger.Error("processing recovery failed", "error", err)
	} else if recovered > 0 {
		p.logger.Info("recovered abandoned signals", "count", recovered)
	}

	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
	p.logger.Info("worker pool started", "workers", n)
}

// Wait blocks until every worker loop has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	logger := p.logger.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopping")
			return
		default:
		}

		if err := p.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error("worker iteration failed", "error", err)
			// Back off briefly so a Redis outage doesn't spin.
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// runOnce dequeues and processes at most one signal.
func (p *Pool) runOnce(ctx context.Context) error {
	timeout := p.opts.DequeueTimeout
	if timeout < 0 {
		timeout = 0
	}
	sig, err := p.queue.Dequeue(ctx, timeout)
	if err != nil {
		return err
	}
	if sig == nil {
		if timeout == 0 {
			// Non-blocking mode: don't spin on an empty queue.
			select {
			case <-ctx.Done():
			case <-time.After(50 * time.Millisecond):
			}
		}
		return nil
	}
	p.process(ctx, sig)
	return nil
}

// process runs one signal end to end and reports the outcome. Queue
// bookkeeping uses a background-derived context so a shutdown mid-signal
// can still record the result.
func (p *Pool) process(ctx context.Context, sig *types.QueuedSignal) {
	logger := p.logger.With("signal_id", sig.SignalID, "user_id", sig.UserID)

	adapter, err := p.loadAdapter(ctx, sig)
	if err != nil {
		logger.Warn("adapter unavailable", "error", err)
		p.failSignal(sig, err.Error(), false)
		return
	}
	defer adapter.Disconnect(context.Background())

	settings, err := p.strategies.RiskSettings(ctx, sig.UserID)
	if err != nil {
		logger.Error("risk settings unavailable", "error", err)
		p.failSignal(sig, fmt.Sprintf("risk settings unavailable: %v", err), true)
		return
	}

	portfolio, err := p.buildPortfolio(ctx, adapter, sig.UserID)
	if err != nil {
		logger.Error("portfolio state unavailable", "error", err)
		p.failSignal(sig, fmt.Sprintf("portfolio state unavailable: %v", err), true)
		return
	}

	riskManager := risk.NewManager(settings, p.logger)
	exec := executor.New(adapter, riskManager, p.opts.SlippagePercent, p.logger)

	execCtx, cancel := context.WithTimeout(ctx, p.opts.MaxExecutionTime)
	defer cancel()

	result, execErr := exec.ExecuteSignal(execCtx, sig, portfolio)

	switch result.Status {
	case types.ExecFilled, types.ExecPartiallyFilled:
		if err := p.queue.Complete(context.Background(), sig.SignalID); err != nil {
			logger.Error("failed to complete signal", "error", err)
		}
		p.updateRecord(sig.SignalID, stores.SignalCompleted, "")
		p.sink.Publish(sig.UserID, notify.EventTradeExecuted, result)
		p.sink.Publish(sig.UserID, notify.EventPositionUpdate, map[string]any{
			"symbol": sig.Symbol,
			"action": sig.Action,
		})
		logger.Info("signal executed",
			"symbol", sig.Symbol,
			"action", sig.Action,
			"status", result.Status,
			"order_id", result.OrderID,
		)

	case types.ExecRiskCheckFailed:
		p.failSignal(sig, result.Error, false)
		p.sink.Publish(sig.UserID, notify.EventSignalFailed, result)
		logger.Warn("signal rejected by risk check", "reason", result.Error)

	default:
		cause := result.Error
		if cause == "" && execErr != nil {
			cause = execErr.Error()
		}
		if cause == "" {
			cause = fmt.Sprintf("execution ended with status %s", result.Status)
		}
		// An order the venue accepted but has not filled yet is
		// transient: a later attempt reconciles against position state.
		// Otherwise retry only transient venue errors; permanent
		// rejections and semantic failures with no venue error (no
		// position to close, zero size) never heal on retry.
		resting := result.Status == types.ExecExecuting || result.Status == types.ExecPending
		retry := resting || (execErr != nil && !exchange.Permanent(execErr))
		if resting {
			p.sink.Publish(sig.UserID, notify.EventOrderUpdate, result)
		}
		p.failSignal(sig, cause, retry)
		logger.Warn("signal execution failed",
			"status", result.Status,
			"retry", retry,
			"error", cause,
		)
	}
}

// loadAdapter resolves the user's venue adapter for the signal. Any
// failure here is terminal for the signal: a missing subscription or a
// rejected key will not heal on retry.
func (p *Pool) loadAdapter(ctx context.Context, sig *types.QueuedSignal) (exchange.Adapter, error) {
	subs, err := p.strategies.Subscribers(ctx, sig.StrategyID, true)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	var sub *stores.Subscription
	for i := range subs {
		if subs[i].UserID == sig.UserID {
			sub = &subs[i]
			break
		}
	}
	if sub == nil {
		return nil, fmt.Errorf("no active auto-trade subscription for user %s", sig.UserID)
	}

	creds, err := p.keys.Credentials(ctx, sig.UserID, sub.ExchangeKeyID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, fmt.Errorf("no usable API key for user %s", sig.UserID)
		}
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	adapter, err := p.registry.New(creds.Exchange, exchange.Credentials{
		APIKey:     creds.APIKey,
		APISecret:  creds.APISecret,
		Passphrase: creds.Passphrase,
	})
	if err != nil {
		return nil, fmt.Errorf("construct adapter: %w", err)
	}
	if err := adapter.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", creds.Exchange, err)
	}

	valid, err := adapter.ValidateCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("validate credentials: %w", err)
	}
	if !valid {
		if err := p.keys.MarkInvalid(ctx, creds.KeyID, "rejected by exchange"); err != nil {
			p.logger.Error("failed to mark key invalid", "key_id", creds.KeyID, "error", err)
		}
		return nil, fmt.Errorf("invalid API credentials for %s", creds.Exchange)
	}
	if err := p.keys.MarkUsed(ctx, creds.KeyID); err != nil {
		p.logger.Warn("failed to mark key used", "key_id", creds.KeyID, "error", err)
	}
	return adapter, nil
}

// buildPortfolio assembles the risk snapshot: live balance from the
// venue, stored positions and daily stats from the strategy store.
func (p *Pool) buildPortfolio(ctx context.Context, adapter exchange.Adapter, userID string) (risk.PortfolioState, error) {
	balances, err := adapter.GetBalance(ctx, "USDT")
	if err != nil {
		return risk.PortfolioState{}, fmt.Errorf("fetch balance: %w", err)
	}
	total := decimal.Zero
	for _, b := range balances {
		if b.Asset == "USDT" {
			total = total.Add(b.Total)
		}
	}

	positions, err := p.strategies.OpenPositions(ctx, userID)
	if err != nil {
		return risk.PortfolioState{}, fmt.Errorf("load open positions: %w", err)
	}
	value := decimal.Zero
	for _, pos := range positions {
		value = value.Add(pos.EntryPrice.Mul(pos.Quantity))
	}

	stats, err := p.strategies.DailyStats(ctx, userID)
	if err != nil {
		return risk.PortfolioState{}, fmt.Errorf("load daily stats: %w", err)
	}
	dailyLoss := decimal.Zero
	if stats.PnLPercent.IsNegative() {
		dailyLoss = stats.PnLPercent.Abs()
	}

	return risk.PortfolioState{
		TotalBalanceUSD:       total,
		OpenPositionsCount:    len(positions),
		OpenPositionsValueUSD: value,
		DailyTradesCount:      stats.TradesCount,
		DailyPnLPercent:       stats.PnLPercent,
		DailyLossPercent:      dailyLoss,
	}, nil
}

func (p *Pool) failSignal(sig *types.QueuedSignal, cause string, retry bool) {
	willRetry, err := p.queue.Fail(context.Background(), sig.SignalID, cause, retry)
	if err != nil {
		p.logger.Error("failed to record signal failure",
			"signal_id", sig.SignalID, "error", err)
		return
	}
	if !willRetry {
		p.updateRecord(sig.SignalID, stores.SignalFailed, cause)
	}
}

func (p *Pool) updateRecord(signalID string, status stores.SignalStatus, errMsg string) {
	if err := p.strategies.UpdateSignalStatus(context.Background(), signalID, status, errMsg); err != nil {
		p.logger.Warn("failed to update signal record",
			"signal_id", signalID, "error", err)
	}
}
