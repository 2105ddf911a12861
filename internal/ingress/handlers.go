// Package ingress receives webhook signals and fans them out to the
// queue.
//
// One POST from a strategy (TradingView alert or equivalent) becomes N
// queued signals, one per auto-trading subscriber, each with a derived
// per-user id and a per-user dedup window. Authentication is either an
// in-payload shared secret compared in constant time, or an HMAC-SHA256
// signature of the raw body in the X-Signature header; the two are
// mutually exclusive.
package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeflow/internal/notify"
	"tradeflow/internal/queue"
	"tradeflow/internal/stores"
	"tradeflow/pkg/types"
)

// minSecretLength rejects trivially guessable webhook secrets.
const minSecretLength = 16

// DefaultDedupTTL is the per-subscriber dedup window.
const DefaultDedupTTL = 30 * time.Second

// Version is reported by the health endpoint.
const Version = "1.0.0"

// WebhookPayload is the inbound signal shape.
type WebhookPayload struct {
	StrategyID string `json:"strategy_id"`
	Secret     string `json:"secret,omitempty"`
	Symbol     string `json:"symbol"`
	Action     string `json:"action"`
	Price      string `json:"price,omitempty"`
	StopLoss   string `json:"stop_loss,omitempty"`
	TakeProfit string `json:"take_profit,omitempty"`
	Quantity   string `json:"quantity,omitempty"`
	Leverage   int    `json:"leverage,omitempty"`
}

// WebhookResponse summarizes the fan-out result.
type WebhookResponse struct {
	Status       string `json:"status"`
	RequestID    string `json:"request_id"`
	Queued       int    `json:"queued"`
	Deduplicated int    `json:"deduplicated"`
	Subscribers  int    `json:"subscribers"`
	Message      string `json:"message,omitempty"`
}

// Handlers holds the webhook endpoint dependencies.
type Handlers struct {
	strategies stores.StrategyStore
	queue      *queue.Queue
	sink       notify.Sink
	limiter    *ipLimiter
	dedupTTL   time.Duration
	logger     *slog.Logger
}

// NewHandlers creates the webhook handlers. ratePerMinute caps requests
// per client IP; dedupTTL of zero takes the 30s default; a nil sink
// disables signal_received events.
func NewHandlers(strategies stores.StrategyStore, q *queue.Queue, sink notify.Sink, ratePerMinute int, dedupTTL time.Duration, logger *slog.Logger) *Handlers {
	if dedupTTL == 0 {
		dedupTTL = DefaultDedupTTL
	}
	if sink == nil {
		sink = notify.NopSink{}
	}
	return &Handlers{
		strategies: strategies,
		queue:      q,
		sink:       sink,
		limiter:    newIPLimiter(ratePerMinute),
		dedupTTL:   dedupTTL,
		logger:     logger.With("component", "ingress"),
	}
}

// HandleHealth reports liveness plus queue reachability.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  "queue unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
		"queue":     stats,
	})
}

// HandleQueueStats exposes the queue depth per state.
func (h *Handlers) HandleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.Error("queue stats failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleWebhook ingests one signal and fans it out to subscribers.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.limiter.Allow(clientIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	sig, err := normalizePayload(&payload)
	if err != nil {
		http.Error(w, err.Error(), payloadStatus(err))
		return
	}

	signature := r.Header.Get("X-Signature")
	if signature != "" && payload.Secret != "" {
		http.Error(w, "secret and X-Signature are mutually exclusive", http.StatusBadRequest)
		return
	}
	if signature == "" {
		if len(payload.Secret) < minSecretLength {
			http.Error(w, "invalid secret", http.StatusUnauthorized)
			return
		}
	}

	strategy, err := h.strategies.Strategy(r.Context(), payload.StrategyID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			http.Error(w, "unknown strategy", http.StatusNotFound)
			return
		}
		h.logger.Error("strategy lookup failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !strategy.IsActive {
		http.Error(w, "strategy is not active", http.StatusBadRequest)
		return
	}

	if signature != "" {
		if !verifySignature(body, signature, strategy.WebhookToken) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	} else if !constantTimeEqual(payload.Secret, strategy.WebhookToken) {
		http.Error(w, "invalid secret", http.StatusUnauthorized)
		return
	}

	resp, err := h.fanOut(r, strategy, sig)
	if err != nil {
		h.logger.Error("signal fan-out failed",
			"strategy_id", strategy.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleTest validates a payload without authenticating or queueing,
// so strategy authors can check their alert template.
func (h *Handlers) HandleTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload WebhookPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&payload); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	sig, err := normalizePayload(&payload)
	if err != nil {
		http.Error(w, err.Error(), payloadStatus(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    true,
		"symbol":   sig.Symbol,
		"action":   sig.Action,
		"priority": sig.Priority,
		"message":  "payload is valid; signal was not queued",
	})
}

// normalized carries the validated, normalized signal template before
// fan-out stamps per-user ids onto it.
type normalized struct {
	Symbol     string
	Action     types.Action
	Price      string
	StopLoss   string
	TakeProfit string
	Quantity   string
	Leverage   int
	Priority   types.Priority
}

// payloadError distinguishes schema violations (missing fields, bad
// enums, out-of-range values → 422) from decimal parse failures (400).
type payloadError struct {
	msg    string
	schema bool
}

func (e *payloadError) Error() string { return e.msg }

func schemaErr(format string, args ...any) error {
	return &payloadError{msg: fmt.Sprintf(format, args...), schema: true}
}

func payloadStatus(err error) int {
	var pe *payloadError
	if errors.As(err, &pe) && pe.schema {
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}

// normalizePayload validates field shapes and normalizes symbol and
// action. Decimal fields are parsed for validity and kept as strings.
func normalizePayload(p *WebhookPayload) (*normalized, error) {
	if p.StrategyID == "" {
		return nil, schemaErr("strategy_id is required")
	}
	if p.Symbol == "" {
		return nil, schemaErr("symbol is required")
	}

	action, ok := types.ParseAction(p.Action)
	if !ok {
		return nil, schemaErr("invalid action %q", p.Action)
	}

	leverage := p.Leverage
	if leverage == 0 {
		leverage = 1
	}
	if leverage < 1 || leverage > 125 {
		return nil, schemaErr("leverage must be between 1 and 125")
	}

	for field, v := range map[string]string{
		"price":       p.Price,
		"stop_loss":   p.StopLoss,
		"take_profit": p.TakeProfit,
		"quantity":    p.Quantity,
	} {
		if v == "" {
			continue
		}
		if _, err := decimal.NewFromString(v); err != nil {
			return nil, &payloadError{msg: fmt.Sprintf("invalid %s %q", field, v)}
		}
	}

	priority := types.PriorityNormal
	if action.IsExit() {
		priority = types.PriorityHigh
	}

	return &normalized{
		Symbol:     types.NormalizeSymbol(p.Symbol),
		Action:     action,
		Price:      p.Price,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		Quantity:   p.Quantity,
		Leverage:   leverage,
		Priority:   priority,
	}, nil
}

// fanOut queues one copy of the signal per auto-trading subscriber.
func (h *Handlers) fanOut(r *http.Request, strategy *stores.Strategy, sig *normalized) (*WebhookResponse, error) {
	ctx := r.Context()
	requestID := uuid.NewString()

	subs, err := h.strategies.Subscribers(ctx, strategy.ID, true)
	if err != nil {
		return nil, fmt.Errorf("load subscribers: %w", err)
	}
	if len(subs) == 0 {
		// Record the delivery even when nobody trades it.
		rec := &stores.SignalRecord{
			SignalID:   requestID,
			StrategyID: strategy.ID,
			Symbol:     sig.Symbol,
			Action:     sig.Action,
			Status:     stores.SignalReceived,
			CreatedAt:  time.Now().UTC(),
		}
		if err := h.strategies.RecordSignal(ctx, rec); err != nil {
			h.logger.Warn("failed to record subscriber-less signal", "error", err)
		}
		return &WebhookResponse{
			Status:    "ok",
			RequestID: requestID,
			Message:   "no auto-trading subscribers",
		}, nil
	}

	resp := &WebhookResponse{
		Status:      "ok",
		RequestID:   requestID,
		Subscribers: len(subs),
	}
	for _, sub := range subs {
		signalID := fmt.Sprintf("%s-%s", requestID, userPrefix(sub.UserID))

		rec := &stores.SignalRecord{
			SignalID:   signalID,
			UserID:     sub.UserID,
			StrategyID: strategy.ID,
			Symbol:     sig.Symbol,
			Action:     sig.Action,
			Price:      sig.Price,
			StopLoss:   sig.StopLoss,
			TakeProfit: sig.TakeProfit,
			Quantity:   sig.Quantity,
			Status:     stores.SignalReceived,
			CreatedAt:  time.Now().UTC(),
		}
		if err := h.strategies.RecordSignal(ctx, rec); err != nil {
			h.logger.Warn("failed to record signal",
				"signal_id", signalID, "error", err)
		}

		queued, err := h.queue.Enqueue(ctx, &types.QueuedSignal{
			SignalID:   signalID,
			UserID:     sub.UserID,
			StrategyID: strategy.ID,
			Symbol:     sig.Symbol,
			Action:     sig.Action,
			Price:      sig.Price,
			StopLoss:   sig.StopLoss,
			TakeProfit: sig.TakeProfit,
			Quantity:   sig.Quantity,
			Leverage:   sig.Leverage,
			Priority:   sig.Priority,
			MaxRetries: types.DefaultMaxRetries,
			CreatedAt:  time.Now().UTC(),
		}, dedupKeyFor(sub.UserID, sig), h.dedupTTL)
		if err != nil {
			return nil, fmt.Errorf("enqueue for user %s: %w", sub.UserID, err)
		}

		status := stores.SignalQueued
		if !queued {
			status = stores.SignalSkipped
			resp.Deduplicated++
		} else {
			resp.Queued++
			h.sink.Publish(sub.UserID, notify.EventSignalReceived, map[string]any{
				"signal_id":   signalID,
				"strategy_id": strategy.ID,
				"symbol":      sig.Symbol,
				"action":      sig.Action,
				"priority":    sig.Priority,
			})
		}
		if err := h.strategies.UpdateSignalStatus(ctx, signalID, status, ""); err != nil {
			h.logger.Warn("failed to update signal record",
				"signal_id", signalID, "error", err)
		}
	}

	switch {
	case resp.Queued == 0 && resp.Deduplicated > 0:
		resp.Message = "signal deduplicated"
	default:
		resp.Message = "signal queued"
	}

	h.logger.Info("signal ingested",
		"request_id", requestID,
		"strategy_id", strategy.ID,
		"symbol", sig.Symbol,
		"action", sig.Action,
		"queued", resp.Queued,
		"deduplicated", resp.Deduplicated,
	)
	return resp, nil
}

// dedupKeyFor collapses duplicate signals per user, symbol, and action
// inside the window. Strategy id is deliberately not part of the key.
func dedupKeyFor(userID string, sig *normalized) string {
	return fmt.Sprintf("%s:%s:%s", userID, sig.Symbol, sig.Action)
}

// userPrefix derives the per-user signal id suffix.
func userPrefix(userID string) string {
	if len(userID) <= 8 {
		return userID
	}
	return userID[:8]
}

// constantTimeEqual compares secrets without leaking a length-dependent
// early exit on matching prefixes.
func constantTimeEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// verifySignature checks an HMAC-SHA256 hex signature of the raw body.
func verifySignature(body []byte, signature, token string) bool {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}

// clientIP prefers the forwarded address set by a fronting proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
