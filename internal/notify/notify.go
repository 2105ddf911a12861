// Package notify pushes execution events to subscribers.
//
// The pipeline only depends on the Sink interface: a one-way,
// best-effort publish keyed by user id. The websocket Hub in this
// package is the production implementation; tests and headless
// deployments use NopSink.
package notify

import (
	"log/slog"
	"time"
)

// Event types emitted by the pipeline. Ingress publishes
// signal_received on fan-out; the worker publishes the rest.
const (
	EventSignalReceived = "signal_received"
	EventTradeExecuted  = "trade_executed"
	EventOrderUpdate    = "order_update"
	EventPositionUpdate = "position_update"
	EventSignalFailed   = "signal_failed"
)

// Event is one notification delivered to a user's connections.
type Event struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Sink delivers events to one user. Implementations must not block:
// a slow or absent consumer never stalls the pipeline.
type Sink interface {
	Publish(userID, eventType string, data any)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Publish(userID, eventType string, data any) {}

// LogSink writes events to the log, for deployments without a hub.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(userID, eventType string, data any) {
	s.Logger.Info("notification",
		"user_id", userID,
		"event_type", eventType,
		"data", data,
	)
}
