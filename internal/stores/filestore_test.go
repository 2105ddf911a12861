package stores

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"tradeflow/pkg/types"
)

func seedStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()

	write := func(name string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	write("strategies.json", []Strategy{
		{ID: "strat-1", Name: "Momentum", WebhookToken: "tok-aaaaaaaaaaaaaaaa", Exchange: "binance", IsActive: true},
	})
	write("subscriptions.json", []Subscription{
		{UserID: "u1", StrategyID: "strat-1", AutoTrade: true, ExchangeKeyID: "key-1", IsActive: true},
		{UserID: "u2", StrategyID: "strat-1", AutoTrade: false, ExchangeKeyID: "key-2", IsActive: true},
		{UserID: "u3", StrategyID: "strat-1", AutoTrade: true, ExchangeKeyID: "key-3", IsActive: false},
	})
	write("keys.json", []keyRecord{
		{Credentials: Credentials{KeyID: "key-1", Exchange: "binance", APIKey: "ak", APISecret: "as"}},
	})

	s, err := OpenFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFileStoreStrategyLookup(t *testing.T) {
	t.Parallel()
	s := seedStore(t)
	ctx := context.Background()

	strat, err := s.Strategy(ctx, "strat-1")
	if err != nil {
		t.Fatal(err)
	}
	if strat.Exchange != "binance" || !strat.IsActive {
		t.Errorf("strategy = %+v", strat)
	}

	if _, err := s.Strategy(ctx, "missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFileStoreSubscribersFilter(t *testing.T) {
	t.Parallel()
	s := seedStore(t)
	ctx := context.Background()

	all, err := s.Subscribers(ctx, "strat-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("active subs = %d, want 2 (inactive excluded)", len(all))
	}

	auto, err := s.Subscribers(ctx, "strat-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(auto) != 1 || auto[0].UserID != "u1" {
		t.Errorf("auto-trade subs = %+v, want just u1", auto)
	}
}

func TestFileStoreSignalLifecycle(t *testing.T) {
	t.Parallel()
	s := seedStore(t)
	ctx := context.Background()

	rec := &SignalRecord{
		SignalID:   "req-1-u1",
		UserID:     "u1",
		StrategyID: "strat-1",
		Symbol:     "ETHUSDT",
		Action:     types.LongEntry,
		Status:     SignalReceived,
	}
	if err := s.RecordSignal(ctx, rec); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateSignalStatus(ctx, "req-1-u1", SignalFailed, "boom"); err != nil {
		t.Fatal(err)
	}

	// Reopen to verify the update hit disk.
	reopened, err := OpenFileStore(s.dir)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(reopened.dir, "sig_req-1-u1.json"))
	if err != nil {
		t.Fatal(err)
	}
	var got SignalRecord
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != SignalFailed || got.Error != "boom" {
		t.Errorf("record = %+v", got)
	}

	if err := s.UpdateSignalStatus(ctx, "missing", SignalFailed, ""); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFileStoreRiskSettingsDefault(t *testing.T) {
	t.Parallel()
	s := seedStore(t)

	settings, err := s.RiskSettings(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !settings.MaxPositionSizeUSD.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("max position = %s, want default 1000", settings.MaxPositionSizeUSD)
	}
}

func TestFileStoreKeyInvalidation(t *testing.T) {
	t.Parallel()
	s := seedStore(t)
	ctx := context.Background()

	creds, err := s.Credentials(ctx, "u1", "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if creds.APIKey != "ak" {
		t.Errorf("creds = %+v", creds)
	}

	if err := s.MarkUsed(ctx, "key-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkInvalid(ctx, "key-1", "rejected by exchange"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Credentials(ctx, "u1", "key-1"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound after invalidation", err)
	}

	// Invalidation survives a reopen.
	reopened, err := OpenFileStore(s.dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reopened.Credentials(ctx, "u1", "key-1"); err != ErrNotFound {
		t.Errorf("reopened err = %v, want ErrNotFound", err)
	}
}

func TestFileStoreEmptyDir(t *testing.T) {
	t.Parallel()

	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Strategy(context.Background(), "any"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	stats, err := s.DailyStats(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.TradesCount != 0 {
		t.Errorf("stats = %+v, want zero", stats)
	}
}
