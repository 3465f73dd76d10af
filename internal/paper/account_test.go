package paper

import (
	"errors"
	"math"
	"testing"
	"time"

	"hftsim-go/internal/signal"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func fill(id string, side signal.Side, qty, price, fee float64) signal.OrderFill {
	return signal.OrderFill{OrderID: id, Instrument: "BTCUSD", Quantity: qty, Side: side, FillPrice: price, Fee: fee, FilledAt: t0}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestApplyFillCashConvention(t *testing.T) {
	account := NewAccount(1000)

	if _, err := account.ApplyFill(fill("o1", signal.Buy, 2, 100, 0.5), ""); err != nil {
		t.Fatalf("unexpected buy error: %v", err)
	}
	if !near(account.AvailableCash(), 1000-200.5) {
		t.Fatalf("buy should debit qty*price+fee, cash=%.4f", account.AvailableCash())
	}

	if _, err := account.ApplyFill(fill("o2", signal.Sell, 1, 110, 0.25), ""); err != nil {
		t.Fatalf("unexpected sell error: %v", err)
	}
	if !near(account.AvailableCash(), 1000-200.5+109.75) {
		t.Fatalf("sell should credit qty*price-fee, cash=%.4f", account.AvailableCash())
	}
	if account.OpenCount() != 2 {
		t.Fatalf("each opening fill creates its own position, got %d", account.OpenCount())
	}
}

func TestOpenMarkClose(t *testing.T) {
	account := NewAccount(1000)
	opened, err := account.ApplyFill(fill("o1", signal.Sell, 2, 100, 0.1), "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened.Quantity != -2 || opened.Status != signal.PositionOpen {
		t.Fatalf("expected short open position, got %+v", opened)
	}

	if !account.Mark("BTCUSD", 90, t0.Add(time.Second)) {
		t.Fatalf("expected mark to touch the open position")
	}
	if account.Mark("ETHUSD", 90, t0) {
		t.Fatalf("other instruments must not be marked")
	}
	snap := account.Snapshot(t0)
	if !near(snap.UnrealizedPnL, 20) {
		t.Fatalf("short gains when price falls, unrealized=%.4f", snap.UnrealizedPnL)
	}
	if !near(snap.MarginUsed, 18) {
		t.Fatalf("margin should be |qty*mark|*0.1, got %.4f", snap.MarginUsed)
	}
	if !near(snap.Equity, snap.CashBalance+20) {
		t.Fatalf("equity must be cash + unrealized")
	}

	closed, err := account.ApplyFill(fill("o2", signal.Buy, 2, 90, 0.1), opened.PositionID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	wantPnL := (90.0-100.0)*-2 - 0.1
	if closed.Status != signal.PositionClosed || !near(closed.RealizedPnL, wantPnL) || closed.UnrealizedPnL != 0 {
		t.Fatalf("unexpected closed position %+v", closed)
	}
	if !near(account.RealizedPnL(), wantPnL) {
		t.Fatalf("cumulative realized pnl not updated: %.4f", account.RealizedPnL())
	}
	if account.OpenCount() != 0 {
		t.Fatalf("expected no open positions")
	}

	snap = account.Snapshot(t0)
	if len(snap.Positions) != 1 || snap.UnrealizedPnL != 0 || snap.MarginUsed != 0 {
		t.Fatalf("closed positions stay listed but carry no exposure: %+v", snap)
	}
}

func TestCloseFillAgainstClosedPositionIsRefused(t *testing.T) {
	account := NewAccount(1000)
	opened, _ := account.ApplyFill(fill("o1", signal.Buy, 1, 100, 0.1), "")
	if _, err := account.ApplyFill(fill("o2", signal.Sell, 1, 110, 0.1), opened.PositionID); err != nil {
		t.Fatalf("first close: %v", err)
	}
	cash := account.AvailableCash()

	_, err := account.ApplyFill(fill("o3", signal.Sell, 1, 120, 0.1), opened.PositionID)
	if !errors.Is(err, ErrPositionNotOpen) {
		t.Fatalf("expected ErrPositionNotOpen, got %v", err)
	}
	if _, err := account.ApplyFill(fill("o4", signal.Sell, 1, 120, 0.1), "pos_missing"); !errors.Is(err, ErrPositionNotOpen) {
		t.Fatalf("expected ErrPositionNotOpen for unknown id, got %v", err)
	}

	snap := account.Snapshot(t0)
	if len(snap.Positions) != 1 || account.OpenCount() != 0 {
		t.Fatalf("refused close must not open a position: %+v", snap.Positions)
	}
	if _, ok := account.OpenBySourceOrder("o3"); ok {
		t.Fatalf("no position may be sourced from the refused fill")
	}
	if account.AvailableCash() != cash {
		t.Fatalf("refused fill moved cash: %.4f -> %.4f", cash, account.AvailableCash())
	}
}

func TestOpenBySourceOrder(t *testing.T) {
	account := NewAccount(1000)
	p, _ := account.ApplyFill(fill("o1", signal.Buy, 1, 100, 0.1), "")
	got, ok := account.OpenBySourceOrder("o1")
	if !ok || got.PositionID != p.PositionID {
		t.Fatalf("expected to find position by source order")
	}
	if _, ok := account.OpenBySourceOrder("missing"); ok {
		t.Fatalf("unexpected match for unknown order")
	}
}

func TestApplyFillRejectsBadInput(t *testing.T) {
	account := NewAccount(1000)
	if _, err := account.ApplyFill(fill("o1", signal.Buy, 0, 100, 0), ""); err == nil {
		t.Fatalf("expected quantity error")
	}
	if _, err := account.ApplyFill(fill("o1", "hold", 1, 100, 0), ""); err == nil {
		t.Fatalf("expected side error")
	}
	if account.AvailableCash() != 1000 {
		t.Fatalf("rejected fills must not move cash")
	}
}
