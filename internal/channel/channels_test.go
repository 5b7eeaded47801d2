package channel

import (
	"context"
	"testing"

	"depthflow/internal/model"
)

func TestChannelsRegisterReplacesAndCloses(t *testing.T) {
	c := NewChannels()
	inst := model.NewInstrument(model.BinanceLinear, "BTCUSDT")

	first := NewQueue(inst.String(), 4)
	c.Register(inst, first)
	second := NewQueue(inst.String(), 4)
	c.Register(inst, second)

	if first.Push(model.TradeEvent{}) {
		t.Fatal("replaced queue must be closed")
	}
	got, ok := c.Get(inst)
	if !ok || got != second {
		t.Fatal("expected the second queue to be registered")
	}

	c.Unregister(inst)
	if _, ok := c.Get(inst); ok {
		t.Fatal("queue still registered")
	}
	if _, _, err := second.Pop(context.Background()); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestChannelsMarkStaleByPredicate(t *testing.T) {
	c := NewChannels()
	btc := model.NewInstrument(model.BybitLinear, "BTCUSDT")
	eth := model.NewInstrument(model.OKXSpot, "ETH-USDT")
	qb, qe := NewQueue(btc.String(), 4), NewQueue(eth.String(), 4)
	c.Register(btc, qb)
	c.Register(eth, qe)

	n := c.MarkStale("reconnect", func(inst model.Instrument) bool { return inst.Exchange == model.BybitLinear })
	if n != 1 {
		t.Fatalf("expected one queue marked, got %d", n)
	}
	if _, stale, _ := qb.Pop(context.Background()); !stale {
		t.Fatal("bybit queue should be stale")
	}
	if qe.Len() != 0 {
		t.Fatal("okx queue should be untouched")
	}

	samples := c.Samples()
	if len(samples) != 2 || samples[0].Name != btc.String() {
		t.Fatalf("unexpected samples: %+v", samples)
	}
}
