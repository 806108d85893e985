package storage

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"xfeed/internal/application/port"
	"xfeed/internal/domain/model"
	"xfeed/internal/infrastructure/storage/composite"
)

func TestMemoryStoreKeepsNewest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	newer := model.Order{UserID: "u1", Venue: model.VenueBinance, OrderID: "1", Symbol: "BTCUSDT", Status: "filled", Timestamp: 20}
	older := newer
	older.Status, older.Timestamp = "new", 10

	_ = s.UpsertOrders(ctx, []model.Order{newer})
	_ = s.UpsertOrders(ctx, []model.Order{older})

	got, _ := s.FindOrders(ctx, port.AccountFilter{UserID: "u1", Symbol: "BTCUSDT"})
	if len(got) != 1 || got[0].Status != "filled" {
		t.Fatalf("orders = %+v", got)
	}
}

func TestCompositeWritesEveryStore(t *testing.T) {
	a, b := NewMemoryStore(), NewMemoryStore()
	c := composite.New(a, nil, b)
	if c.Len() != 2 {
		t.Fatalf("Len = %d", c.Len())
	}

	bal := model.Balance{UserID: "u1", Venue: model.VenueBybit, Asset: "USDT", Free: decimal.NewFromInt(5), Timestamp: 1}
	if err := c.UpsertBalances(context.Background(), []model.Balance{bal}); err != nil {
		t.Fatalf("UpsertBalances: %v", err)
	}
	for i, s := range []*MemoryStore{a, b} {
		got, _ := s.FindBalances(context.Background(), port.AccountFilter{Venue: model.VenueBybit})
		if len(got) != 1 {
			t.Fatalf("store %d has %d balances", i, len(got))
		}
	}
}
