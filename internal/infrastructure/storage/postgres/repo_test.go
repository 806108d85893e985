package postgres

import (
	"testing"

	"xfeed/internal/application/port"
	"xfeed/internal/domain/model"
)

func TestWhereNumbersPlaceholders(t *testing.T) {
	cond, args := where(port.AccountFilter{UserID: "u1", Venue: model.VenueBybit, Symbol: "BTCUSDT"}, true)
	if cond != " WHERE user_id = $1 AND venue = $2 AND symbol = $3" {
		t.Fatalf("cond = %q", cond)
	}
	if len(args) != 3 || args[1] != "BYBIT" {
		t.Fatalf("args = %v", args)
	}
}

func TestWhereSkipsSymbolForBalances(t *testing.T) {
	cond, args := where(port.AccountFilter{Venue: model.VenueBinance, Symbol: "BTCUSDT"}, false)
	if cond != " WHERE venue = $1" || len(args) != 1 {
		t.Fatalf("cond = %q args = %v", cond, args)
	}
	if cond, args := where(port.AccountFilter{}, true); cond != "" || args != nil {
		t.Fatalf("empty filter produced %q %v", cond, args)
	}
}
