// Package symbols converts between venue symbols and the canonical pair
// name ("BTCUSDT") used to key exported records across venues.
package symbols

import (
	"strings"

	"depthflow/internal/model"
)

// multiplied maps contracts quoted per 1000 units to their base pair.
var multiplied = map[string]string{
	"1000BONKUSDT": "BONKUSDT",
	"1000PEPEUSDT": "PEPEUSDT",
	"1000SHIBUSDT": "SHIBUSDT",
	"SHIB1000USDT": "SHIBUSDT",
}

// Canonical returns the pair of inst without separators, contract suffixes
// or per-1000 multipliers, using BTC instead of XBT.
func Canonical(inst model.Instrument) string {
	sym := strings.ToUpper(inst.Symbol)
	switch inst.Exchange.Venue() {
	case model.VenueOKX:
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	case model.VenueKucoin:
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case model.VenueBinance:
		// Coin-margined perpetuals are BTCUSD_PERP.
		sym = strings.TrimSuffix(sym, "_PERP")
	}
	if base, ok := multiplied[sym]; ok {
		sym = base
	}
	return sym
}

// ToKucoin returns the KuCoin futures contract for a canonical pair, e.g.
// BTCUSDT becomes XBTUSDTM. Contract symbols are returned unchanged.
func ToKucoin(sym string) string {
	sym = strings.ToUpper(strings.ReplaceAll(sym, "-", ""))
	if strings.HasSuffix(sym, "M") {
		return sym
	}
	if strings.HasPrefix(sym, "BTC") {
		sym = "XBT" + sym[3:]
	}
	return sym + "M"
}
