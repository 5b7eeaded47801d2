package config

import (
	"strings"
	"time"
)

// exchangeDefaults holds the public endpoints and limits of every supported
// connector. Values set in the YAML file win.
var exchangeDefaults = map[string]ExchangeConfig{
	"binance_linear": {
		WSURL:         "wss://fstream.binance.com/stream",
		RestURL:       "https://fapi.binance.com",
		ArchiveURL:    "https://data.binance.vision/data/futures/um",
		SnapshotDepth: 1000,
		RateLimit:     RateLimitConfig{RequestsPerSecond: 10, Burst: 5},
		WriteRate:     5,
	},
	"binance_inverse": {
		WSURL:         "wss://dstream.binance.com/stream",
		RestURL:       "https://dapi.binance.com",
		ArchiveURL:    "https://data.binance.vision/data/futures/cm",
		SnapshotDepth: 1000,
		RateLimit:     RateLimitConfig{RequestsPerSecond: 10, Burst: 5},
		WriteRate:     5,
	},
	"binance_spot": {
		WSURL:         "wss://stream.binance.com:9443/stream",
		RestURL:       "https://api.binance.com",
		ArchiveURL:    "https://data.binance.vision/data/spot",
		SnapshotDepth: 1000,
		RateLimit:     RateLimitConfig{RequestsPerSecond: 10, Burst: 5},
		WriteRate:     5,
	},
	// Bybit allows 600 requests per 5 seconds per IP; keep 5% headroom.
	"bybit_linear": {
		WSURL:         "wss://stream.bybit.com/v5/public/linear",
		PrivateWSURL:  "wss://stream.bybit.com/v5/private",
		RestURL:       "https://api.bybit.com",
		ArchiveURL:    "https://public.bybit.com/trading",
		SnapshotDepth: 500,
		RateLimit:     RateLimitConfig{RequestsPerSecond: 114, Burst: 10},
		WriteRate:     10,
	},
	"bybit_inverse": {
		WSURL:         "wss://stream.bybit.com/v5/public/inverse",
		PrivateWSURL:  "wss://stream.bybit.com/v5/private",
		RestURL:       "https://api.bybit.com",
		ArchiveURL:    "https://public.bybit.com/trading",
		SnapshotDepth: 500,
		RateLimit:     RateLimitConfig{RequestsPerSecond: 114, Burst: 10},
		WriteRate:     10,
	},
	"bybit_spot": {
		WSURL:         "wss://stream.bybit.com/v5/public/spot",
		PrivateWSURL:  "wss://stream.bybit.com/v5/private",
		RestURL:       "https://api.bybit.com",
		ArchiveURL:    "https://public.bybit.com/spot",
		SnapshotDepth: 200,
		RateLimit:     RateLimitConfig{RequestsPerSecond: 114, Burst: 10},
		WriteRate:     10,
	},
	"okx_linear": {
		WSURL:         "wss://ws.okx.com:8443/ws/v5/public",
		PrivateWSURL:  "wss://ws.okx.com:8443/ws/v5/private",
		RestURL:       "https://www.okx.com",
		SnapshotDepth: 400,
		RateLimit:     RateLimitConfig{RequestsPerSecond: 10, Burst: 5},
		WriteRate:     3,
	},
	"okx_spot": {
		WSURL:         "wss://ws.okx.com:8443/ws/v5/public",
		PrivateWSURL:  "wss://ws.okx.com:8443/ws/v5/private",
		RestURL:       "https://www.okx.com",
		SnapshotDepth: 400,
		RateLimit:     RateLimitConfig{RequestsPerSecond: 10, Burst: 5},
		WriteRate:     3,
	},
	"kucoin_linear": {
		RestURL:   "https://api-futures.kucoin.com",
		RateLimit: RateLimitConfig{RequestsPerSecond: 10, Burst: 5},
	},
}

var defaultHeartbeat = map[string][2]time.Duration{
	"binance": {30 * time.Second, 90 * time.Second},
	"bybit":   {20 * time.Second, 60 * time.Second},
	// OKX closes idle connections after 30 seconds.
	"okx":    {25 * time.Second, 60 * time.Second},
	"kucoin": {0, 0},
}

func isKnownExchange(key string) bool {
	_, ok := exchangeDefaults[key]
	return ok
}

// DefaultExchange returns the built-in settings for key.
func DefaultExchange(key string) (ExchangeConfig, bool) {
	ex, ok := exchangeDefaults[key]
	if !ok {
		return ExchangeConfig{}, false
	}
	return ex.withDefaults(key), true
}

func (ex ExchangeConfig) withDefaults(key string) ExchangeConfig {
	def := exchangeDefaults[key]
	if ex.WSURL == "" {
		ex.WSURL = def.WSURL
	}
	if ex.PrivateWSURL == "" {
		ex.PrivateWSURL = def.PrivateWSURL
	}
	if ex.RestURL == "" {
		ex.RestURL = def.RestURL
	}
	if ex.ArchiveURL == "" {
		ex.ArchiveURL = def.ArchiveURL
	}
	if ex.SnapshotDepth <= 0 {
		ex.SnapshotDepth = def.SnapshotDepth
	}
	if ex.RateLimit.RequestsPerSecond <= 0 {
		ex.RateLimit = def.RateLimit
	}
	if ex.WriteRate <= 0 {
		ex.WriteRate = def.WriteRate
	}

	venue, _, _ := strings.Cut(key, "_")
	hb := defaultHeartbeat[venue]
	if ex.HeartbeatInterval <= 0 {
		ex.HeartbeatInterval = hb[0]
	}
	if ex.HeartbeatTimeout <= 0 {
		ex.HeartbeatTimeout = hb[1]
	}

	if ex.Backoff.Initial <= 0 {
		ex.Backoff.Initial = time.Second
	}
	if ex.Backoff.Max <= 0 {
		ex.Backoff.Max = 30 * time.Second
	}
	if ex.Backoff.Multiplier <= 1 {
		ex.Backoff.Multiplier = 2
	}
	if ex.Backoff.Jitter <= 0 {
		ex.Backoff.Jitter = 0.25
	}
	return ex
}
