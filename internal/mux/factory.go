package mux

import (
	"fmt"

	"depthflow/config"
	"depthflow/internal/codec"
	"depthflow/internal/connection"
	"depthflow/internal/model"
)

// NewFactory builds websocket managers from the exchange section of cfg.
func NewFactory(cfg *config.Config) Factory {
	return func(key connection.Key, cb connection.Callbacks) (Conn, codec.Codec, error) {
		ex, ok := cfg.Exchanges[key.Exchange.Key()]
		if !ok || !ex.Enabled {
			return nil, nil, fmt.Errorf("exchange %s is not enabled", key.Exchange.Key())
		}
		c, err := codec.New(key.Exchange, codec.Options{SizeInQuote: cfg.Feed.SizeInQuote})
		if err != nil {
			return nil, nil, err
		}

		url := ex.WSURL
		if key.Class == connection.Private {
			url = ex.PrivateWSURL
		}
		if url == "" {
			return nil, nil, fmt.Errorf("exchange %s has no %s websocket url", key.Exchange.Key(), key.Class)
		}

		mgr := connection.NewManager(key, connection.Config{
			URL: url,
			Credentials: model.Credentials{
				APIKey:     ex.APIKey,
				Secret:     ex.APISecret,
				Passphrase: ex.Passphrase,
			},
			Backoff: connection.BackoffConfig{
				Initial:    ex.Backoff.Initial,
				Max:        ex.Backoff.Max,
				Multiplier: ex.Backoff.Multiplier,
				Jitter:     ex.Backoff.Jitter,
			},
			HeartbeatInterval: ex.HeartbeatInterval,
			HeartbeatTimeout:  ex.HeartbeatTimeout,
			WriteRate:         ex.WriteRate,
			LocalIP:           ex.LocalIP,
		}, c, cb)
		return mgr, c, nil
	}
}

// PrivateExchanges lists the enabled exchanges that have credentials and a
// private websocket url.
func PrivateExchanges(cfg *config.Config) []model.Exchange {
	var out []model.Exchange
	for _, ex := range model.Exchanges {
		c, ok := cfg.Exchanges[ex.Key()]
		if !ok || !c.Enabled || c.PrivateWSURL == "" || c.APIKey == "" || c.APISecret == "" {
			continue
		}
		out = append(out, ex)
	}
	return out
}
