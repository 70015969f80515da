package gateway

import (
	"fmt"

	"tradegate/pkg/exchanges/bybit"
	"tradegate/pkg/exchanges/common"
)

// Factory creates an unconnected exchange session for a venue.
type Factory func(exchange, apiKey, apiSecret string, testnet bool) (common.Exchange, error)

// NewDefaultFactory builds sessions for the supported venues, sharing one
// call policy (rate limiter + retry) across every session it creates.
func NewDefaultFactory(policy *common.CallPolicy) Factory {
	return func(exchange, apiKey, apiSecret string, testnet bool) (common.Exchange, error) {
		switch exchange {
		case "bybit":
			return bybit.New(bybit.Config{
				APIKey:    apiKey,
				APISecret: apiSecret,
				Testnet:   testnet,
			}, policy), nil
		default:
			return nil, fmt.Errorf("unsupported exchange: %s", exchange)
		}
	}
}
