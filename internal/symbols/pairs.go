package symbols

import (
	"errors"
	"fmt"
	"strings"

	"depthview/models"
)

// ErrUnsupportedPair is returned for symbols outside the supported set.
var ErrUnsupportedPair = errors.New("unsupported trading pair")

const (
	BTCUSDT models.TradingPair = "BTCUSDT"
	ETHUSDT models.TradingPair = "ETHUSDT"
	BNBUSDT models.TradingPair = "BNBUSDT"
	SOLUSDT models.TradingPair = "SOLUSDT"
)

var supported = []models.TradingPair{BTCUSDT, ETHUSDT, BNBUSDT, SOLUSDT}

// Supported lists the pairs the dashboard can display, in selector order.
func Supported() []models.TradingPair {
	out := make([]models.TradingPair, len(supported))
	copy(out, supported)
	return out
}

// IsSupported reports whether pair is one of the supported pairs.
func IsSupported(pair models.TradingPair) bool {
	for _, p := range supported {
		if p == pair {
			return true
		}
	}
	return false
}

// Parse normalizes user input such as "eth-usdt" or "ETH/USDT" into a
// supported pair.
func Parse(s string) (models.TradingPair, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	sym = strings.ReplaceAll(sym, "-", "")
	sym = strings.ReplaceAll(sym, "/", "")
	sym = strings.ReplaceAll(sym, "_", "")

	pair := models.TradingPair(sym)
	if !IsSupported(pair) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedPair, s)
	}
	return pair, nil
}

// StreamName is the lower-cased symbol Binance expects in stream paths.
func StreamName(pair models.TradingPair) string {
	return strings.ToLower(string(pair))
}
