package market

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Providers have shipped several shapes for the same tick payload over time.
// Normalization walks an ordered list of candidate fields and takes the first
// valid value, keeping the shape-guessing out of the engines entirely.
var (
	symbolFields = []string{"symbol", "s", "tk", "tradingsymbol", "instrument"}
	priceFields  = []string{"price", "last_price", "lastPrice", "ltp", "lp", "p"}
	tsFields     = []string{"timestamp", "ts", "exchange_timestamp", "t", "T"}
)

// NormalizeTick decodes a raw provider message into a Tick. The second return
// is false for anything malformed: unknown shape, missing symbol, or a
// non-finite/non-positive price. Callers count drops; they never fail on them.
func NormalizeTick(raw []byte) (Tick, bool) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Tick{}, false
	}
	return normalizeMap(payload)
}

func normalizeMap(payload map[string]any) (Tick, bool) {
	symbol := firstString(payload, symbolFields)
	if symbol == "" {
		return Tick{}, false
	}
	price, ok := firstNumber(payload, priceFields)
	if !ok || !validPrice(price) {
		return Tick{}, false
	}
	ts := time.Now()
	if ms, ok := firstNumber(payload, tsFields); ok && ms > 0 {
		ts = fromEpoch(ms)
	}
	return Tick{Symbol: CanonSymbol(symbol), Price: price, Ts: ts}, true
}

// CanonSymbol trims whitespace, uppercases, and strips an exchange prefix
// such as "NSE:" so the whole engine keys state consistently.
func CanonSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if idx := strings.IndexByte(symbol, ':'); idx >= 0 {
		symbol = symbol[idx+1:]
	}
	return symbol
}

func validPrice(price float64) bool {
	return price > 0 && !math.IsInf(price, 0) && !math.IsNaN(price)
}

func firstString(payload map[string]any, fields []string) string {
	for _, field := range fields {
		if value, ok := payload[field]; ok {
			if str, ok := value.(string); ok && strings.TrimSpace(str) != "" {
				return str
			}
		}
	}
	return ""
}

func firstNumber(payload map[string]any, fields []string) (float64, bool) {
	for _, field := range fields {
		value, ok := payload[field]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case float64:
			return v, true
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f, true
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// fromEpoch accepts seconds or milliseconds since epoch; anything above the
// year-2100 second count is treated as milliseconds.
func fromEpoch(value float64) time.Time {
	const msCutover = 4102444800 // 2100-01-01 in seconds
	if value > msCutover {
		return time.UnixMilli(int64(value))
	}
	return time.Unix(int64(value), 0)
}
