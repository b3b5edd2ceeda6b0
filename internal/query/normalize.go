package query

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"
)

const twoPow32 = 4294967296.0

// NormalizeRow normalizes every value of row in place and returns it.
func NormalizeRow(row Row) Row {
	for k, v := range row {
		row[k] = NormalizeValue(v)
	}
	return row
}

// NormalizeValue converts a driver value into a JSON-safe value:
//   - a wide integer pair {low, high} becomes low + high*2^32, or its
//     string form when the result is not finite;
//   - big integers are downcast to int64 or float64;
//   - numerically parseable text becomes a number;
//   - dates become ISO strings;
//   - everything else passes through.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		if n, ok := wideInt(val); ok {
			return n
		}
		return val
	case *big.Int:
		if val == nil {
			return nil
		}
		return downcastBig(val)
	case big.Int:
		return downcastBig(&val)
	case []byte:
		return parseNumeric(string(val))
	case string:
		return parseNumeric(val)
	case float64:
		if math.IsInf(val, 0) || math.IsNaN(val) {
			return strconv.FormatFloat(val, 'g', -1, 64)
		}
		return val
	case float32:
		f := float64(val)
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return strconv.FormatFloat(f, 'g', -1, 32)
		}
		return f
	case time.Time:
		return formatTime(val)
	default:
		return v
	}
}

func wideInt(m map[string]any) (any, bool) {
	lowRaw, okLow := m["low"]
	highRaw, okHigh := m["high"]
	if !okLow || !okHigh {
		return nil, false
	}
	low, ok1 := toFloat(lowRaw)
	high, ok2 := toFloat(highRaw)
	if !ok1 || !ok2 {
		return nil, false
	}
	n := low + high*twoPow32
	if math.IsInf(n, 0) || math.IsNaN(n) {
		return fmt.Sprint(m), true
	}
	return n, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func downcastBig(b *big.Int) any {
	if b.IsInt64() {
		return b.Int64()
	}
	f, _ := new(big.Float).SetInt(b).Float64()
	return f
}

func parseNumeric(s string) any {
	t := strings.TrimSpace(s)
	if t == "" {
		return s
	}
	if n, err := strconv.ParseInt(t, 10, 64); err == nil {
		return n
	}
	f, err := strconv.ParseFloat(t, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return s
	}
	return f
}

func formatTime(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339)
}
