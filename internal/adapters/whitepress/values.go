package whitepress

import (
	"strconv"
	"strings"
)

// API отдаёт числовые поля то числом, то строкой, поэтому значения
// приводятся к нужному типу явно.

func asString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}

func asFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

func asInt(v any) int {
	return int(asFloat(v))
}

func asInt64(v any) int64 {
	return int64(asFloat(v))
}

func asBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val == "1" || strings.EqualFold(val, "true")
	default:
		return false
	}
}
