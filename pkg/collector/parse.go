package collector

import (
	"fmt"
	"strconv"
	"strings"
)

// extractNumber returns the first key that holds a number, truncated to int
func extractNumber(data map[string]interface{}, keys []string) (int, bool) {
	f, ok := extractFloat(data, keys)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// extractFloat returns the first key that holds a number
func extractFloat(data map[string]interface{}, keys []string) (float64, bool) {
	for _, key := range keys {
		val, ok := data[key]
		if !ok {
			continue
		}
		if f, err := parseFloat(val); err == nil {
			return f, true
		}
	}
	return 0, false
}

// extractString returns the first key that holds a non-empty string
func extractString(data map[string]interface{}, keys []string) (string, bool) {
	for _, key := range keys {
		switch v := data[key].(type) {
		case string:
			if v != "" {
				return v, true
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		}
	}
	return "", false
}

// extractBool returns the first key that holds a boolean-like value
func extractBool(data map[string]interface{}, keys []string) (bool, bool) {
	for _, key := range keys {
		switch v := data[key].(type) {
		case bool:
			return v, true
		case float64:
			return v != 0, true
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "1", "true", "yes", "on":
				return true, true
			case "0", "false", "no", "off":
				return false, true
			}
		}
	}
	return false, false
}

// parseFloat safely converts interface{} to float64
func parseFloat(val interface{}) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", val)
	}
}

// flatten merges a nested "cache" object into the top level; top level keys win
func flatten(info map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(info))
	if cache, ok := info["cache"].(map[string]interface{}); ok {
		for k, v := range cache {
			out[k] = v
		}
	}
	for k, v := range info {
		if k == "cache" {
			continue
		}
		out[k] = v
	}
	return out
}
