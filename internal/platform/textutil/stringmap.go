package textutil

import "strings"

// ParsePairs splits "key=value,key=value" lists. Keys and values are trimmed and entries
// missing either side are dropped. Later duplicates win.
func ParsePairs(raw string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

// LowerKeys returns a copy of values with lower-cased keys, used for gateway and currency names.
func LowerKeys(values map[string]string) map[string]string {
	result := make(map[string]string, len(values))
	for key, value := range values {
		result[strings.ToLower(key)] = value
	}
	return result
}
