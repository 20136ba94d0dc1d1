package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
)

func ParseJSONBytes(data []byte) (map[string]string, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap flattens a decoded object into lowercased string fields.
// Nested values are dropped.
func ParseJSONMap(obj map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(obj))
	for key, val := range obj {
		switch v := val.(type) {
		case nil, map[string]interface{}, []interface{}:
			continue
		case string:
			fields[strings.ToLower(key)] = v
		default:
			fields[strings.ToLower(key)] = fmt.Sprint(v)
		}
	}
	return fields
}
