package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"webviewer-bridge/internal/fm"
	"webviewer-bridge/internal/mangle"
)

func getStringArg(args map[string]interface{}, key string) string {
	return getStringFromMap(args, key)
}

func getStringFromMap(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
		return fallback
	default:
		return fallback
	}
}

// getBoolArg extracts a boolean argument with default.
func getBoolArg(args map[string]interface{}, key string, fallback bool) bool {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return fallback
}

// decodeArg re-encodes args[key] into dst. It reports false when the key is
// absent or null.
func decodeArg(args map[string]interface{}, key string, dst interface{}) (bool, error) {
	val, ok := args[key]
	if !ok || val == nil {
		return false, nil
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return true, nil
}

// requireRecordID reads the record_id argument, which may arrive as a number
// or a numeric string.
func requireRecordID(args map[string]interface{}) (int, error) {
	id := getIntArg(args, "record_id", 0)
	if id <= 0 {
		return 0, errors.New("record_id is required")
	}
	return id, nil
}

// parseSort validates sort specs supplied as [{fieldName, sortOrder}].
func parseSort(specs []fm.SortSpec) ([]fm.SortSpec, error) {
	out := make([]fm.SortSpec, 0, len(specs))
	for _, s := range specs {
		if s.FieldName == "" {
			return nil, errors.New("sort entry missing fieldName")
		}
		dir, err := fm.ParseDirection(string(s.SortOrder))
		if err != nil {
			return nil, err
		}
		if dir == "" {
			dir = fm.Ascend
		}
		out = append(out, fm.SortSpec{FieldName: s.FieldName, SortOrder: dir})
	}
	return out, nil
}

// factArgs flattens facts to their argument lists for compact tool output.
func factArgs(facts []mangle.Fact) [][]interface{} {
	out := make([][]interface{}, 0, len(facts))
	for _, f := range facts {
		out = append(out, f.Args)
	}
	return out
}

func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}
