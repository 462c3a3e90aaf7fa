package query

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"webviewer-bridge/internal/fm"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// ParseTemplate fills {{name}} placeholders in a JSON find request from vars
// and decodes the result. Values are escaped for use inside JSON strings.
// Unknown placeholders are left as written.
func ParseTemplate(text string, vars map[string]string) (fm.QueryDescriptor, error) {
	var q fm.QueryDescriptor
	text = strings.TrimSpace(text)
	if text == "" {
		return q, nil
	}

	filled := placeholder.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok {
			return m
		}
		quoted, _ := json.Marshal(v)
		return string(quoted[1 : len(quoted)-1])
	})

	if err := json.Unmarshal([]byte(filled), &q); err != nil {
		return q, fmt.Errorf("query: parse template: %w", err)
	}
	return q, nil
}
