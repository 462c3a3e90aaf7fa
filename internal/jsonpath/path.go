// Package jsonpath resolves property paths such as `data`,
// `response.data[0].fieldData` or `fieldData['Name First']` against decoded
// JSON. Paths are parsed, never evaluated as code.
package jsonpath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ysmood/gson"
)

// ErrNotFound means a path did not resolve to a value.
var ErrNotFound = errors.New("path not found")

// Path is a compiled sequence of object keys (string) and array indexes (int).
type Path []interface{}

// Compile parses expr. An empty expression (or a bare "$") addresses the root.
func Compile(expr string) (Path, error) {
	s := strings.TrimSpace(expr)
	s = strings.TrimPrefix(s, "$")
	var path Path

	for i := 0; i < len(s); {
		switch c := s[i]; {
		case c == '.':
			i++
			key, n := readIdent(s[i:])
			if n == 0 {
				return nil, fmt.Errorf("jsonpath %q: expected name at offset %d", expr, i)
			}
			path = append(path, key)
			i += n
		case c == '[':
			seg, n, err := readBracket(s[i:])
			if err != nil {
				return nil, fmt.Errorf("jsonpath %q: %w at offset %d", expr, err, i)
			}
			path = append(path, seg)
			i += n
		default:
			if i != 0 {
				return nil, fmt.Errorf("jsonpath %q: unexpected %q at offset %d", expr, c, i)
			}
			key, n := readIdent(s)
			if n == 0 {
				return nil, fmt.Errorf("jsonpath %q: unexpected %q at offset %d", expr, c, i)
			}
			path = append(path, key)
			i += n
		}
	}
	return path, nil
}

// MustCompile is Compile for constant expressions.
func MustCompile(expr string) Path {
	p, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range p {
		switch v := seg.(type) {
		case int:
			fmt.Fprintf(&b, "[%d]", v)
		case string:
			if _, n := readIdent(v); n == len(v) && n > 0 {
				b.WriteString("." + v)
			} else {
				b.WriteString("[" + strconv.Quote(v) + "]")
			}
		}
	}
	return b.String()
}

// Lookup resolves p inside doc.
func (p Path) Lookup(doc gson.JSON) (gson.JSON, bool) {
	if len(p) == 0 {
		return doc, true
	}
	return doc.Gets(p...)
}

// Get resolves expr inside a decoded JSON value.
func Get(doc any, expr string) (any, error) {
	p, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	v, ok := p.Lookup(gson.New(doc))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return v.Val(), nil
}

// Rows resolves expr and requires the value to be an array.
func Rows(doc any, expr string) ([]any, error) {
	v, err := Get(doc, expr)
	if err != nil {
		return nil, err
	}
	rows, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("jsonpath %q: value is %T, not an array", expr, v)
	}
	return rows, nil
}

func readIdent(s string) (string, int) {
	n := 0
	for n < len(s) {
		c := s[n]
		if c == '_' || c == '$' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || n > 0 && c >= '0' && c <= '9' || c >= 0x80 {
			n++
			continue
		}
		break
	}
	return s[:n], n
}

// readBracket parses `[0]`, `['key']` or `["key"]` at the start of s.
func readBracket(s string) (interface{}, int, error) {
	if len(s) < 3 {
		return nil, 0, errors.New("unterminated bracket")
	}
	if q := s[1]; q == '\'' || q == '"' {
		var b strings.Builder
		for i := 2; i < len(s); i++ {
			c := s[i]
			switch {
			case c == '\\' && i+1 < len(s):
				i++
				b.WriteByte(s[i])
			case c == q:
				if i+1 >= len(s) || s[i+1] != ']' {
					return nil, 0, errors.New("expected ]")
				}
				return b.String(), i + 2, nil
			default:
				b.WriteByte(c)
			}
		}
		return nil, 0, errors.New("unterminated string")
	}

	end := strings.IndexByte(s, ']')
	if end < 0 {
		return nil, 0, errors.New("unterminated bracket")
	}
	idx, err := strconv.Atoi(strings.TrimSpace(s[1:end]))
	if err != nil || idx < 0 {
		return nil, 0, fmt.Errorf("invalid index %q", s[1:end])
	}
	return idx, end + 1, nil
}
