package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMissingParameter is returned before any host interaction when a request
// lacks a script or web viewer name.
var ErrMissingParameter = errors.New("missing required parameter")

// MalformedResponseError means a callback payload was not valid JSON. No part
// of the response is delivered.
type MalformedResponseError struct {
	Part string // "result" or "error"
	Raw  string
	Err  error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed callback %s: %v", e.Part, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// HostError is an error payload reported by the host script.
type HostError struct {
	Code    string
	Message string
	Raw     json.RawMessage
}

func (e *HostError) Error() string {
	if e.Message == "" {
		return "host error " + e.Code
	}
	return fmt.Sprintf("host error %s: %s", e.Code, e.Message)
}

// DecodeCallback turns the raw strings handed to a callback into either the
// result payload or an error. Empty strings count as absent.
func DecodeCallback(result, errPayload string) (json.RawMessage, error) {
	res, err := decodePart("result", result)
	if err != nil {
		return nil, err
	}
	errDoc, err := decodePart("error", errPayload)
	if err != nil {
		return nil, err
	}
	if he := HostErrorFrom(errDoc); he != nil {
		return nil, he
	}
	return res, nil
}

func decodePart(part, raw string) (json.RawMessage, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var probe any
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return nil, &MalformedResponseError{Part: part, Raw: raw, Err: err}
	}
	return json.RawMessage(raw), nil
}

// HostErrorFrom returns a HostError when doc carries a top-level error_code or
// a nested error.code that is present and not zero. Anything else is nil.
func HostErrorFrom(doc json.RawMessage) *HostError {
	if len(doc) == 0 {
		return nil
	}
	var body map[string]any
	if err := json.Unmarshal(doc, &body); err != nil {
		return nil
	}

	nested, _ := body["error"].(map[string]any)
	code := codeString(body["error_code"])
	if code == "" && nested != nil {
		code = codeString(nested["code"])
	}
	if code == "" {
		return nil
	}

	msg := firstString(body["error_message"], body["message"])
	if nested != nil {
		msg = firstString(nested["default_message"], msg, nested["message"])
	}
	return &HostError{Code: code, Message: msg, Raw: doc}
}

func codeString(v any) string {
	switch c := v.(type) {
	case string:
		c = strings.TrimSpace(c)
		if c == "0" {
			return ""
		}
		return c
	case float64:
		if c == 0 {
			return ""
		}
		return strconv.FormatFloat(c, 'f', -1, 64)
	}
	return ""
}

func firstString(values ...any) string {
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}
