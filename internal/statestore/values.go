package statestore

import (
	"fmt"
	"strconv"
	"strings"
)

// IsTrue reports whether v is exactly the boolean true (no truthy coercion).
func IsTrue(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// Text returns v as a trimmed string. Missing, nil and empty values report false.
func Text(v any) (string, bool) {
	s, ok := RawText(v)
	return strings.TrimSpace(s), ok
}

// RawText returns v as a string with surrounding whitespace kept. Values that
// are blank after trimming report false.
func RawText(v any) (string, bool) {
	var s string
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		s = x
	case []byte:
		s = string(x)
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(x)
	default:
		s = fmt.Sprint(x)
	}
	return s, strings.TrimSpace(s) != ""
}
