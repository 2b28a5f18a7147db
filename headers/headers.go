// Package headers translates between the host-facing header mapping
// (map[string]string) and the wire-facing http.Header.
//
// ToWire validates names as RFC 9110 tokens and values as visible ASCII
// (plus horizontal tab). Invalid entries are reported with a
// *HeaderFormatError naming the offending key; nothing is dropped silently.
//
// FromWire lower-cases names, joins repeated values with ", " and rejects
// values that are not valid UTF-8 with an *EncodingError.
package headers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/http/httpguts"
)

var (
	ErrHeaderFormat = errors.New("invalid header")
	ErrEncoding     = errors.New("header value is not valid utf-8")
)

// HeaderFormatError reports a header that cannot be represented on the wire.
type HeaderFormatError struct {
	Key    string
	Reason string
}

func (e *HeaderFormatError) Error() string {
	return fmt.Sprintf("invalid header %q: %s", e.Key, e.Reason)
}

func (e *HeaderFormatError) Is(target error) bool { return target == ErrHeaderFormat }

// EncodingError reports a wire header value that is not valid UTF-8.
type EncodingError struct {
	Key string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("header %q: value is not valid utf-8", e.Key)
}

func (e *EncodingError) Is(target error) bool { return target == ErrEncoding }

// ToWire converts a host-facing mapping into an http.Header.
func ToWire(m map[string]string) (http.Header, error) {
	h := make(http.Header, len(m))
	seen := make(map[string]string, len(m))
	for k, v := range m {
		if !httpguts.ValidHeaderFieldName(k) {
			return nil, &HeaderFormatError{Key: k, Reason: "name must be a non-empty token"}
		}
		if !validValue(v) {
			return nil, &HeaderFormatError{Key: k, Reason: "value must be visible ascii"}
		}
		canon := http.CanonicalHeaderKey(k)
		if prev, dup := seen[canon]; dup {
			return nil, &HeaderFormatError{Key: k, Reason: fmt.Sprintf("duplicates header %q", prev)}
		}
		seen[canon] = k
		h[canon] = []string{v}
	}
	return h, nil
}

// FromWire converts an http.Header into the host-facing mapping.
func FromWire(h http.Header) (map[string]string, error) {
	m := make(map[string]string, len(h))
	for k, vv := range h {
		name := strings.ToLower(k)
		for _, v := range vv {
			if !utf8.ValidString(v) {
				return nil, &EncodingError{Key: name}
			}
		}
		if prev, ok := m[name]; ok {
			// Only reachable when a non-canonical key was stored directly.
			m[name] = prev + ", " + strings.Join(vv, ", ")
			continue
		}
		m[name] = strings.Join(vv, ", ")
	}
	return m, nil
}

// Names returns the header names of m, for logging without values.
func Names(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	return names
}

func validValue(v string) bool {
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\t' {
			continue
		}
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
