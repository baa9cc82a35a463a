// Package safestring holds secrets, such as the daemon's API token, in a
// byte slice that is compared in constant time and zeroed when done.
package safestring

import (
	"bytes"
	"crypto/subtle"
	"os"
)

// SafeString is a secret value that can be securely zeroed.
type SafeString struct {
	data []byte
}

// New copies s into a SafeString.
func New(s string) *SafeString {
	data := make([]byte, len(s))
	copy(data, s)
	return &SafeString{data: data}
}

// FromBytes copies b into a SafeString.
func FromBytes(b []byte) *SafeString {
	data := make([]byte, len(b))
	copy(data, b)
	return &SafeString{data: data}
}

// ReadFile loads a secret from path, trimming surrounding whitespace. The
// file contents are zeroed after copying.
func ReadFile(path string) (*SafeString, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := FromBytes(bytes.TrimSpace(raw))
	clear(raw)
	return s, nil
}

// String returns a copy of the value.
func (s *SafeString) String() string {
	if s == nil || s.data == nil {
		return ""
	}
	return string(s.data)
}

func (s *SafeString) Len() int {
	if s == nil {
		return 0
	}
	return len(s.data)
}

func (s *SafeString) IsEmpty() bool {
	return s.Len() == 0
}

// Equal compares two SafeStrings in constant time.
func (s *SafeString) Equal(other *SafeString) bool {
	if s == nil || other == nil {
		return s == other
	}
	return subtle.ConstantTimeCompare(s.data, other.data) == 1
}

// EqualString compares against a candidate in constant time. An empty
// secret never matches, so an unset token cannot authenticate anyone.
func (s *SafeString) EqualString(str string) bool {
	if s.IsEmpty() || str == "" {
		return false
	}
	return subtle.ConstantTimeCompare(s.data, []byte(str)) == 1
}

// Zero overwrites the value and drops it.
func (s *SafeString) Zero() {
	if s == nil {
		return
	}
	clear(s.data)
	s.data = nil
}
