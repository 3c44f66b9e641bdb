// Package keys implements the naming rules shared by every storage backend.
//
// A key is a slash-delimited, case-sensitive path such as "users/42/profile".
// Canonical keys have no leading or trailing slash, no empty segments and no
// "." or ".." segments. Segments starting with ReservedSegmentPrefix belong to
// the backends (temp files, lock markers) and are rejected.
package keys

import (
	"fmt"
	"strings"

	"github.com/ruteri/leasestore/interfaces"
)

// ReservedSegmentPrefix marks names used internally by backends.
const ReservedSegmentPrefix = ".leasestore"

// Canonical validates raw and returns its canonical form.
func Canonical(raw string) (string, error) {
	key := strings.Trim(raw, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", interfaces.ErrInvalidKey)
	}
	if err := checkSegments(key); err != nil {
		return "", err
	}
	return key, nil
}

// CanonicalPrefix validates a listing prefix. Unlike keys, a prefix may be
// empty (everything) and keeps a trailing slash so that "a/" does not match
// "ab/1".
func CanonicalPrefix(raw string) (string, error) {
	prefix := strings.TrimLeft(raw, "/")
	if prefix == "" {
		return "", nil
	}
	trailing := strings.HasSuffix(prefix, "/")
	body := strings.TrimRight(prefix, "/")
	if body == "" {
		return "", nil
	}
	if err := checkSegments(body); err != nil {
		return "", err
	}
	if trailing {
		return body + "/", nil
	}
	return body, nil
}

// Join builds a key from segments and validates the result.
func Join(segments ...string) (string, error) {
	return Canonical(strings.Join(segments, "/"))
}

// IsReserved reports whether name is a backend-internal path segment.
func IsReserved(name string) bool {
	return strings.HasPrefix(name, ReservedSegmentPrefix)
}

func checkSegments(key string) error {
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: %q contains NUL", interfaces.ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		switch {
		case seg == "":
			return fmt.Errorf("%w: %q has an empty segment", interfaces.ErrInvalidKey, key)
		case seg == "." || seg == "..":
			return fmt.Errorf("%w: %q has a relative segment", interfaces.ErrInvalidKey, key)
		case IsReserved(seg):
			return fmt.Errorf("%w: %q uses reserved segment %q", interfaces.ErrInvalidKey, key, seg)
		}
	}
	return nil
}
