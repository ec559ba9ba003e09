package model

import (
	"errors"
	"fmt"
)

// MaxNameLength is the longest tunnel name accepted. Tunnel names double as
// interface names, which the kernel caps at IFNAMSIZ-1.
const MaxNameLength = 15

// ErrInvalidName is returned for names that are not valid interface names.
var ErrInvalidName = errors.New("invalid tunnel name")

func isNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_', r == '=', r == '+', r == '.', r == '-':
		return true
	}
	return false
}

// ValidateName reports whether name can be used for a tunnel.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidName, name, MaxNameLength)
	}
	for _, r := range name {
		if !isNameRune(r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, r)
		}
	}
	return nil
}

// SanitizeName drops disallowed characters and truncates, the same filtering
// applied while a user types a name.
func SanitizeName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if len(out) == MaxNameLength {
			break
		}
		if isNameRune(r) {
			out = append(out, r)
		}
	}
	return string(out)
}
