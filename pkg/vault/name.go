package vault

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Input validation limits
const (
	MaxTitleLength     = 256
	MaxGroupNameLength = 128
	MaxFieldSize       = 64 * 1024 // username and password
)

var (
	ErrNameInvalid   = errors.New("vault: name is invalid")
	ErrValueTooLarge = errors.New("vault: value too large")
)

// normalizeName returns the NFC form of s so that visually identical titles
// composed differently ("é" vs "é") index to the same entry.
func normalizeName(s string) string {
	return norm.NFC.String(s)
}

func validateName(kind, name string, maxLen int) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrNameInvalid, kind)
	}
	if len(name) > maxLen {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrNameInvalid, kind, maxLen)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: %s contains control characters", ErrNameInvalid, kind)
		}
	}
	return nil
}

func validateFieldSize(kind, value string) error {
	if len(value) > MaxFieldSize {
		return fmt.Errorf("%w: %s is %d bytes, maximum is %d",
			ErrValueTooLarge, kind, len(value), MaxFieldSize)
	}
	return nil
}
