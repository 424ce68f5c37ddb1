// Package address handles participant address parsing and validation.
package address

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/atmx/credit-pool/internal/model"
)

// addressRegex matches: 0x{40 hex digits}, case-insensitive.
// Example: 0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed
var addressRegex = regexp.MustCompile(`^0[xX]([0-9a-fA-F]{40})$`)

var (
	ErrInvalidAddress = errors.New("address: invalid format")
	ErrZeroAddress    = errors.New("address: zero address")
)

// Parse validates an address string and returns it in canonical
// lowercase form. The zero address is rejected.
func Parse(s string) (model.Address, error) {
	s = strings.TrimSpace(s)
	matches := addressRegex.FindStringSubmatch(s)
	if matches == nil {
		return "", fmt.Errorf("%w: %q (expected 0x followed by 40 hex digits)", ErrInvalidAddress, s)
	}
	addr := model.Address("0x" + strings.ToLower(matches[1]))
	if addr == model.ZeroAddress {
		return "", ErrZeroAddress
	}
	return addr, nil
}

// MustParse is Parse for constants and tests; it panics on error.
func MustParse(s string) model.Address {
	addr, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// ParseList parses every entry, failing on the first invalid one.
func ParseList(in []string) ([]model.Address, error) {
	out := make([]model.Address, 0, len(in))
	for _, s := range in {
		addr, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// Valid reports whether addr is canonical and non-zero.
func Valid(addr model.Address) bool {
	parsed, err := Parse(string(addr))
	return err == nil && parsed == addr
}
