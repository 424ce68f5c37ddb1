package address

import (
	"errors"
	"testing"

	"github.com/atmx/credit-pool/internal/model"
)

func TestParse_Valid(t *testing.T) {
	addr, err := Parse("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed" {
		t.Errorf("expected lowercase canonical form, got %s", addr)
	}
}

func TestParse_TrimsWhitespace(t *testing.T) {
	addr, err := Parse("  0x00000000000000000000000000000000000000a1\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "0x00000000000000000000000000000000000000a1" {
		t.Errorf("unexpected address %s", addr)
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"0x",
		"5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",      // missing prefix
		"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beae",     // 39 digits
		"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaedd",   // 41 digits
		"0xZZaeb6053f3e94c9b9a09f33669435e7ef1beaed",    // non-hex
		"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed ok", // trailing junk
	}
	for _, s := range tests {
		if _, err := Parse(s); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("expected ErrInvalidAddress for %q, got %v", s, err)
		}
	}
}

func TestParse_ZeroAddress(t *testing.T) {
	if _, err := Parse(string(model.ZeroAddress)); !errors.Is(err, ErrZeroAddress) {
		t.Errorf("expected ErrZeroAddress, got %v", err)
	}
}

func TestParseList(t *testing.T) {
	got, err := ParseList([]string{
		"0x00000000000000000000000000000000000000a1",
		"0x00000000000000000000000000000000000000A2",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[1] != "0x00000000000000000000000000000000000000a2" {
		t.Errorf("unexpected result %v", got)
	}

	if _, err := ParseList([]string{"0x00000000000000000000000000000000000000a1", "bogus"}); err == nil {
		t.Error("expected error for invalid entry")
	}
}

func TestValid(t *testing.T) {
	if !Valid("0x00000000000000000000000000000000000000a1") {
		t.Error("canonical address should be valid")
	}
	if Valid("0x00000000000000000000000000000000000000A1") {
		t.Error("non-canonical case should be invalid")
	}
	if Valid(model.ZeroAddress) {
		t.Error("zero address should be invalid")
	}
}

func TestMustParse_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustParse("nope")
}
