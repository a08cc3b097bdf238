package wallet

import (
	"strings"
	"testing"
)

const testSeed = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestDeriveIsDeterministic(t *testing.T) {
	deriver, err := NewHDDeriver(testSeed, "0x")
	if err != nil {
		t.Fatalf("new deriver: %v", err)
	}

	first, err := deriver.Derive(7)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	second, err := deriver.Derive(7)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	if first.Address != second.Address {
		t.Fatalf("same index produced different addresses: %s vs %s", first.Address, second.Address)
	}
	if !first.PublicKey.Equal(second.PublicKey) {
		t.Fatalf("same index produced different keys")
	}
}

func TestDeriveDistinctIndicesDistinctAddresses(t *testing.T) {
	deriver, err := NewHDDeriver(testSeed, "0x")
	if err != nil {
		t.Fatalf("new deriver: %v", err)
	}

	seen := make(map[string]uint32)
	for index := uint32(1); index <= 100; index++ {
		kp, err := deriver.Derive(index)
		if err != nil {
			t.Fatalf("derive %d: %v", index, err)
		}
		if prev, dup := seen[kp.Address]; dup {
			t.Fatalf("indices %d and %d collided on %s", prev, index, kp.Address)
		}
		seen[kp.Address] = index
	}
}

func TestDeriveAddressShape(t *testing.T) {
	deriver, err := NewHDDeriver("0x"+testSeed, "0x")
	if err != nil {
		t.Fatalf("new deriver: %v", err)
	}

	addr, err := deriver.Address(1)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	if !strings.HasPrefix(addr, "0x") {
		t.Fatalf("expected chain prefix, got %s", addr)
	}
	// 20 bytes hex behind the prefix.
	if len(addr) != 2+40 {
		t.Fatalf("expected 42-char address, got %d (%s)", len(addr), addr)
	}
}

func TestDeriveRejectsBadSeeds(t *testing.T) {
	if _, err := NewHDDeriver("not-hex", "0x"); err == nil {
		t.Fatalf("expected error for non-hex seed")
	}
	if _, err := NewHDDeriver("abcd", "0x"); err == nil {
		t.Fatalf("expected error for short seed")
	}
}

func TestDeriveRejectsIndexZero(t *testing.T) {
	deriver, err := NewHDDeriver(testSeed, "0x")
	if err != nil {
		t.Fatalf("new deriver: %v", err)
	}
	if _, err := deriver.Derive(0); err == nil {
		t.Fatalf("expected error for index 0")
	}
}
