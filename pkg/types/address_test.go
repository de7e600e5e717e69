package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestAddress_IsZero(t *testing.T) {
	var zero Address
	if !zero.IsZero() {
		t.Error("zero-value Address should be zero")
	}
	if (Address{0x01}).IsZero() {
		t.Error("non-zero Address should not be zero")
	}
}

func TestAddress_String(t *testing.T) {
	a := Address{0xab}
	a[19] = 0xcd
	s := a.String()
	if !strings.HasPrefix(s, "0xab") || !strings.HasSuffix(s, "cd") || len(s) != 42 {
		t.Errorf("String() = %s", s)
	}
}

func TestParseAddress(t *testing.T) {
	want := Address{0xde, 0xad}
	for _, in := range []string{
		want.String(),
		want.Hex(),
		strings.ToUpper(want.Hex()),
		"0X" + want.Hex(),
	} {
		got, err := ParseAddress(in)
		if err != nil {
			t.Fatalf("ParseAddress(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseAddress(%q) = %s, want %s", in, got, want)
		}
	}

	for _, bad := range []string{"", "0x", "0x1234", "zz" + strings.Repeat("0", 38)} {
		if _, err := ParseAddress(bad); err == nil {
			t.Errorf("ParseAddress(%q) should fail", bad)
		}
	}
}

func TestAddress_JSONMapKey(t *testing.T) {
	a := Address{0x01}
	m := map[Address]int{a: 3}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back map[Address]int
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back[a] != 3 {
		t.Errorf("round trip through map key lost value: %v", back)
	}
}
