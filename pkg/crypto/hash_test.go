package crypto

import (
	"bytes"
	"testing"
)

func TestHash_Deterministic(t *testing.T) {
	a := Hash([]byte("vault"))
	b := Hash([]byte("vault"))
	if a != b {
		t.Fatal("Hash() is not deterministic")
	}
	if Hash([]byte("vault2")) == a {
		t.Fatal("different inputs produced the same hash")
	}
}

func TestAddressFromPubKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	h := Hash(key.PublicKey())
	addr := AddressFromPubKey(key.PublicKey())
	if !bytes.Equal(addr[:], h[:20]) {
		t.Fatalf("address %x is not the first 20 bytes of %x", addr, h)
	}
	if key.Address() != addr {
		t.Fatal("PrivateKey.Address() disagrees with AddressFromPubKey")
	}
}

func TestHashMessage_LengthPrefixed(t *testing.T) {
	// "ab" + "c" and "a" + "bc" must not collide once the length is folded in.
	if HashMessage([]byte("hello")) == Hash([]byte("hello")) {
		t.Fatal("HashMessage() must differ from the raw hash")
	}
	if HashMessage([]byte("1x")) == HashMessage([]byte("1")) {
		t.Fatal("distinct messages collided")
	}
}

func TestHashTypedData_DomainSeparated(t *testing.T) {
	msg := []byte(`{"value":1}`)
	a := HashTypedData([]byte(`{"chainId":1}`), msg)
	b := HashTypedData([]byte(`{"chainId":2}`), msg)
	if a == b {
		t.Fatal("typed data hash ignores the domain")
	}
}
