package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	k2, _ := GenerateKey()
	if len(k1.PublicKey()) != 33 {
		t.Errorf("PublicKey() length = %d, want 33", len(k1.PublicKey()))
	}
	if bytes.Equal(k1.Serialize(), k2.Serialize()) {
		t.Error("two generated keys are identical")
	}
}

func TestPrivateKeyFromBytes(t *testing.T) {
	k, _ := GenerateKey()
	again, err := PrivateKeyFromBytes(k.Serialize())
	if err != nil {
		t.Fatalf("PrivateKeyFromBytes() error: %v", err)
	}
	if !bytes.Equal(again.PublicKey(), k.PublicKey()) {
		t.Error("restored key has a different public key")
	}
	for _, n := range []int{0, 31, 33} {
		if _, err := PrivateKeyFromBytes(make([]byte, n)); err == nil {
			t.Errorf("PrivateKeyFromBytes(%d bytes) should fail", n)
		}
	}
}

func TestSign_Verify(t *testing.T) {
	k, _ := GenerateKey()
	h := HashMessage([]byte("approve"))

	sig, err := k.Sign(h)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if len(sig) != 64 {
		t.Errorf("signature length = %d, want 64", len(sig))
	}
	if !Verify(h, sig, k.PublicKey()) {
		t.Fatal("valid signature rejected")
	}

	if Verify(HashMessage([]byte("reject")), sig, k.PublicKey()) {
		t.Error("signature verified against the wrong digest")
	}
	k2, _ := GenerateKey()
	if Verify(h, sig, k2.PublicKey()) {
		t.Error("signature verified against the wrong key")
	}
	bad := append([]byte(nil), sig...)
	bad[10] ^= 0xff
	if Verify(h, bad, k.PublicKey()) {
		t.Error("corrupted signature verified")
	}
	if Verify(h, sig, []byte{0x02}) {
		t.Error("garbage public key accepted")
	}
}

func TestVerifyAddress(t *testing.T) {
	k, _ := GenerateKey()
	h := Hash([]byte(`{"to":"0x01"}`))
	sig, _ := k.Sign(h)

	if !VerifyAddress(h, sig, k.PublicKey(), k.Address()) {
		t.Fatal("signature rejected for the signing address")
	}
	other, _ := GenerateKey()
	if VerifyAddress(h, sig, k.PublicKey(), other.Address()) {
		t.Error("signature accepted for an unrelated address")
	}
}

func TestZero(t *testing.T) {
	k, _ := GenerateKey()
	k.Zero()
	if !bytes.Equal(k.Serialize(), make([]byte, SecretSize)) {
		t.Error("Zero() left secret material behind")
	}
}
