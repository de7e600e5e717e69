package keychain

import (
	"testing"

	"github.com/Klingon-tech/klingnet-vault/pkg/crypto"
)

// testMnemonic is the BIP-39 "abandon ... about" vector.
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testMaster(t *testing.T) *HDKey {
	t.Helper()
	seed, err := SeedFromMnemonic(testMnemonic, "")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error: %v", err)
	}
	master, err := NewMasterKey(seed)
	if err != nil {
		t.Fatalf("NewMasterKey() error: %v", err)
	}
	return master
}

func TestNewMasterKey_InvalidSeedLength(t *testing.T) {
	for _, n := range []int{0, 32, 128} {
		if _, err := NewMasterKey(make([]byte, n)); err == nil {
			t.Errorf("NewMasterKey(%d bytes) should fail", n)
		}
	}
}

func TestDeriveAccount_Deterministic(t *testing.T) {
	m1 := testMaster(t)
	m2 := testMaster(t)

	a, err := m1.DeriveAccount(3)
	if err != nil {
		t.Fatalf("DeriveAccount() error: %v", err)
	}
	b, _ := m2.DeriveAccount(3)
	if a.Address() != b.Address() {
		t.Fatal("same seed and index produced different addresses")
	}
	c, _ := m1.DeriveAccount(4)
	if a.Address() == c.Address() {
		t.Fatal("different indices produced the same address")
	}
}

func TestDeriveAccount_MatchesPath(t *testing.T) {
	m := testMaster(t)
	viaAccount, _ := m.DeriveAccount(7)
	viaPath, err := m.DerivePath(PurposeBIP44, CoinType, 0x80000000, ChangeExternal, 7)
	if err != nil {
		t.Fatalf("DerivePath() error: %v", err)
	}
	if viaAccount.Address() != viaPath.Address() {
		t.Fatal("DeriveAccount disagrees with the explicit BIP-44 path")
	}
	if got := AccountPath(7); got != "m/44'/8888'/0'/0/7" {
		t.Errorf("AccountPath(7) = %s", got)
	}
}

func TestHDKey_PrivateKeyMatchesAddress(t *testing.T) {
	k, _ := testMaster(t).DeriveAccount(0)
	pk, err := k.PrivateKey()
	if err != nil {
		t.Fatalf("PrivateKey() error: %v", err)
	}
	if pk.Address() != k.Address() {
		t.Fatal("signing key does not control the derived address")
	}
	h := crypto.HashMessage([]byte("hi"))
	sig, _ := pk.Sign(h)
	if !crypto.Verify(h, sig, k.PublicKeyBytes()) {
		t.Fatal("signature from derived key did not verify")
	}
}

func TestMnemonic(t *testing.T) {
	m, err := GenerateMnemonic(MnemonicEntropyBits12)
	if err != nil {
		t.Fatalf("GenerateMnemonic() error: %v", err)
	}
	if !ValidateMnemonic(m) {
		t.Fatal("generated mnemonic does not validate")
	}
	if !ValidateMnemonic("  ABANDON abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon   about ") {
		t.Error("normalization should accept case and spacing differences")
	}
	if ValidateMnemonic("abandon abandon abandon") {
		t.Error("short phrase accepted")
	}
	if _, err := SeedFromMnemonic("not a real phrase at all", ""); err != ErrInvalidMnemonic {
		t.Errorf("SeedFromMnemonic(invalid) error = %v, want ErrInvalidMnemonic", err)
	}
}

func TestParsePath(t *testing.T) {
	m := testMaster(t)
	indices, err := ParsePath(AccountPath(5))
	if err != nil {
		t.Fatalf("ParsePath() error: %v", err)
	}
	viaPath, _ := m.DerivePath(indices...)
	viaAccount, _ := m.DeriveAccount(5)
	if viaPath.Address() != viaAccount.Address() {
		t.Fatal("parsed path derives a different key")
	}

	for _, bad := range []string{"", "44'/0", "m/x", "m/44'/-1"} {
		if _, err := ParsePath(bad); err == nil {
			t.Errorf("ParsePath(%q) should fail", bad)
		}
	}
}
