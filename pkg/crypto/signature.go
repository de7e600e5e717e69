package crypto

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-vault/pkg/types"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// SecretSize is the length of a serialized private key.
const SecretSize = 32

// PrivateKey is a secp256k1 signing key. Keys handed out by the keychain
// are short-lived: callers sign and then Zero them.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GenerateKey creates a random key.
func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes loads a key from its 32-byte secret. The caller keeps
// ownership of b.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != SecretSize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", SecretSize, len(b))
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(b)}, nil
}

// Sign produces a 64-byte Schnorr signature over digest.
func (pk *PrivateKey) Sign(digest types.Hash) ([]byte, error) {
	sig, err := schnorr.Sign(pk.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

// PublicKey returns the compressed 33-byte public key.
func (pk *PrivateKey) PublicKey() []byte {
	return pk.key.PubKey().SerializeCompressed()
}

// Serialize returns the secret scalar. The vault encrypts it before storage.
func (pk *PrivateKey) Serialize() []byte {
	return pk.key.Serialize()
}

// Address returns the account address controlled by this key.
func (pk *PrivateKey) Address() types.Address {
	return AddressFromPubKey(pk.PublicKey())
}

// Zero wipes the secret.
func (pk *PrivateKey) Zero() {
	pk.key.Zero()
}

// Verify reports whether sig is a valid signature of digest by the
// compressed public key pub.
func Verify(digest types.Hash, sig, pub []byte) bool {
	pubKey, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return false
	}
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(digest[:], pubKey)
}

// VerifyAddress reports whether sig was produced by the key behind addr.
func VerifyAddress(digest types.Hash, sig, pub []byte, addr types.Address) bool {
	return AddressFromPubKey(pub) == addr && Verify(digest, sig, pub)
}
