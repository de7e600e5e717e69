// Package crypto provides the signing primitives the vault treats as opaque
// capabilities: BLAKE3 hashing and Schnorr/secp256k1 signatures.
package crypto

import (
	"strconv"

	"github.com/Klingon-tech/klingnet-vault/pkg/types"
	"github.com/zeebo/blake3"
)

// messagePrefix is prepended to personal messages so a signed message can
// never be replayed as a transaction.
const messagePrefix = "\x19Klingnet Signed Message:\n"

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// AddressFromPubKey derives an address from a compressed public key.
// Address = BLAKE3(compressed_pubkey)[:20].
func AddressFromPubKey(pubKey []byte) types.Address {
	h := Hash(pubKey)
	var addr types.Address
	copy(addr[:], h[:types.AddressSize])
	return addr
}

// HashMessage hashes a personal message with the length-prefixed header.
func HashMessage(msg []byte) types.Hash {
	buf := make([]byte, 0, len(messagePrefix)+20+len(msg))
	buf = append(buf, messagePrefix...)
	buf = strconv.AppendInt(buf, int64(len(msg)), 10)
	buf = append(buf, msg...)
	return Hash(buf)
}

// HashTypedData hashes a typed-data payload as 0x19 0x01 || H(domain) || H(message).
func HashTypedData(domain, message []byte) types.Hash {
	d := Hash(domain)
	m := Hash(message)
	buf := make([]byte, 0, 2+2*types.HashSize)
	buf = append(buf, 0x19, 0x01)
	buf = append(buf, d[:]...)
	buf = append(buf, m[:]...)
	return Hash(buf)
}
