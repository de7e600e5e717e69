package keychain

import "github.com/Klingon-tech/klingnet-vault/pkg/types"

// Descriptor describes a keychain to add. It is one of HDDescriptor,
// KeyPairDescriptor, HardwareDescriptor or ReadOnlyDescriptor.
type Descriptor interface {
	descriptorKind() Kind
}

// HDDescriptor creates or imports a mnemonic-backed keychain. An empty
// Mnemonic generates a fresh 12-word phrase.
type HDDescriptor struct {
	Mnemonic        string
	Imported        bool
	AutoDiscover    bool
	AccountsEnabled uint32
}

// KeyPairDescriptor imports a single 32-byte private key.
type KeyPairDescriptor struct {
	PrivateKey []byte
}

// HardwareDescriptor registers device accounts. Only addresses and paths
// are stored.
type HardwareDescriptor struct {
	Vendor   types.Vendor
	DeviceID string
	Accounts []Account
}

// ReadOnlyDescriptor watches an address without any key.
type ReadOnlyDescriptor struct {
	Address types.Address
}

func (HDDescriptor) descriptorKind() Kind       { return KindHD }
func (KeyPairDescriptor) descriptorKind() Kind  { return KindKeyPair }
func (HardwareDescriptor) descriptorKind() Kind { return KindHardware }
func (ReadOnlyDescriptor) descriptorKind() Kind { return KindReadOnly }
