package keychain

import "errors"

var (
	// ErrAuthRequired is returned when the vault is locked.
	ErrAuthRequired = errors.New("vault is locked")
	// ErrWrongPassword is returned when a password does not open the vault.
	ErrWrongPassword = errors.New("wrong password")
	// ErrNotFound is returned for an address no keychain owns.
	ErrNotFound = errors.New("account not found")
	// ErrKeychainNotFound is returned for an unknown keychain id.
	ErrKeychainNotFound = errors.New("keychain not found")
	// ErrDuplicateAccount is returned when an address is already owned.
	ErrDuplicateAccount = errors.New("account already exists")
	// ErrExternalSigner is returned by GetSigner for hardware accounts;
	// those must be signed through the hardware bridge.
	ErrExternalSigner = errors.New("account is signed by an external device")
	// ErrReadOnly is returned by GetSigner for watch-only accounts.
	ErrReadOnly = errors.New("account is read-only")
	// ErrExportNotSupported is returned when exporting keys a keychain does not hold.
	ErrExportNotSupported = errors.New("export not supported for this keychain")
	// ErrNotSupported is returned for operations a keychain kind cannot perform.
	ErrNotSupported = errors.New("operation not supported for this keychain")
	// ErrNoVault is returned by Unlock before a password was ever set.
	ErrNoVault = errors.New("vault not initialized")
	// ErrInvalidMnemonic is returned for a phrase that fails BIP-39 checks.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	// ErrInvalidDescriptor is returned for malformed AddKeychain input.
	ErrInvalidDescriptor = errors.New("invalid keychain descriptor")
)
